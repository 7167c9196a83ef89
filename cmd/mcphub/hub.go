package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/hubapi"
	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpproxy"
	"github.com/vikashloomba/mcp-client-hub-go/pkg/oauthflow"
	"github.com/vikashloomba/mcp-client-hub-go/pkg/serverstore"
)

// hub is everything serve runs, assembled from one config.
type hub struct {
	cfg     config
	logger  *slog.Logger
	manager *mcpmgr.Manager
	states  *oauthflow.MemoryStore
	handler http.Handler
}

func newHub(cfg config, logOut io.Writer) (*hub, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var store mcpmgr.Store
	if cfg.StorePath != "" {
		store = serverstore.New(cfg.StorePath)
	}
	mgr := mcpmgr.NewManager(&mcpmgr.ManagerOptions{
		ProxyURL:       cfg.proxyURL(),
		HTTPClient:     &http.Client{},
		ClientName:     "mcphub",
		ClientVersion:  version,
		RequestTimeout: cfg.RequestTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		Store:          store,
		Logger:         logger.With("component", "manager"),
		Metrics:        mcpmgr.NewMetrics(reg),
		LogJSONRPC:     cfg.LogJSONRPC,
	})
	// Server-initiated requests wait in the push queue for the UI.
	mgr.OnSampling(func(_ context.Context, req *mcpmgr.SamplingRequest) {
		logger.Info("sampling request queued", "server", req.ServerID, "id", req.ID.Raw())
	})
	mgr.OnElicitation(func(_ context.Context, req *mcpmgr.ElicitationRequest) {
		logger.Info("elicitation request queued", "server", req.ServerID, "id", req.ID.Raw())
	})
	mgr.OnError(func(serverID string, err error) {
		logger.Warn("server error", "server", serverID, "error", err)
	})

	states := oauthflow.NewMemoryStore()
	flow := oauthflow.New(&oauthflow.Options{
		RedirectURI:   cfg.OAuth.RedirectURI,
		ClientName:    cfg.OAuth.ClientName,
		Scopes:        cfg.OAuth.Scopes,
		StateTTL:      cfg.OAuth.StateTTL,
		States:        states,
		SecureCookies: cfg.OAuth.SecureCookies,
		Logger:        logger.With("component", "oauth"),
	})
	proxy := mcpproxy.New(&mcpproxy.Options{
		Client:         &http.Client{},
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.With("component", "proxy"),
	})
	api := hubapi.New(mgr, &hubapi.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger.With("component", "api"),
	})

	r := mux.NewRouter()
	proxy.Register(r)
	flow.Register(r)
	api.Register(r)
	if cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	}

	return &hub{
		cfg:     cfg,
		logger:  logger,
		manager: mgr,
		states:  states,
		handler: mcpproxy.WithCORS(cfg.AllowedOrigins, r),
	}, nil
}

// seed adds configured servers the store did not already restore and
// returns the ids to connect.
func (h *hub) seed() []string {
	var connect []string
	for _, s := range h.cfg.Servers {
		if s.ID != "" && h.manager.HasServer(s.ID) {
			continue
		}
		opts := &mcpmgr.AddServerOptions{
			ID:        s.ID,
			Name:      s.Name,
			Transport: mcpmgr.TransportKind(s.Transport),
			Headers:   s.Headers,
		}
		if s.TokenEnv != "" {
			if token := os.Getenv(s.TokenEnv); token != "" {
				opts.Credentials = &mcpmgr.Credentials{AccessToken: token, TokenType: "Bearer"}
			}
		}
		id, err := h.manager.AddServer(s.URL, opts)
		if err != nil {
			h.logger.Warn("skipping configured server", "url", s.URL, "error", err)
			continue
		}
		if s.Connect {
			connect = append(connect, id)
		}
	}
	return connect
}

// run serves until ctx is done, then closes every session.
func (h *hub) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hubapi.Serve(gctx, h.cfg.Listen, h.handler, h.cfg.ShutdownGrace)
	})
	g.Go(func() error {
		h.states.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		if err := waitReady(gctx, h.cfg.proxyURL()+"/health"); err != nil {
			return nil
		}
		if err := h.manager.Restore(gctx); err != nil {
			h.logger.Error("restore servers", "error", err)
		}
		for _, id := range h.seed() {
			connectCtx, cancel := context.WithTimeout(gctx, time.Minute)
			if err := h.manager.ConnectServer(connectCtx, id, nil); err != nil {
				h.logger.Warn("initial connect failed", "server", id, "error", err)
			}
			cancel()
		}
		return nil
	})
	h.logger.Info("mcphub listening", "addr", h.cfg.Listen, "proxy", h.cfg.proxyURL(), "store", h.cfg.StorePath)

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownGrace)
	defer cancel()
	if cerr := h.manager.Close(closeCtx); cerr != nil {
		h.logger.Warn("close manager", "error", cerr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitReady polls the health route until the listener answers, since the
// manager reaches the proxy over HTTP.
func waitReady(ctx context.Context, healthURL string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	client := &http.Client{Timeout: time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func serve(ctx context.Context, cfg config, _, stderr io.Writer) error {
	h, err := newHub(cfg, stderr)
	if err != nil {
		return fmt.Errorf("build hub: %w", err)
	}
	return h.run(ctx)
}
