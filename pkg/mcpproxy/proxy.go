// Package mcpproxy relays MCP transports through same-origin endpoints so a
// browser can reach servers that do not send CORS headers. The manager in
// pkg/mcpmgr speaks to these routes; the target server is named per request
// with the X-Mcp-Server-Url header.
package mcpproxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

const eventStream = "text/event-stream"

// Proxy serves /mcp/sse, /mcp/message, /mcp/streamable and /health.
type Proxy struct {
	opts    Options
	client  *http.Client
	logger  *slog.Logger
	handler http.Handler
}

// New builds a Proxy with its own router and CORS layer.
func New(opts *Options) *Proxy {
	options := opts.withDefaults()
	p := &Proxy{opts: options, client: options.Client, logger: options.Logger}
	r := mux.NewRouter()
	p.Register(r)
	p.handler = WithCORS(options.AllowedOrigins, r)
	return p
}

// Register mounts the proxy routes on r. Callers sharing one router apply
// WithCORS themselves.
func (p *Proxy) Register(r *mux.Router) {
	r.HandleFunc("/health", p.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(mcpmgr.ProxySSEPath, p.handleSSE).Methods(http.MethodGet)
	r.HandleFunc(mcpmgr.ProxyMessagePath, p.handleMessage).Methods(http.MethodPost)
	r.HandleFunc(mcpmgr.ProxyStreamablePath, p.handleStreamable).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

func (p *Proxy) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (p *Proxy) handleSSE(w http.ResponseWriter, r *http.Request) {
	target, headers, ok := p.parseTarget(w, r)
	if !ok {
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applyHeaders(req, r, headers)
	req.Header.Set("Accept", eventStream)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("sse upstream unreachable", "target", target, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("connect to %s: %v", target, err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("sse upstream refused", "target", target, "status", resp.StatusCode)
		relayBody(w, resp)
		return
	}

	w.Header().Set("Content-Type", eventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	copySessionID(w, resp)
	w.WriteHeader(http.StatusOK)
	if err := streamBody(w, resp.Body); err != nil && r.Context().Err() == nil {
		p.logger.Debug("sse relay ended", "target", target, "error", err)
	}
}

func (p *Proxy) handleMessage(w http.ResponseWriter, r *http.Request) {
	target, headers, ok := p.parseTarget(w, r)
	if !ok {
		return
	}
	body, err := readLimited(r.Body, p.opts.MaxBodyBytes)
	if err != nil {
		writeError(w, requestBodyStatus(err), "read body: "+err.Error())
		return
	}

	resp, err := p.post(r, target, headers, body)
	if err == nil && resp.StatusCode == http.StatusNotFound {
		if alt := messagePathVariant(target); alt != "" && alt != target {
			resp.Body.Close()
			p.logger.Debug("message endpoint not found, retrying", "target", target, "retry", alt)
			resp, err = p.post(r, alt, headers, body)
		}
	}
	if err != nil {
		p.logger.Warn("message upstream unreachable", "target", target, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("post to %s: %v", target, err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		p.logger.Warn("message upstream failed", "target", target, "status", resp.StatusCode)
	}

	data, err := readLimited(resp.Body, p.opts.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadGateway, "read upstream: "+err.Error())
		return
	}
	copySessionID(w, resp)
	if len(bytes.TrimSpace(data)) == 0 {
		writeJSON(w, resp.StatusCode, map[string]any{"success": resp.StatusCode/100 == 2, "status": resp.StatusCode})
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(data)
}

func (p *Proxy) post(r *http.Request, target string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	applyHeaders(req, r, headers)
	req.Header.Set("Content-Type", "application/json")
	return p.client.Do(req)
}

func (p *Proxy) handleStreamable(w http.ResponseWriter, r *http.Request) {
	target, headers, ok := p.parseTarget(w, r)
	if !ok {
		return
	}
	var body io.Reader
	if r.Method == http.MethodPost {
		data, err := readLimited(r.Body, p.opts.MaxBodyBytes)
		if err != nil {
			writeError(w, requestBodyStatus(err), "read body: "+err.Error())
			return
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applyHeaders(req, r, headers)
	if r.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	accept := r.Header.Get("Accept")
	if accept == "" || accept == "*/*" {
		if r.Method == http.MethodGet {
			accept = eventStream
		} else {
			accept = "application/json, " + eventStream
		}
	}
	req.Header.Set("Accept", accept)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("streamable upstream unreachable", "target", target, "method", r.Method, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("%s %s: %v", r.Method, target, err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		p.logger.Warn("streamable upstream failed", "target", target, "method", r.Method, "status", resp.StatusCode)
	}

	copySessionID(w, resp)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != eventStream {
		relayBody(w, resp)
		return
	}
	w.Header().Set("Content-Type", eventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	if err := streamBody(w, resp.Body); err != nil && r.Context().Err() == nil {
		p.logger.Debug("streamable relay ended", "target", target, "error", err)
	}
}

// parseTarget reads the upstream URL and custom headers, answering 400 when
// either is unusable.
func (p *Proxy) parseTarget(w http.ResponseWriter, r *http.Request) (string, map[string]string, bool) {
	target := strings.TrimSpace(r.Header.Get(mcpmgr.HeaderServerURL))
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing "+mcpmgr.HeaderServerURL+" header")
		return "", nil, false
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "invalid "+mcpmgr.HeaderServerURL+" header")
		return "", nil, false
	}
	headers, err := parseCustomHeaders(r.Header.Get(mcpmgr.HeaderCustomHeaders))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	return u.String(), headers, true
}

var errCustomHeaders = errors.New("invalid " + mcpmgr.HeaderCustomHeaders + " header")

func parseCustomHeaders(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("%w: %v", errCustomHeaders, err)
	}
	return mcpmgr.SanitizeHeaders(headers), nil
}

// applyHeaders copies the forwarded headers from the browser request onto
// the upstream request.
func applyHeaders(req, in *http.Request, custom map[string]string) {
	for k, v := range custom {
		req.Header.Set(k, v)
	}
	if auth := mcpmgr.NormalizeAuthorization(in.Header.Get("Authorization")); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	sid := in.Header.Get(mcpmgr.HeaderSessionID)
	if sid == "" {
		sid = in.Header.Get(mcpmgr.SessionIDHeader)
	}
	if sid != "" {
		req.Header.Set(mcpmgr.SessionIDHeader, sid)
	}
	if v := in.Header.Get("Mcp-Protocol-Version"); v != "" {
		req.Header.Set("Mcp-Protocol-Version", v)
	}
	if v := in.Header.Get("Last-Event-Id"); v != "" {
		req.Header.Set("Last-Event-Id", v)
	}
}

// messagePathVariant returns the alternative message path some SSE servers
// use: /messages becomes /message and any other path gains a /message
// suffix.
func messagePathVariant(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	switch {
	case strings.HasSuffix(path, "/messages"):
		u.Path = strings.TrimSuffix(path, "s")
	case strings.HasSuffix(path, "/message"):
		return ""
	default:
		u.Path = path + "/message"
	}
	return u.String()
}

func copySessionID(w http.ResponseWriter, resp *http.Response) {
	if sid := resp.Header.Get(mcpmgr.SessionIDHeader); sid != "" {
		w.Header().Set(mcpmgr.SessionIDHeader, sid)
	}
}

func relayBody(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// streamBody copies body to w chunk by chunk, flushing after each write.
func streamBody(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	_ = rc.Flush()
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var errBodyTooLarge = errors.New("body exceeds the size limit")

// readLimited reads at most limit bytes and fails instead of truncating a
// longer body.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func requestBodyStatus(err error) int {
	if errors.Is(err, errBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
