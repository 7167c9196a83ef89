package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

// config is the hub.yaml file. Zero values take the library defaults.
type config struct {
	Listen         string        `yaml:"listen"`
	ProxyURL       string        `yaml:"proxyURL"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	LogLevel       string        `yaml:"logLevel"`
	LogJSONRPC     bool          `yaml:"logJSONRPC"`
	StorePath      string        `yaml:"storePath"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"`
	MetricsPath    string        `yaml:"metricsPath"`
	OAuth          oauthConfig   `yaml:"oauth"`
	Servers        []seedServer  `yaml:"servers"`
}

type oauthConfig struct {
	RedirectURI   string        `yaml:"redirectURI"`
	ClientName    string        `yaml:"clientName"`
	Scopes        []string      `yaml:"scopes"`
	StateTTL      time.Duration `yaml:"stateTTL"`
	SecureCookies bool          `yaml:"secureCookies"`
}

// seedServer is added on startup unless the store already knows its id.
type seedServer struct {
	ID        string            `yaml:"id"`
	URL       string            `yaml:"url"`
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Headers   map[string]string `yaml:"headers"`
	// TokenEnv names an environment variable holding a bearer token.
	TokenEnv string `yaml:"tokenEnv"`
	Connect  bool   `yaml:"connect"`
}

func defaultConfig() config {
	return config{
		Listen:        "127.0.0.1:8787",
		LogLevel:      "info",
		StorePath:     "mcphub-servers.json",
		ShutdownGrace: 10 * time.Second,
		MetricsPath:   "/metrics",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and keeps the defaults.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *config) validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxyURL %q must be an absolute http(s) URL", c.ProxyURL)
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metricsPath %q must start with /", c.MetricsPath)
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if s.URL == "" {
			return fmt.Errorf("servers[%d]: url is required", i)
		}
		if s.Transport != "" && !mcpmgr.TransportKind(s.Transport).Valid() {
			return fmt.Errorf("servers[%d]: unknown transport %q", i, s.Transport)
		}
		if s.ID != "" {
			if _, dup := seen[s.ID]; dup {
				return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
			}
			seen[s.ID] = struct{}{}
		}
	}
	return nil
}

// proxyURL is where the manager reaches the transport proxy: the configured
// value, or this process on a loopback address.
func (c *config) proxyURL() string {
	if c.ProxyURL != "" {
		return strings.TrimRight(c.ProxyURL, "/")
	}
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("logLevel %q: %w", s, err)
	}
	return level, nil
}
