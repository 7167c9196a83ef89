package mcpproxy

import (
	"log/slog"
	"net/http"
)

// DefaultMaxBodyBytes bounds request bodies forwarded upstream.
const DefaultMaxBodyBytes = 16 << 20

// Options configures a Proxy.
type Options struct {
	// Client performs upstream requests. It must not set a client-wide
	// Timeout because event streams stay open until the browser leaves.
	Client *http.Client
	// AllowedOrigins feeds the CORS layer. Empty allows every origin.
	AllowedOrigins []string
	// MaxBodyBytes caps request bodies and buffered upstream answers.
	MaxBodyBytes int64
	// Logger receives one line per upstream failure.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
