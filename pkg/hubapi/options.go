package hubapi

import (
	"log/slog"
	"time"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/agent"
)

// Options configure an API.
type Options struct {
	// Prefix mounts every route. Defaults to "/api".
	Prefix string
	// ConnectTimeout bounds connect calls made through the API.
	ConnectTimeout time.Duration
	// CallTimeout bounds tool calls, resource reads and prompt fetches.
	CallTimeout time.Duration
	// Agent serves POST /chat when set.
	Agent  *agent.Agent
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Prefix == "" {
		opts.Prefix = "/api"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
