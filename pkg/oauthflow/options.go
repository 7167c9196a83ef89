package oauthflow

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultStateTTL bounds the time between /connect and the callback.
	DefaultStateTTL = 10 * time.Minute
	// DefaultCallbackPath is used to derive a redirect URI when the caller
	// sends none and Options.RedirectURI is empty.
	DefaultCallbackPath = "/auth/callback"
	// DefaultClientName is sent during dynamic client registration.
	DefaultClientName = "MCP Client Hub"

	registrationCookieMaxAge = 30 * 24 * 60 * 60
)

// Options configures a Flow.
type Options struct {
	// Client performs discovery, registration and token requests.
	Client *http.Client
	// RedirectURI overrides the redirect URI derived from the request.
	RedirectURI string
	// ClientName is advertised during dynamic client registration.
	ClientName string
	// Scopes are requested on every authorization.
	Scopes []string
	// StateTTL bounds how long a state value stays valid.
	StateTTL time.Duration
	// States stores pending authorizations. Defaults to a MemoryStore.
	States StateStore
	// SecureCookies marks registration cookies Secure.
	SecureCookies bool
	Logger        *slog.Logger
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.ClientName == "" {
		opts.ClientName = DefaultClientName
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.States == nil {
		opts.States = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
