// Package oauthflow runs the OAuth 2.1 authorization code flow with PKCE
// against MCP servers on behalf of the browser, including authorization
// server discovery and dynamic client registration.
package oauthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

const wellKnownMetadataPath = "/.well-known/oauth-authorization-server"

var (
	// ErrUnknownState is returned by Complete for a state that was never
	// issued, already used, or expired.
	ErrUnknownState = errors.New("oauthflow: unknown or expired state")
	// ErrRegistrationUnsupported is returned when the server publishes no
	// registration endpoint and the default one refuses registration.
	ErrRegistrationUnsupported = errors.New("oauthflow: dynamic client registration unsupported")
)

// Metadata is the subset of RFC 8414 authorization server metadata the flow
// needs.
type Metadata struct {
	Issuer                        string   `json:"issuer,omitempty"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Registration is a client registered with a server's authorization server.
type Registration struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`
}

// Token is the outcome of a completed authorization.
type Token struct {
	ServerURL    string    `json:"serverUrl"`
	AccessToken  string    `json:"accessToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
}

// Credentials converts the token for use with mcpmgr.Manager.ConnectServer.
func (t *Token) Credentials() *mcpmgr.Credentials {
	return &mcpmgr.Credentials{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.ExpiresAt,
		RefreshToken: t.RefreshToken,
	}
}

// Authorization is returned by Begin.
type Authorization struct {
	AuthURL      string
	State        string
	Registration Registration
}

// Flow drives discovery, registration and the code exchange. Registrations
// are cached in memory per normalized server URL.
type Flow struct {
	opts Options

	mu            sync.Mutex
	registrations map[string]Registration
}

// New builds a Flow.
func New(opts *Options) *Flow {
	return &Flow{opts: opts.withDefaults(), registrations: make(map[string]Registration)}
}

// NormalizeServerURL reduces a server URL to scheme, host and path without a
// trailing slash, lower-casing scheme and host.
func NormalizeServerURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("oauthflow: parse server url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("oauthflow: server url %q must be absolute http or https", raw)
	}
	out := url.URL{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Host), Path: strings.TrimRight(u.Path, "/")}
	return out.String(), nil
}

func origin(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("oauthflow: parse server url: %w", err)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Discover fetches authorization server metadata from the server origin,
// falling back to /authorize, /token and /register there when none is
// published.
func (f *Flow) Discover(ctx context.Context, serverURL string) (*Metadata, error) {
	base, err := origin(serverURL)
	if err != nil {
		return nil, err
	}
	fallback := &Metadata{
		Issuer:                base,
		AuthorizationEndpoint: base + "/authorize",
		TokenEndpoint:         base + "/token",
		RegistrationEndpoint:  base + "/register",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+wellKnownMetadataPath, nil)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mcp-Protocol-Version", mcpmgr.DefaultProtocolVersion)
	resp, err := f.opts.Client.Do(req)
	if err != nil {
		f.opts.Logger.Debug("metadata discovery failed, using defaults", "server", serverURL, "error", err)
		return fallback, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.opts.Logger.Debug("no authorization server metadata, using defaults", "server", serverURL, "status", resp.StatusCode)
		return fallback, nil
	}
	var meta Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("oauthflow: decode metadata: %w", err)
	}
	if meta.AuthorizationEndpoint == "" {
		meta.AuthorizationEndpoint = fallback.AuthorizationEndpoint
	}
	if meta.TokenEndpoint == "" {
		meta.TokenEndpoint = fallback.TokenEndpoint
	}
	return &meta, nil
}

type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// RegisterClient performs dynamic client registration (RFC 7591) and caches
// the result for serverURL.
func (f *Flow) RegisterClient(ctx context.Context, serverURL, redirectURI string, meta *Metadata) (Registration, error) {
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		return Registration{}, err
	}
	if meta == nil {
		if meta, err = f.Discover(ctx, serverURL); err != nil {
			return Registration{}, err
		}
	}
	endpoint := meta.RegistrationEndpoint
	if endpoint == "" {
		base, err := origin(serverURL)
		if err != nil {
			return Registration{}, err
		}
		endpoint = base + "/register"
	}

	body, err := json.Marshal(registrationRequest{
		ClientName:              f.opts.ClientName,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   strings.Join(f.opts.Scopes, " "),
	})
	if err != nil {
		return Registration{}, fmt.Errorf("oauthflow: encode registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Registration{}, fmt.Errorf("oauthflow: build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return Registration{}, fmt.Errorf("oauthflow: register client: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		return Registration{}, fmt.Errorf("%w at %s", ErrRegistrationUnsupported, endpoint)
	}
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Registration{}, fmt.Errorf("oauthflow: register client: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out registrationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Registration{}, fmt.Errorf("oauthflow: decode registration: %w", err)
	}
	if out.ClientID == "" {
		return Registration{}, errors.New("oauthflow: registration returned no client_id")
	}
	reg := Registration{ClientID: out.ClientID, ClientSecret: out.ClientSecret, RedirectURI: redirectURI}
	f.remember(key, reg)
	f.opts.Logger.Info("oauth client registered", "server", key, "client_id", reg.ClientID)
	return reg, nil
}

func (f *Flow) remember(key string, reg Registration) {
	f.mu.Lock()
	f.registrations[key] = reg
	f.mu.Unlock()
}

// CachedRegistration returns the in-memory registration for serverURL.
func (f *Flow) CachedRegistration(serverURL string) (Registration, bool) {
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		return Registration{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.registrations[key]
	return reg, ok
}

// Begin starts an authorization for serverURL. fallback, when non-nil, is
// used if no registration is cached in memory; otherwise a client is
// registered first.
func (f *Flow) Begin(ctx context.Context, serverURL, redirectURI string, fallback *Registration) (*Authorization, error) {
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	meta, err := f.Discover(ctx, serverURL)
	if err != nil {
		return nil, err
	}

	reg, ok := f.CachedRegistration(serverURL)
	if ok && reg.RedirectURI != "" && reg.RedirectURI != redirectURI {
		ok = false
	}
	if !ok && fallback != nil && fallback.ClientID != "" && (fallback.RedirectURI == "" || fallback.RedirectURI == redirectURI) {
		reg, ok = *fallback, true
		f.remember(key, reg)
	}
	if !ok {
		if reg, err = f.RegisterClient(ctx, serverURL, redirectURI, meta); err != nil {
			return nil, err
		}
	}

	cfg := f.config(meta, reg, redirectURI)
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	pending := PendingAuth{
		ServerURL:    key,
		RedirectURI:  redirectURI,
		Verifier:     verifier,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		TokenURL:     meta.TokenEndpoint,
		CreatedAt:    time.Now(),
	}
	if err := f.opts.States.Put(ctx, state, pending, f.opts.StateTTL); err != nil {
		return nil, fmt.Errorf("oauthflow: store state: %w", err)
	}
	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oauth2.SetAuthURLParam("resource", key))
	return &Authorization{AuthURL: authURL, State: state, Registration: reg}, nil
}

// Complete exchanges code for a token. The state is consumed whether or not
// the exchange succeeds.
func (f *Flow) Complete(ctx context.Context, code, state string) (*Token, error) {
	pending, ok, err := f.opts.States.Take(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: load state: %w", err)
	}
	if !ok {
		return nil, ErrUnknownState
	}
	cfg := f.config(&Metadata{TokenEndpoint: pending.TokenURL}, Registration{ClientID: pending.ClientID, ClientSecret: pending.ClientSecret}, pending.RedirectURI)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.opts.Client)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(pending.Verifier), oauth2.SetAuthURLParam("resource", pending.ServerURL))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: exchange code: %w", err)
	}
	return &Token{
		ServerURL:    pending.ServerURL,
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
		RefreshToken: tok.RefreshToken,
	}, nil
}

func (f *Flow) config(meta *Metadata, reg Registration, redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if reg.ClientSecret != "" {
		style = oauth2.AuthStyleAutoDetect
	}
	return &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       f.opts.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: style,
		},
	}
}
