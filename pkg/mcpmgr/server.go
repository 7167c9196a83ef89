package mcpmgr

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusConnecting     ConnectionStatus = "connecting"
	StatusAuthenticating ConnectionStatus = "authenticating"
	StatusConnected      ConnectionStatus = "connected"
	StatusError          ConnectionStatus = "error"
)

// live reports whether a session exists for the status.
func (s ConnectionStatus) live() bool {
	return s == StatusConnecting || s == StatusAuthenticating || s == StatusConnected
}

// TransportKind identifies the wire transport used to reach a server.
type TransportKind string

const (
	TransportSSE        TransportKind = "sse"
	TransportStreamable TransportKind = "streamable-http"
)

// DetectTransport picks the transport from the URL shape: URLs whose path
// ends in /sse use SSE, everything else Streamable HTTP.
func DetectTransport(rawURL string) TransportKind {
	trimmed := strings.TrimSpace(rawURL)
	if u, err := url.Parse(trimmed); err == nil && u.Path != "" {
		trimmed = strings.TrimRight(u.Path, "/")
	}
	if strings.HasSuffix(trimmed, "/sse") {
		return TransportSSE
	}
	return TransportStreamable
}

// Valid reports whether k is a known transport.
func (k TransportKind) Valid() bool {
	return k == TransportSSE || k == TransportStreamable
}

// Capabilities is the set of server capabilities advertised in the
// initialize result.
type Capabilities uint8

const (
	CapTools Capabilities = 1 << iota
	CapResources
	CapPrompts
	CapSampling
	CapElicitation
)

var capabilityKeys = []struct {
	key string
	bit Capabilities
}{
	{"tools", CapTools},
	{"resources", CapResources},
	{"prompts", CapPrompts},
	{"sampling", CapSampling},
	{"elicitation", CapElicitation},
}

// Has reports whether every bit of c2 is set in c.
func (c Capabilities) Has(c2 Capabilities) bool { return c&c2 == c2 }

// Keys returns the capability names in declaration order.
func (c Capabilities) Keys() []string {
	var keys []string
	for _, entry := range capabilityKeys {
		if c.Has(entry.bit) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Credentials carry the bearer token forwarded to a server.
type Credentials struct {
	AccessToken  string    `json:"accessToken" yaml:"accessToken"`
	TokenType    string    `json:"tokenType,omitempty" yaml:"tokenType,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty" yaml:"refreshToken,omitempty"`
}

// AuthorizationHeader renders the Authorization header value, normalizing
// the token type so "bearer" and an empty type both become "Bearer".
func (c *Credentials) AuthorizationHeader() string {
	if c == nil || c.AccessToken == "" {
		return ""
	}
	return NormalizeAuthorization(strings.TrimSpace(c.TokenType + " " + c.AccessToken))
}

// NormalizeAuthorization rewrites the scheme of an Authorization value to
// the canonical "Bearer" spelling. A bare token gets the Bearer scheme.
func NormalizeAuthorization(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	scheme, token, found := strings.Cut(value, " ")
	if !found {
		return "Bearer " + value
	}
	if strings.EqualFold(scheme, "bearer") {
		return "Bearer " + strings.TrimSpace(token)
	}
	return value
}

func (c *Credentials) clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ServerInfo is the implementation identity reported by initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerRecord is a snapshot of one managed server. Values returned by the
// manager are copies and may be retained by callers.
type ServerRecord struct {
	ID           string
	URL          string
	Name         string
	Status       ConnectionStatus
	Transport    TransportKind
	Error        string
	ServerInfo   *ServerInfo
	Capabilities Capabilities
	Tools        []*mcp.Tool
	Resources    []*mcp.Resource
	Prompts      []*mcp.Prompt
	Credentials  *Credentials
	Headers      map[string]string
	// WasConnected tracks whether the server was connected at the last save.
	WasConnected bool
}

func (r *ServerRecord) clone() ServerRecord {
	cp := *r
	if r.ServerInfo != nil {
		info := *r.ServerInfo
		cp.ServerInfo = &info
	}
	cp.Tools = append([]*mcp.Tool(nil), r.Tools...)
	cp.Resources = append([]*mcp.Resource(nil), r.Resources...)
	cp.Prompts = append([]*mcp.Prompt(nil), r.Prompts...)
	cp.Credentials = r.Credentials.clone()
	cp.Headers = cloneStringMap(r.Headers)
	return cp
}

// resetSession clears everything that only exists while connected.
func (r *ServerRecord) resetSession() {
	r.ServerInfo = nil
	r.Capabilities = 0
	r.Tools = nil
	r.Resources = nil
	r.Prompts = nil
}

// AddServerOptions configure AddServer. Every field is optional.
type AddServerOptions struct {
	// ID overrides the generated identifier, used when restoring or syncing.
	ID          string
	Name        string
	Credentials *Credentials
	// Transport fixes the transport instead of detecting it from the URL.
	Transport TransportKind
	Headers   map[string]string
}

// ServerPatch updates mutable fields of a record. Nil fields are left alone.
type ServerPatch struct {
	Name        *string
	Credentials *Credentials
	// ClearCredentials drops stored credentials.
	ClearCredentials bool
	Headers          map[string]string
}

// ServerTool is a tool tagged with the server that declared it.
type ServerTool struct {
	ServerID   string
	ServerName string
	Tool       *mcp.Tool
}

// ServerResource is a resource tagged with the server that declared it.
type ServerResource struct {
	ServerID   string
	ServerName string
	Resource   *mcp.Resource
}

// ServerPrompt is a prompt tagged with the server that declared it.
type ServerPrompt struct {
	ServerID   string
	ServerName string
	Prompt     *mcp.Prompt
}

// displayName falls back to the URL host when no name was given.
func displayName(name string, u *url.URL) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return u.Host
}

func validateServerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: invalid server url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mcpmgr: server url %q must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mcpmgr: server url %q has no host", raw)
	}
	return u, nil
}

// forbiddenCustomHeaders are never forwarded upstream.
var forbiddenCustomHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
}

// SanitizeHeaders drops headers that must not be forwarded upstream and
// returns a copy.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, bad := forbiddenCustomHeaders[strings.ToLower(strings.TrimSpace(k))]; bad {
			continue
		}
		out[http.CanonicalHeaderKey(strings.TrimSpace(k))] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
