package mcpmgr

import (
	"log/slog"
	"net/http"
	"time"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

const (
	// DefaultProtocolVersion is sent in every initialize request.
	DefaultProtocolVersion = "2024-11-05"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultEndpointTimeout = 10 * time.Second
	DefaultReconnectDelay  = 500 * time.Millisecond
)

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// ProxyURL is the base URL of the transport proxy serving /mcp/sse,
	// /mcp/message and /mcp/streamable.
	ProxyURL string
	// HTTPClient is used for every proxy request. It must not set a
	// client-wide Timeout because SSE streams stay open indefinitely.
	HTTPClient *http.Client
	// ClientName and ClientVersion are advertised as clientInfo during
	// initialization.
	ClientName    string
	ClientVersion string
	// ProtocolVersion overrides DefaultProtocolVersion.
	ProtocolVersion string
	// RequestTimeout bounds every request awaiting a response.
	RequestTimeout time.Duration
	// EndpointTimeout bounds the wait for the SSE endpoint event.
	EndpointTimeout time.Duration
	// ReconnectDelay is the settle delay before restored servers are
	// reconnected. Negative values reconnect immediately.
	ReconnectDelay time.Duration
	// Store persists the server list. Nil disables persistence.
	Store Store
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics, when set, records request and status metrics.
	Metrics *Metrics
	// LogJSONRPC logs every JSON-RPC message at debug level unless
	// RPCLogger is set.
	LogJSONRPC bool
	// RPCLogger receives every JSON-RPC message; it takes precedence over
	// LogJSONRPC.
	RPCLogger RPCLogger
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var opts ManagerOptions
	if o != nil {
		opts = *o
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-client-hub"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.EndpointTimeout <= 0 {
		opts.EndpointTimeout = DefaultEndpointTimeout
	}
	if opts.ReconnectDelay < 0 {
		opts.ReconnectDelay = 0
	} else if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

func (o *ManagerOptions) rpcLogger() RPCLogger {
	if o.RPCLogger != nil {
		return o.RPCLogger
	}
	if !o.LogJSONRPC {
		return nil
	}
	logger := o.Logger
	return func(event RPCLogEvent) {
		logger.Debug("jsonrpc", "server", event.ServerID, "direction", event.Direction, "message", string(event.Message))
	}
}
