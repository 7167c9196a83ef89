package mcpmgr

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrServerNotFound is returned for every operation addressing an id the
	// manager does not know about.
	ErrServerNotFound = errors.New("server not found")
	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("server not connected")
	// ErrAlreadyConnected is returned by ConnectServer when a session is
	// already being established or is live.
	ErrAlreadyConnected = errors.New("server already connected")
	// ErrNoActiveServer is returned by the active-server wrappers when no
	// server is active.
	ErrNoActiveServer = errors.New("no active server")
	// ErrDisconnected rejects requests still pending when their session closes.
	ErrDisconnected = errors.New("Disconnected")
	// ErrConnectionLost marks a session whose stream failed after connect.
	ErrConnectionLost = errors.New("Connection lost")
	// ErrRequestTimeout wraps "Request timeout: <method>" failures.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrEndpointTimeout is returned when an SSE stream never announces its
	// message endpoint.
	ErrEndpointTimeout = errors.New("Timeout waiting for session endpoint")
)

// RPCError is a JSON-RPC error object returned by a server, or sent back to
// one when answering a server-initiated request.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

// Standard JSON-RPC error codes used when answering server requests.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type requestTimeoutError struct {
	method string
}

func (e *requestTimeoutError) Error() string { return "Request timeout: " + e.method }

func (e *requestTimeoutError) Unwrap() error { return ErrRequestTimeout }

func notFound(serverID string) error {
	return fmt.Errorf("mcpmgr: server %q not found: %w", serverID, ErrServerNotFound)
}

// toRPCError converts the error value decoded by the jsonrpc package into an
// RPCError without depending on its concrete wire type.
func toRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	out := &RPCError{Code: CodeInternalError, Message: err.Error()}
	if raw, mErr := json.Marshal(err); mErr == nil {
		var decoded RPCError
		if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
			out = &decoded
		}
	}
	return out
}
