package mcpmgr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const jsonrpcVersion = "2.0"

// inbound is one classified JSON-RPC message received from a server. The
// concrete type is one of inboundResponse, inboundRequest or
// inboundNotification.
type inbound interface {
	isInbound()
}

type inboundResponse struct {
	id     string
	result json.RawMessage
	err    *RPCError
}

type inboundRequest struct {
	id     jsonrpc.ID
	method string
	params json.RawMessage
}

type inboundNotification struct {
	method string
	params json.RawMessage
}

func (inboundResponse) isInbound()     {}
func (inboundRequest) isInbound()      {}
func (inboundNotification) isInbound() {}

var errNoDiscriminator = errors.New("mcpmgr: message has neither id nor method")

// classify decodes a raw envelope and maps it onto exactly one variant:
// id without method is a response, id with method a server request, method
// without id a notification.
func classify(data []byte) (inbound, error) {
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: decode message: %w", err)
	}
	switch m := msg.(type) {
	case *jsonrpc.Request:
		if m.ID.IsValid() {
			return inboundRequest{id: m.ID, method: m.Method, params: m.Params}, nil
		}
		return inboundNotification{method: m.Method, params: m.Params}, nil
	case *jsonrpc.Response:
		if !m.ID.IsValid() {
			return nil, errNoDiscriminator
		}
		return inboundResponse{id: idKey(m.ID), result: m.Result, err: toRPCError(m.Error)}, nil
	default:
		return nil, fmt.Errorf("mcpmgr: unexpected message type %T", msg)
	}
}

// idKey renders a JSON-RPC id as a map key.
func idKey(id jsonrpc.ID) string {
	switch raw := id.Raw().(type) {
	case string:
		return raw
	case nil:
		return ""
	default:
		return fmt.Sprint(raw)
	}
}

// requestKey renders the id of a server-initiated request. Numbers keep
// their decimal form and strings get an "s:" prefix, so 1 and "1" never
// share a key.
func requestKey(id jsonrpc.ID) string {
	if raw, ok := id.Raw().(string); ok {
		return "s:" + raw
	}
	return idKey(id)
}

type outboundRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outboundResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

func encodeRequest(id, method string, params any) ([]byte, error) {
	return json.Marshal(outboundRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
}

func encodeNotification(method string, params any) ([]byte, error) {
	return encodeRequest("", method, params)
}

// encodeResponse answers a server request. Exactly one of result or rpcErr
// is sent; a nil result with no error is sent as an empty object.
func encodeResponse(id jsonrpc.ID, result any, rpcErr *RPCError) ([]byte, error) {
	resp := outboundResponse{JSONRPC: jsonrpcVersion, ID: id.Raw()}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else if result == nil {
		resp.Result = struct{}{}
	} else {
		resp.Result = result
	}
	return json.Marshal(resp)
}
