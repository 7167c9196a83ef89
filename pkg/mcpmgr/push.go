package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server-initiated request methods the manager answers through handlers.
const (
	MethodCreateMessage = "sampling/createMessage"
	MethodElicit        = "elicitation/create"
)

// NotificationSchema identifies an MCP notification method.
type NotificationSchema string

const (
	NotificationSchemaToolListChanged     NotificationSchema = "notifications/tools/list_changed"
	NotificationSchemaPromptListChanged   NotificationSchema = "notifications/prompts/list_changed"
	NotificationSchemaResourceListChanged NotificationSchema = "notifications/resources/list_changed"
	NotificationSchemaResourceUpdated     NotificationSchema = "notifications/resources/updated"
	NotificationSchemaLogging             NotificationSchema = "notifications/message"
	NotificationSchemaProgress            NotificationSchema = "notifications/progress"
)

// NotificationPayload carries a notification received from a server.
type NotificationPayload struct {
	ServerID string
	Method   NotificationSchema
	Params   json.RawMessage
}

// NotificationHandlerFunc receives notifications.
type NotificationHandlerFunc func(context.Context, NotificationPayload)

// PushKind tells sampling and elicitation requests apart.
type PushKind string

const (
	PushSampling    PushKind = "sampling"
	PushElicitation PushKind = "elicitation"
)

// SamplingRequest is a sampling/createMessage call made by a server. It
// stays pending until RespondToSamplingRequest answers it.
type SamplingRequest struct {
	ID         jsonrpc.ID
	ServerID   string
	ServerName string
	Params     *mcp.CreateMessageParams
	RawParams  json.RawMessage
	ReceivedAt time.Time
}

// ElicitationRequest is an elicitation/create call made by a server. It
// stays pending until RespondToElicitationRequest answers it.
type ElicitationRequest struct {
	ID         jsonrpc.ID
	ServerID   string
	ServerName string
	Params     *mcp.ElicitParams
	RawParams  json.RawMessage
	ReceivedAt time.Time
}

// SamplingHandler is invoked on the transport read path. Handlers that do
// slow work, such as calling a model, should do it on their own goroutine.
type SamplingHandler func(context.Context, *SamplingRequest)

// ElicitationHandler is invoked on the transport read path.
type ElicitationHandler func(context.Context, *ElicitationRequest)

// PendingServerRequest is a server-initiated request awaiting an answer.
type PendingServerRequest struct {
	// Key is the request id rendered as a string, unique per server:
	// numeric ids as digits, string ids with an "s:" prefix.
	Key         string
	Kind        PushKind
	Sampling    *SamplingRequest
	Elicitation *ElicitationRequest
}

// ServerID returns the originating server.
func (p PendingServerRequest) ServerID() string {
	if p.Sampling != nil {
		return p.Sampling.ServerID
	}
	if p.Elicitation != nil {
		return p.Elicitation.ServerID
	}
	return ""
}

func pushKey(serverID, key string) string { return serverID + "\x00" + key }

// route classifies one inbound envelope from sess and dispatches it.
func (m *Manager) route(sess *session, data []byte) {
	m.logRPC(sess.serverID, RPCDirectionReceive, data)
	msg, err := classify(data)
	if err != nil {
		m.logger.Warn("dropping malformed message", "server", sess.serverID, "error", err)
		return
	}
	switch v := msg.(type) {
	case inboundResponse:
		if !sess.resolve(v) {
			m.logger.Debug("dropping response for unknown request", "server", sess.serverID, "id", v.id)
		}
	case inboundRequest:
		m.handleServerRequest(sess, v)
	case inboundNotification:
		m.handleNotification(sess, v)
	}
}

func (m *Manager) handleServerRequest(sess *session, req inboundRequest) {
	serverName := m.serverName(sess.serverID)
	now := time.Now()
	key := requestKey(req.id)
	switch req.method {
	case MethodCreateMessage:
		var params mcp.CreateMessageParams
		if err := json.Unmarshal(req.params, &params); err != nil {
			m.answerError(sess, req, CodeInvalidParams, fmt.Sprintf("invalid sampling params: %v", err))
			return
		}
		m.mu.Lock()
		handler := m.samplingHandler
		sampling := &SamplingRequest{ID: req.id, ServerID: sess.serverID, ServerName: serverName, Params: &params, RawParams: req.params, ReceivedAt: now}
		if handler != nil {
			m.pushes[pushKey(sess.serverID, key)] = &PendingServerRequest{Key: key, Kind: PushSampling, Sampling: sampling}
		}
		m.mu.Unlock()
		m.options.Metrics.observePush(req.method, handler != nil)
		if handler == nil {
			m.answerError(sess, req, CodeMethodNotFound, "Client does not handle "+req.method)
			return
		}
		m.safeCall(func() { handler(sess.ctx, sampling) })
	case MethodElicit:
		var params mcp.ElicitParams
		if err := json.Unmarshal(req.params, &params); err != nil {
			m.answerError(sess, req, CodeInvalidParams, fmt.Sprintf("invalid elicitation params: %v", err))
			return
		}
		m.mu.Lock()
		handler := m.elicitationHandler
		elicitation := &ElicitationRequest{ID: req.id, ServerID: sess.serverID, ServerName: serverName, Params: &params, RawParams: req.params, ReceivedAt: now}
		if handler != nil {
			m.pushes[pushKey(sess.serverID, key)] = &PendingServerRequest{Key: key, Kind: PushElicitation, Elicitation: elicitation}
		}
		m.mu.Unlock()
		m.options.Metrics.observePush(req.method, handler != nil)
		if handler == nil {
			m.answerError(sess, req, CodeMethodNotFound, "Client does not handle "+req.method)
			return
		}
		m.safeCall(func() { handler(sess.ctx, elicitation) })
	default:
		// Other server requests are left unanswered.
		m.options.Metrics.observePush(req.method, false)
		m.logger.Warn("unhandled server request", "server", sess.serverID, "method", req.method, "id", key)
	}
}

func (m *Manager) answerError(sess *session, req inboundRequest, code int64, message string) {
	payload, err := encodeResponse(req.id, nil, &RPCError{Code: code, Message: message})
	if err != nil {
		m.logger.Error("encode error response", "server", sess.serverID, "error", err)
		return
	}
	m.mu.RLock()
	tr := m.transportFor(sess)
	m.mu.RUnlock()
	if tr == nil {
		return
	}
	m.logRPC(sess.serverID, RPCDirectionSend, payload)
	if err := tr.send(sess.ctx, payload, "", ""); err != nil {
		m.logger.Warn("send error response", "server", sess.serverID, "method", req.method, "error", err)
	}
}

func (m *Manager) handleNotification(sess *session, note inboundNotification) {
	payload := NotificationPayload{ServerID: sess.serverID, Method: NotificationSchema(note.method), Params: note.params}
	m.mu.RLock()
	handlers := append([]NotificationHandlerFunc(nil), m.notificationHandlers...)
	handlers = append(handlers, m.rawNotifications[sess.serverID][payload.Method]...)
	m.mu.RUnlock()
	for _, h := range handlers {
		m.safeCall(func() { h(sess.ctx, payload) })
	}
	switch payload.Method {
	case NotificationSchemaToolListChanged:
		m.refreshLater(sess, CapTools)
	case NotificationSchemaResourceListChanged:
		m.refreshLater(sess, CapResources)
	case NotificationSchemaPromptListChanged:
		m.refreshLater(sess, CapPrompts)
	}
}

// safeCall isolates handler panics so one listener cannot take down the
// read loop.
func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked", "panic", r)
		}
	}()
	fn()
}

// OnSampling sets the handler for sampling/createMessage requests.
func (m *Manager) OnSampling(handler SamplingHandler) {
	m.mu.Lock()
	m.samplingHandler = handler
	m.mu.Unlock()
}

// OnElicitation sets the handler for elicitation/create requests.
func (m *Manager) OnElicitation(handler ElicitationHandler) {
	m.mu.Lock()
	m.elicitationHandler = handler
	m.mu.Unlock()
}

// OnNotification registers a handler receiving every notification from
// every server.
func (m *Manager) OnNotification(handler NotificationHandlerFunc) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.notificationHandlers = append(m.notificationHandlers, handler)
	m.mu.Unlock()
}

// AddNotificationHandler registers a handler for one notification method
// from one server.
func (m *Manager) AddNotificationHandler(serverID string, schema NotificationSchema, handler NotificationHandlerFunc) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rawNotifications[serverID]; !ok {
		m.rawNotifications[serverID] = make(map[NotificationSchema][]NotificationHandlerFunc)
	}
	m.rawNotifications[serverID][schema] = append(m.rawNotifications[serverID][schema], handler)
}

// PendingServerRequests returns the sampling and elicitation requests that
// have not been answered yet, oldest first.
func (m *Manager) PendingServerRequests() []PendingServerRequest {
	m.mu.RLock()
	out := make([]PendingServerRequest, 0, len(m.pushes))
	for _, p := range m.pushes {
		out = append(out, *p)
	}
	m.mu.RUnlock()
	sortPending(out)
	return out
}

// PendingServerRequest looks up an unanswered request by server and key.
func (m *Manager) PendingServerRequest(serverID, key string) (PendingServerRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pushes[pushKey(serverID, key)]
	if !ok {
		return PendingServerRequest{}, false
	}
	return *p, true
}

// RespondToSamplingRequest answers a sampling request with either result or
// rpcErr.
func (m *Manager) RespondToSamplingRequest(ctx context.Context, serverID string, requestID jsonrpc.ID, result *mcp.CreateMessageResult, rpcErr *RPCError) error {
	var res any
	if result != nil {
		res = result
	}
	return m.respond(ctx, serverID, requestID, res, rpcErr)
}

// RespondToElicitationRequest answers an elicitation request with either
// result or rpcErr.
func (m *Manager) RespondToElicitationRequest(ctx context.Context, serverID string, requestID jsonrpc.ID, result *mcp.ElicitResult, rpcErr *RPCError) error {
	var res any
	if result != nil {
		res = result
	}
	return m.respond(ctx, serverID, requestID, res, rpcErr)
}

var errEmptyResponse = errors.New("mcpmgr: a result or an error is required")

// respond sends a JSON-RPC response, never a new request, through the
// server's current transport.
func (m *Manager) respond(ctx context.Context, serverID string, requestID jsonrpc.ID, result any, rpcErr *RPCError) error {
	if result == nil && rpcErr == nil {
		return errEmptyResponse
	}
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return notFound(serverID)
	}
	sess, tr := st.session, st.transport
	delete(m.pushes, pushKey(serverID, requestKey(requestID)))
	m.mu.Unlock()
	if sess == nil || tr == nil {
		return fmt.Errorf("mcpmgr: respond to %q: %w", serverID, ErrNotConnected)
	}
	payload, err := encodeResponse(requestID, result, rpcErr)
	if err != nil {
		return fmt.Errorf("mcpmgr: encode response: %w", err)
	}
	m.logRPC(serverID, RPCDirectionSend, payload)
	return tr.send(ctx, payload, "", "")
}
