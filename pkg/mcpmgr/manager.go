package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// maxListPages bounds cursor pagination during discovery.
const maxListPages = 100

// Manager orchestrates sessions against multiple MCP servers reached
// through the transport proxy.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger
	rpcLog  RPCLogger

	states map[string]*managedState
	order  []string
	active string

	samplingHandler      SamplingHandler
	elicitationHandler   ElicitationHandler
	notificationHandlers []NotificationHandlerFunc
	rawNotifications     map[string]map[NotificationSchema][]NotificationHandlerFunc
	errorHandlers        []func(string, error)
	statusHandlers       []func(ServerRecord)
	// serverRemovedHandlers are invoked after a server is removed via RemoveServer.
	serverRemovedHandlers []func(string)

	pushes map[string]*PendingServerRequest

	saveMu   sync.Mutex
	saveSeq  uint64
	savedSeq uint64

	reconnectAttempted map[string]struct{}
	reconnectWG        sync.WaitGroup
	closing            chan struct{}
	closeOnce          sync.Once
}

type managedState struct {
	record    ServerRecord
	session   *session
	transport transport
}

// NewManager constructs a Manager. Callers can provide nil options to fall
// back to defaults; ProxyURL defaults to the empty string, which makes
// proxy paths relative and is only useful with a custom HTTPClient.
func NewManager(opts *ManagerOptions) *Manager {
	options := opts.normalized()
	return &Manager{
		options:            options,
		logger:             options.Logger,
		rpcLog:             options.rpcLogger(),
		states:             make(map[string]*managedState),
		rawNotifications:   make(map[string]map[NotificationSchema][]NotificationHandlerFunc),
		pushes:             make(map[string]*PendingServerRequest),
		reconnectAttempted: make(map[string]struct{}),
		closing:            make(chan struct{}),
	}
}

// AddServer registers a disconnected server and returns its id. The first
// server added becomes the active server. No network traffic happens.
func (m *Manager) AddServer(serverURL string, opts *AddServerOptions) (string, error) {
	if opts == nil {
		opts = &AddServerOptions{}
	}
	u, err := validateServerURL(serverURL)
	if err != nil {
		return "", err
	}
	kind := opts.Transport
	if kind == "" {
		kind = DetectTransport(serverURL)
	} else if !kind.Valid() {
		return "", fmt.Errorf("mcpmgr: unknown transport %q", kind)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	record := ServerRecord{
		ID:          id,
		URL:         u.String(),
		Name:        displayName(opts.Name, u),
		Status:      StatusDisconnected,
		Transport:   kind,
		Credentials: opts.Credentials.clone(),
		Headers:     SanitizeHeaders(opts.Headers),
	}

	m.mu.Lock()
	if _, exists := m.states[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("mcpmgr: server %q already exists", id)
	}
	m.addLocked(record)
	m.mu.Unlock()

	m.logger.Info("server added", "server", id, "url", record.URL, "transport", kind)
	m.publishCounts()
	m.persist()
	return id, nil
}

func (m *Manager) addLocked(record ServerRecord) {
	m.states[record.ID] = &managedState{record: record}
	m.order = append(m.order, record.ID)
	if m.active == "" && len(m.order) == 1 {
		m.active = record.ID
	}
}

// UpdateServer applies patch to a server. The transport stays fixed and a
// live session keeps the credentials it was opened with.
func (m *Manager) UpdateServer(serverID string, patch ServerPatch) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return notFound(serverID)
	}
	if patch.Name != nil {
		st.record.Name = *patch.Name
	}
	if patch.ClearCredentials {
		st.record.Credentials = nil
	}
	if patch.Credentials != nil {
		st.record.Credentials = patch.Credentials.clone()
	}
	if patch.Headers != nil {
		st.record.Headers = SanitizeHeaders(patch.Headers)
	}
	snapshot := st.record.clone()
	m.mu.Unlock()
	m.notifyStatus(snapshot)
	m.persist()
	return nil
}

// ConnectServer runs the connect sequence: open the transport, initialize,
// discover primitives for the advertised capabilities, and mark the server
// connected. creds, when non-nil, replace the stored credentials first. On
// failure the server ends in StatusError and the error is returned.
func (m *Manager) ConnectServer(ctx context.Context, serverID string, creds *Credentials) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return notFound(serverID)
	}
	if st.record.Status.live() {
		m.mu.Unlock()
		return fmt.Errorf("mcpmgr: connect %q: %w", serverID, ErrAlreadyConnected)
	}
	if creds != nil {
		st.record.Credentials = creds.clone()
	}
	st.record.Status = StatusConnecting
	st.record.Error = ""
	st.record.resetSession()
	sess := newSession(serverID, &st.record)
	tr := m.newTransport(sess)
	st.session, st.transport = sess, tr
	snapshot := st.record.clone()
	m.mu.Unlock()

	m.logger.Info("connecting server", "server", serverID, "transport", sess.transport)
	m.notifyStatus(snapshot)
	m.publishCounts()

	if err := m.handshake(ctx, sess, tr); err != nil {
		m.failConnect(sess, err)
		return err
	}
	return nil
}

func (m *Manager) newTransport(sess *session) transport {
	if sess.transport == TransportSSE {
		return &sseTransport{
			client:          decorateHTTPClient(m.options.HTTPClient, sess, false),
			proxy:           m.options.ProxyURL,
			sess:            sess,
			endpointTimeout: m.options.EndpointTimeout,
			dispatch:        func(data []byte) { m.route(sess, data) },
			onStreamEnd:     func(err error) { m.handleStreamEnd(sess, err) },
			logger:          m.logger,
		}
	}
	return &streamableTransport{
		client:   decorateHTTPClient(m.options.HTTPClient, sess, true),
		proxy:    m.options.ProxyURL,
		sess:     sess,
		dispatch: func(data []byte) { m.route(sess, data) },
		logger:   m.logger,
	}
}

type initializeParams struct {
	ProtocolVersion string                    `json:"protocolVersion"`
	Capabilities    map[string]map[string]any `json:"capabilities"`
	ClientInfo      *mcp.Implementation       `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      *ServerInfo                `json:"serverInfo"`
}

func (m *Manager) handshake(ctx context.Context, sess *session, tr transport) error {
	if err := tr.open(ctx); err != nil {
		return err
	}
	if !m.transition(sess, StatusAuthenticating) {
		return ErrDisconnected
	}

	params := initializeParams{
		ProtocolVersion: m.options.ProtocolVersion,
		Capabilities: map[string]map[string]any{
			"tools":       {},
			"resources":   {},
			"prompts":     {},
			"sampling":    {},
			"elicitation": {},
		},
		ClientInfo: &mcp.Implementation{Name: m.options.ClientName, Version: m.options.ClientVersion},
	}
	raw, err := m.request(ctx, sess, tr, "initialize", params)
	if err != nil {
		return err
	}
	var initRes initializeResult
	if err := json.Unmarshal(raw, &initRes); err != nil {
		return fmt.Errorf("mcpmgr: decode initialize result: %w", err)
	}
	caps := parseCapabilities(initRes.Capabilities)
	m.notify(ctx, sess, tr, "notifications/initialized", nil)

	lists := m.discover(ctx, sess, tr, caps)

	m.mu.Lock()
	st, ok := m.states[sess.serverID]
	if !ok || st.session != sess {
		m.mu.Unlock()
		return ErrDisconnected
	}
	st.record.Status = StatusConnected
	st.record.Error = ""
	st.record.WasConnected = true
	st.record.Capabilities = caps
	st.record.ServerInfo = initRes.ServerInfo
	if st.record.ServerInfo == nil {
		st.record.ServerInfo = &ServerInfo{}
	}
	st.record.Tools = lists.tools
	st.record.Resources = lists.resources
	st.record.Prompts = lists.prompts
	if m.active == "" {
		m.active = sess.serverID
	}
	snapshot := st.record.clone()
	m.mu.Unlock()

	m.logger.Info("server connected", "server", sess.serverID,
		"tools", len(lists.tools), "resources", len(lists.resources), "prompts", len(lists.prompts))
	m.notifyStatus(snapshot)
	m.publishCounts()
	m.persist()
	return nil
}

func parseCapabilities(raw map[string]json.RawMessage) Capabilities {
	var caps Capabilities
	for _, entry := range capabilityKeys {
		value, ok := raw[entry.key]
		if !ok || string(value) == "null" {
			continue
		}
		caps |= entry.bit
	}
	return caps
}

// transition moves a still-current session to status.
func (m *Manager) transition(sess *session, status ConnectionStatus) bool {
	m.mu.Lock()
	st, ok := m.states[sess.serverID]
	if !ok || st.session != sess {
		m.mu.Unlock()
		return false
	}
	st.record.Status = status
	snapshot := st.record.clone()
	m.mu.Unlock()
	m.notifyStatus(snapshot)
	m.publishCounts()
	return true
}

type primitiveLists struct {
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt
}

// discover lists the primitives for every advertised capability
// concurrently. A failing list degrades to an empty one.
func (m *Manager) discover(ctx context.Context, sess *session, tr transport, caps Capabilities) primitiveLists {
	var lists primitiveLists
	var g errgroup.Group
	if caps.Has(CapTools) {
		g.Go(func() error {
			lists.tools = m.listTools(ctx, sess, tr)
			return nil
		})
	}
	if caps.Has(CapResources) {
		g.Go(func() error {
			lists.resources = m.listResources(ctx, sess, tr)
			return nil
		})
	}
	if caps.Has(CapPrompts) {
		g.Go(func() error {
			lists.prompts = m.listPrompts(ctx, sess, tr)
			return nil
		})
	}
	_ = g.Wait()
	return lists
}

type pageParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// listAll follows nextCursor and appends every page via collect.
func (m *Manager) listAll(ctx context.Context, sess *session, tr transport, method string, collect func(json.RawMessage) (string, error)) error {
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = pageParams{Cursor: cursor}
		}
		raw, err := m.request(ctx, sess, tr, method, params)
		if err != nil {
			return err
		}
		next, err := collect(raw)
		if err != nil {
			return fmt.Errorf("mcpmgr: decode %s result: %w", method, err)
		}
		if next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
	return nil
}

func (m *Manager) listTools(ctx context.Context, sess *session, tr transport) []*mcp.Tool {
	var tools []*mcp.Tool
	err := m.listAll(ctx, sess, tr, "tools/list", func(raw json.RawMessage) (string, error) {
		var res struct {
			Tools      []*mcp.Tool `json:"tools"`
			NextCursor string      `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", err
		}
		tools = append(tools, res.Tools...)
		return res.NextCursor, nil
	})
	if err != nil {
		m.logger.Warn("tools/list failed; treating as empty", "server", sess.serverID, "error", err)
		return nil
	}
	return tools
}

func (m *Manager) listResources(ctx context.Context, sess *session, tr transport) []*mcp.Resource {
	var resources []*mcp.Resource
	err := m.listAll(ctx, sess, tr, "resources/list", func(raw json.RawMessage) (string, error) {
		var res struct {
			Resources  []*mcp.Resource `json:"resources"`
			NextCursor string          `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", err
		}
		resources = append(resources, res.Resources...)
		return res.NextCursor, nil
	})
	if err != nil {
		m.logger.Warn("resources/list failed; treating as empty", "server", sess.serverID, "error", err)
		return nil
	}
	return resources
}

func (m *Manager) listPrompts(ctx context.Context, sess *session, tr transport) []*mcp.Prompt {
	var prompts []*mcp.Prompt
	err := m.listAll(ctx, sess, tr, "prompts/list", func(raw json.RawMessage) (string, error) {
		var res struct {
			Prompts    []*mcp.Prompt `json:"prompts"`
			NextCursor string        `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", err
		}
		prompts = append(prompts, res.Prompts...)
		return res.NextCursor, nil
	})
	if err != nil {
		m.logger.Warn("prompts/list failed; treating as empty", "server", sess.serverID, "error", err)
		return nil
	}
	return prompts
}

// refreshLater re-lists one primitive after a list_changed notification.
func (m *Manager) refreshLater(sess *session, capability Capabilities) {
	m.mu.RLock()
	st, ok := m.states[sess.serverID]
	current := ok && st.session == sess && st.record.Status == StatusConnected && st.record.Capabilities.Has(capability)
	tr := m.transportFor(sess)
	m.mu.RUnlock()
	if !current || tr == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(sess.ctx, m.options.RequestTimeout)
		defer cancel()
		var lists primitiveLists
		switch capability {
		case CapTools:
			lists.tools = m.listTools(ctx, sess, tr)
		case CapResources:
			lists.resources = m.listResources(ctx, sess, tr)
		case CapPrompts:
			lists.prompts = m.listPrompts(ctx, sess, tr)
		}
		m.mu.Lock()
		st, ok := m.states[sess.serverID]
		if !ok || st.session != sess || st.record.Status != StatusConnected {
			m.mu.Unlock()
			return
		}
		switch capability {
		case CapTools:
			st.record.Tools = lists.tools
		case CapResources:
			st.record.Resources = lists.resources
		case CapPrompts:
			st.record.Prompts = lists.prompts
		}
		snapshot := st.record.clone()
		m.mu.Unlock()
		m.notifyStatus(snapshot)
	}()
}

// failConnect closes sess with err and records the failure, unless the
// session was already replaced or torn down.
func (m *Manager) failConnect(sess *session, err error) {
	m.mu.Lock()
	sess.close(err)
	st, ok := m.states[sess.serverID]
	if !ok || st.session != sess {
		m.mu.Unlock()
		return
	}
	st.session, st.transport = nil, nil
	st.record.Status = StatusError
	st.record.Error = err.Error()
	st.record.resetSession()
	m.dropPushesLocked(sess.serverID)
	snapshot := st.record.clone()
	m.mu.Unlock()

	m.logger.Warn("connect failed", "server", sess.serverID, "error", err)
	m.notifyStatus(snapshot)
	m.publishCounts()
	m.emitError(sess.serverID, err)
	m.persist()
}

// handleStreamEnd runs when an SSE stream stops without being closed by the
// manager. A connected server moves to StatusError; an in-flight connect
// fails through its own pending requests.
func (m *Manager) handleStreamEnd(sess *session, cause error) {
	m.mu.Lock()
	st, ok := m.states[sess.serverID]
	if !ok || st.session != sess {
		m.mu.Unlock()
		sess.close(ErrConnectionLost)
		return
	}
	sess.close(ErrConnectionLost)
	if st.record.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	st.session, st.transport = nil, nil
	st.record.Status = StatusError
	st.record.Error = ErrConnectionLost.Error()
	st.record.resetSession()
	m.dropPushesLocked(sess.serverID)
	snapshot := st.record.clone()
	m.mu.Unlock()

	m.logger.Warn("connection lost", "server", sess.serverID, "error", cause)
	m.notifyStatus(snapshot)
	m.publishCounts()
	m.emitError(sess.serverID, fmt.Errorf("%w: %v", ErrConnectionLost, cause))
}

// DisconnectServer tears down the session. Pending requests are rejected
// with ErrDisconnected before the session is dropped. When the server was
// active, the next connected server becomes active.
func (m *Manager) DisconnectServer(serverID string) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return notFound(serverID)
	}
	m.teardownLocked(st)
	st.record.WasConnected = false
	if m.active == serverID {
		m.active = m.nextActiveLocked(serverID)
	}
	snapshot := st.record.clone()
	m.mu.Unlock()

	m.logger.Info("server disconnected", "server", serverID)
	m.notifyStatus(snapshot)
	m.publishCounts()
	m.persist()
	return nil
}

func (m *Manager) teardownLocked(st *managedState) {
	if st.session != nil {
		st.session.close(ErrDisconnected)
	}
	st.session, st.transport = nil, nil
	st.record.Status = StatusDisconnected
	st.record.Error = ""
	st.record.resetSession()
	m.dropPushesLocked(st.record.ID)
}

func (m *Manager) nextActiveLocked(exclude string) string {
	for _, id := range m.order {
		if id == exclude {
			continue
		}
		if m.states[id].record.Status == StatusConnected {
			return id
		}
	}
	return ""
}

func (m *Manager) dropPushesLocked(serverID string) {
	for key, p := range m.pushes {
		if p.ServerID() == serverID {
			delete(m.pushes, key)
		}
	}
}

// RemoveServer disconnects and deletes a server.
func (m *Manager) RemoveServer(serverID string) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return notFound(serverID)
	}
	m.teardownLocked(st)
	delete(m.states, serverID)
	delete(m.rawNotifications, serverID)
	delete(m.reconnectAttempted, serverID)
	for i, id := range m.order {
		if id == serverID {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == serverID {
		m.active = ""
	}
	handlers := append([]func(string){}, m.serverRemovedHandlers...)
	m.mu.Unlock()

	m.logger.Info("server removed", "server", serverID)
	for _, h := range handlers {
		m.safeCall(func() { h(serverID) })
	}
	m.publishCounts()
	m.persist()
	return nil
}

// OnServerRemoved registers a callback invoked after RemoveServer deletes the
// server from the manager. Handlers run without the manager lock held.
func (m *Manager) OnServerRemoved(handler func(string)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.serverRemovedHandlers = append(m.serverRemovedHandlers, handler)
	m.mu.Unlock()
}

// OnError registers a callback for connect failures and lost connections.
func (m *Manager) OnError(handler func(serverID string, err error)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.errorHandlers = append(m.errorHandlers, handler)
	m.mu.Unlock()
}

// OnStatusChange registers a callback receiving a snapshot whenever a
// server record changes.
func (m *Manager) OnStatusChange(handler func(ServerRecord)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.statusHandlers = append(m.statusHandlers, handler)
	m.mu.Unlock()
}

func (m *Manager) emitError(serverID string, err error) {
	m.mu.RLock()
	handlers := append([]func(string, error){}, m.errorHandlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		m.safeCall(func() { h(serverID, err) })
	}
}

func (m *Manager) notifyStatus(record ServerRecord) {
	m.mu.RLock()
	handlers := append([]func(ServerRecord){}, m.statusHandlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		m.safeCall(func() { h(record.clone()) })
	}
}

func (m *Manager) publishCounts() {
	if m.options.Metrics == nil {
		return
	}
	counts := make(map[ConnectionStatus]int)
	m.mu.RLock()
	for _, st := range m.states {
		counts[st.record.Status]++
	}
	m.mu.RUnlock()
	m.options.Metrics.setServerCounts(counts)
}

// SendRequest issues a JSON-RPC request to a server and waits for its
// result. Protocol errors are returned as *RPCError.
func (m *Manager) SendRequest(ctx context.Context, serverID, method string, params any) (json.RawMessage, error) {
	sess, tr, err := m.sessionFor(serverID)
	if err != nil {
		return nil, err
	}
	return m.request(ctx, sess, tr, method, params)
}

// SendNotification posts a notification without waiting for anything.
// Delivery failures are logged, never returned.
func (m *Manager) SendNotification(ctx context.Context, serverID, method string, params any) error {
	sess, tr, err := m.sessionFor(serverID)
	if err != nil {
		return err
	}
	m.notify(ctx, sess, tr, method, params)
	return nil
}

func (m *Manager) sessionFor(serverID string) (*session, transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok {
		return nil, nil, notFound(serverID)
	}
	if st.session == nil || st.transport == nil {
		return nil, nil, fmt.Errorf("mcpmgr: server %q: %w", serverID, ErrNotConnected)
	}
	return st.session, st.transport, nil
}

func (m *Manager) transportFor(sess *session) transport {
	st, ok := m.states[sess.serverID]
	if !ok || st.session != sess {
		return nil
	}
	return st.transport
}

// request is the correlator: it registers a pending entry, sends the
// envelope and waits for the entry to resolve.
func (m *Manager) request(ctx context.Context, sess *session, tr transport, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	payload, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: encode %s: %w", method, err)
	}
	pending, err := sess.register(id, method, m.options.RequestTimeout)
	if err != nil {
		return nil, err
	}
	start := pending.created
	m.logRPC(sess.serverID, RPCDirectionSend, payload)
	// The send may hold a response stream open, so it runs beside the wait
	// and is cancelled once the entry resolves.
	sendCtx, cancelSend := context.WithCancel(ctx)
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		if err := tr.send(sendCtx, payload, id, method); err != nil {
			sess.fail(id, err)
		}
	}()
	defer func() {
		cancelSend()
		<-sent
	}()

	var out rpcOutcome
	select {
	case out = <-pending.result:
	case <-ctx.Done():
		if sess.take(id) != nil {
			out = rpcOutcome{err: ctx.Err()}
		} else {
			out = <-pending.result
		}
	}
	m.options.Metrics.observeRequest(method, start, out.err)
	return out.result, out.err
}

func (m *Manager) notify(ctx context.Context, sess *session, tr transport, method string, params any) {
	payload, err := encodeNotification(method, params)
	if err != nil {
		m.logger.Warn("encode notification", "server", sess.serverID, "method", method, "error", err)
		return
	}
	m.logRPC(sess.serverID, RPCDirectionSend, payload)
	if err := tr.send(ctx, payload, "", method); err != nil {
		m.logger.Warn("notification delivery failed", "server", sess.serverID, "method", method, "error", err)
	}
}

func (m *Manager) logRPC(serverID string, direction RPCDirection, payload []byte) {
	if m.rpcLog == nil {
		return
	}
	m.rpcLog(RPCLogEvent{Direction: direction, Message: append([]byte(nil), payload...), ServerID: serverID})
}

// CallTool invokes a tool on the active server.
func (m *Manager) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	id, err := m.requireActive()
	if err != nil {
		return nil, err
	}
	return m.CallToolOnServer(ctx, id, name, args)
}

// CallToolOnServer invokes a tool on the given server.
func (m *Manager) CallToolOnServer(ctx context.Context, serverID, name string, args any) (*mcp.CallToolResult, error) {
	if name == "" {
		return nil, fmt.Errorf("mcpmgr: tool name is required for %q", serverID)
	}
	if args == nil {
		args = map[string]any{}
	}
	var res mcp.CallToolResult
	if err := m.call(ctx, serverID, "tools/call", &mcp.CallToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadResource reads a resource from the active server.
func (m *Manager) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	id, err := m.requireActive()
	if err != nil {
		return nil, err
	}
	return m.ReadResourceOnServer(ctx, id, uri)
}

// ReadResourceOnServer reads a resource from the given server.
func (m *Manager) ReadResourceOnServer(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := m.call(ctx, serverID, "resources/read", &mcp.ReadResourceParams{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrompt fetches a prompt from the active server.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	id, err := m.requireActive()
	if err != nil {
		return nil, err
	}
	return m.GetPromptOnServer(ctx, id, name, args)
}

// GetPromptOnServer fetches a prompt from the given server.
func (m *Manager) GetPromptOnServer(ctx context.Context, serverID, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	var res mcp.GetPromptResult
	if err := m.call(ctx, serverID, "prompts/get", &mcp.GetPromptParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (m *Manager) call(ctx context.Context, serverID, method string, params, out any) error {
	raw, err := m.SendRequest(ctx, serverID, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mcpmgr: decode %s result: %w", method, err)
	}
	return nil
}

func (m *Manager) requireActive() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return "", fmt.Errorf("mcpmgr: %w", ErrNoActiveServer)
	}
	return m.active, nil
}

// ActiveServer returns the active server id, or "" when none is active.
func (m *Manager) ActiveServer() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActiveServer makes serverID the target of CallTool, ReadResource and
// GetPrompt.
func (m *Manager) SetActiveServer(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[serverID]; !ok {
		return notFound(serverID)
	}
	m.active = serverID
	return nil
}

// ListServers returns known server identifiers in insertion order.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// HasServer reports whether a server ID is known.
func (m *Manager) HasServer(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[serverID]
	return ok
}

// Server returns a snapshot of one server.
func (m *Manager) Server(serverID string) (ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok {
		return ServerRecord{}, notFound(serverID)
	}
	return st.record.clone(), nil
}

// Servers returns snapshots of every server in insertion order.
func (m *Manager) Servers() []ServerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.states[id].record.clone())
	}
	return out
}

// GetSessionID returns the session id negotiated with a connected server.
func (m *Manager) GetSessionID(serverID string) (string, error) {
	sess, _, err := m.sessionFor(serverID)
	if err != nil {
		return "", err
	}
	id := sess.SessionID()
	if id == "" {
		return "", fmt.Errorf("mcpmgr: session ID unavailable for %q", serverID)
	}
	return id, nil
}

// GetAllTools flattens the tools of every connected server.
func (m *Manager) GetAllTools() []ServerTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ServerTool
	for _, id := range m.order {
		rec := &m.states[id].record
		if rec.Status != StatusConnected {
			continue
		}
		for _, tool := range rec.Tools {
			out = append(out, ServerTool{ServerID: id, ServerName: rec.Name, Tool: tool})
		}
	}
	return out
}

// GetAllResources flattens the resources of every connected server.
func (m *Manager) GetAllResources() []ServerResource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ServerResource
	for _, id := range m.order {
		rec := &m.states[id].record
		if rec.Status != StatusConnected {
			continue
		}
		for _, res := range rec.Resources {
			out = append(out, ServerResource{ServerID: id, ServerName: rec.Name, Resource: res})
		}
	}
	return out
}

// GetAllPrompts flattens the prompts of every connected server.
func (m *Manager) GetAllPrompts() []ServerPrompt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ServerPrompt
	for _, id := range m.order {
		rec := &m.states[id].record
		if rec.Status != StatusConnected {
			continue
		}
		for _, prompt := range rec.Prompts {
			out = append(out, ServerPrompt{ServerID: id, ServerName: rec.Name, Prompt: prompt})
		}
	}
	return out
}

func (m *Manager) serverName(serverID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.record.Name
	}
	return ""
}

// Close tears down every session and stops pending auto-reconnects. The
// persisted list is left as it was so the next Restore reconnects the same
// servers.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.closing) })

	done := make(chan struct{})
	go func() {
		m.reconnectWG.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	m.mu.Lock()
	for _, st := range m.states {
		m.teardownLocked(st)
	}
	m.mu.Unlock()
	m.publishCounts()
	return waitErr
}

func sortPending(reqs []PendingServerRequest) {
	received := func(p PendingServerRequest) time.Time {
		if p.Sampling != nil {
			return p.Sampling.ReceivedAt
		}
		if p.Elicitation != nil {
			return p.Elicitation.ReceivedAt
		}
		return time.Time{}
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		return received(reqs[i]).Before(received(reqs[j]))
	})
}
