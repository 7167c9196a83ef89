package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func pendingOn(m *Manager, serverID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.session == nil {
		return 0
	}
	return st.session.pendingCount()
}

func TestAddServerDefaultsAndActive(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil)
	first, err := manager.AddServer("https://x.test/sse", nil)
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	second, err := manager.AddServer("https://y.test/mcp", &AddServerOptions{ID: "y", Name: "Y"})
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if second != "y" {
		t.Fatalf("explicit id ignored: %q", second)
	}

	rec, err := manager.Server(first)
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	if rec.Transport != TransportSSE || rec.Status != StatusDisconnected || rec.Name != "x.test" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec, _ := manager.Server("y"); rec.Transport != TransportStreamable {
		t.Fatalf("y transport = %q", rec.Transport)
	}
	if got := manager.ActiveServer(); got != first {
		t.Fatalf("active = %q, want first server %q", got, first)
	}
	if diff := cmp.Diff([]string{first, "y"}, manager.ListServers()); diff != "" {
		t.Fatalf("ListServers mismatch (-want +got):\n%s", diff)
	}

	if _, err := manager.AddServer("https://z.test", &AddServerOptions{ID: "y"}); err == nil {
		t.Fatalf("duplicate id accepted")
	}
	if _, err := manager.AddServer("ftp://z.test", nil); err == nil {
		t.Fatalf("non-http url accepted")
	}
	if _, err := manager.AddServer("https://z.test", &AddServerOptions{Transport: "carrier-pigeon"}); err == nil {
		t.Fatalf("unknown transport accepted")
	}
}

func TestUnknownServerOperationsReturnNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manager := NewManager(nil)
	name := "n"
	checks := map[string]error{
		"ConnectServer":        manager.ConnectServer(ctx, "missing", nil),
		"DisconnectServer":     manager.DisconnectServer("missing"),
		"RemoveServer":         manager.RemoveServer("missing"),
		"SetActiveServer":      manager.SetActiveServer("missing"),
		"UpdateServer":         manager.UpdateServer("missing", ServerPatch{Name: &name}),
		"SendNotification":     manager.SendNotification(ctx, "missing", "x", nil),
		"RespondToElicitation": manager.RespondToElicitationRequest(ctx, "missing", mustRequestID(t, 1), &mcp.ElicitResult{Action: "decline"}, nil),
	}
	_, err := manager.SendRequest(ctx, "missing", "ping", nil)
	checks["SendRequest"] = err
	_, err = manager.CallToolOnServer(ctx, "missing", "echo", nil)
	checks["CallToolOnServer"] = err
	_, err = manager.ReadResourceOnServer(ctx, "missing", "file:///a")
	checks["ReadResourceOnServer"] = err
	_, err = manager.GetPromptOnServer(ctx, "missing", "p", nil)
	checks["GetPromptOnServer"] = err
	_, err = manager.Server("missing")
	checks["Server"] = err
	_, err = manager.GetSessionID("missing")
	checks["GetSessionID"] = err

	for op, err := range checks {
		if !errors.Is(err, ErrServerNotFound) {
			t.Errorf("%s err = %v, want ErrServerNotFound", op, err)
		}
	}

	if _, err := manager.CallTool(ctx, "echo", nil); !errors.Is(err, ErrNoActiveServer) {
		t.Fatalf("CallTool without servers err = %v", err)
	}
}

func mustRequestID(t *testing.T, n int) jsonrpc.ID {
	t.Helper()
	msg, err := classify([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"x"}`, n)))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	return msg.(inboundRequest).id
}

func TestConnectSSEDiscoversAdvertisedCapabilities(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.caps = []string{"tools", "resources"}
	fake.tools = []*mcp.Tool{{Name: "echo", Description: "Echo input"}}
	fake.resources = []*mcp.Resource{{URI: "file:///readme", Name: "readme"}}
	srv := fake.start(t)

	var statuses []ConnectionStatus
	var statusMu sync.Mutex
	manager := newTestManager(t, srv, nil)
	manager.OnStatusChange(func(rec ServerRecord) {
		statusMu.Lock()
		statuses = append(statuses, rec.Status)
		statusMu.Unlock()
	})

	id, err := manager.AddServer("https://x.test/sse", &AddServerOptions{
		Credentials: &Credentials{AccessToken: "tok", TokenType: "bearer"},
		Headers:     map[string]string{"x-api-key": "k"},
	})
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	rec, err := manager.Server(id)
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	if rec.Status != StatusConnected || !rec.WasConnected {
		t.Fatalf("record after connect: %+v", rec)
	}
	if rec.ServerInfo == nil || rec.ServerInfo.Name != "fake" || rec.ServerInfo.Version != "1.2.3" {
		t.Fatalf("server info = %+v", rec.ServerInfo)
	}
	if diff := cmp.Diff([]string{"tools", "resources"}, rec.Capabilities.Keys()); diff != "" {
		t.Fatalf("capabilities mismatch (-want +got):\n%s", diff)
	}
	if len(rec.Tools) != 1 || rec.Tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", rec.Tools)
	}
	if len(rec.Resources) != 1 || rec.Resources[0].URI != "file:///readme" {
		t.Fatalf("resources = %+v", rec.Resources)
	}
	if containsMethod(fake.methods(), "prompts/list") {
		t.Fatalf("prompts/list issued without the prompts capability: %v", fake.methods())
	}
	if len(manager.GetAllPrompts()) != 0 {
		t.Fatalf("prompts reported for a server without the capability")
	}
	if got := manager.GetAllTools(); len(got) != 1 || got[0].ServerID != id || got[0].ServerName != "x.test" {
		t.Fatalf("GetAllTools = %+v", got)
	}

	sid, err := manager.GetSessionID(id)
	if err != nil || sid != "abc123" {
		t.Fatalf("GetSessionID = %q, %v", sid, err)
	}

	initCalls := fake.callsFor("initialize")
	if len(initCalls) != 1 {
		t.Fatalf("initialize sent %d times", len(initCalls))
	}
	if got := initCalls[0].Header.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("Authorization = %q", got)
	}
	if got := initCalls[0].Header.Get(HeaderServerURL); got != "https://x.test/sse/abc123/message" {
		t.Fatalf("message endpoint header = %q", got)
	}
	if got := initCalls[0].Header.Get(HeaderCustomHeaders); got != `{"X-Api-Key":"k"}` {
		t.Fatalf("custom headers = %q", got)
	}
	var params initializeParams
	if err := json.Unmarshal(initCalls[0].Message.Params, &params); err != nil {
		t.Fatalf("decode initialize params: %v", err)
	}
	if params.ProtocolVersion != DefaultProtocolVersion {
		t.Fatalf("protocol version = %q", params.ProtocolVersion)
	}
	for _, key := range []string{"tools", "resources", "prompts", "sampling", "elicitation"} {
		if _, ok := params.Capabilities[key]; !ok {
			t.Fatalf("client capability %q missing", key)
		}
	}
	if len(fake.callsFor("notifications/initialized")) != 1 {
		t.Fatalf("notifications/initialized not sent: %v", fake.methods())
	}

	statusMu.Lock()
	seen := append([]ConnectionStatus(nil), statuses...)
	statusMu.Unlock()
	want := []ConnectionStatus{StatusConnecting, StatusAuthenticating, StatusConnected}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("status sequence mismatch (-want +got):\n%s", diff)
	}

	if err := manager.ConnectServer(t.Context(), id, nil); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect err = %v", err)
	}
}

func TestCallWrappersOverSSE(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.caps = []string{"tools", "resources", "prompts"}
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	id, err := manager.AddServer("https://x.test/sse", nil)
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	res, err := manager.CallTool(t.Context(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "echo:echo" {
		t.Fatalf("tool content = %#v", res.Content)
	}

	read, err := manager.ReadResource(t.Context(), "file:///readme")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "hello" {
		t.Fatalf("resource contents = %+v", read.Contents)
	}

	prompt, err := manager.GetPrompt(t.Context(), "greet", map[string]string{"who": "me"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(prompt.Messages) != 1 {
		t.Fatalf("prompt messages = %+v", prompt.Messages)
	}

	calls := fake.callsFor("tools/call")
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(calls[0].Message.Params, &params); err != nil {
		t.Fatalf("decode tools/call params: %v", err)
	}
	if params.Name != "echo" || params.Arguments["text"] != "hi" {
		t.Fatalf("tools/call params = %+v", params)
	}
}

func TestProtocolErrorSurfacesCodeAndMessage(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.failMethods["tools/call"] = true
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	id, _ := manager.AddServer("https://y.test/mcp", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	_, err := manager.CallToolOnServer(t.Context(), id, "explode", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("CallToolOnServer err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32001 || err.Error() != "boom (code: -32001)" {
		t.Fatalf("rpc error = %v", err)
	}
}

func TestStreamableSessionIDLastValueWins(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.sessionIDs["initialize"] = "s1"
	fake.sessionIDs["tools/list"] = "s2"
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	id, _ := manager.AddServer("https://y.test/mcp", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	sid, err := manager.GetSessionID(id)
	if err != nil || sid != "s2" {
		t.Fatalf("GetSessionID = %q, %v", sid, err)
	}
	if got := fake.callsFor("tools/list")[0].Header.Get(HeaderSessionID); got != "s1" {
		t.Fatalf("tools/list carried session %q", got)
	}
	if got := fake.callsFor("initialize")[0].Header.Get(HeaderSessionID); got != "" {
		t.Fatalf("initialize carried session %q", got)
	}

	if _, err := manager.CallToolOnServer(t.Context(), id, "echo", nil); err != nil {
		t.Fatalf("CallToolOnServer: %v", err)
	}
	call := fake.callsFor("tools/call")[0]
	if got := call.Header.Get(HeaderSessionID); got != "s2" {
		t.Fatalf("tools/call carried session %q", got)
	}
	if got := call.Header.Get(HeaderServerURL); got != "https://y.test/mcp" {
		t.Fatalf("streamable target = %q", got)
	}
}

func TestDiscoveryPartialFailureStillConnects(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.caps = []string{"tools", "resources"}
	fake.tools = []*mcp.Tool{{Name: "a"}, {Name: "b"}}
	fake.failMethods["resources/list"] = true
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	id, _ := manager.AddServer("https://y.test/mcp", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	rec, _ := manager.Server(id)
	if rec.Status != StatusConnected {
		t.Fatalf("status = %q", rec.Status)
	}
	if len(rec.Tools) != 2 || len(rec.Resources) != 0 {
		t.Fatalf("tools=%d resources=%d", len(rec.Tools), len(rec.Resources))
	}
}

func TestStreamableEventStreamDispatchesInterleavedMessages(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.streamPrelude = []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"working"}}`)
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	got := make(chan NotificationPayload, 1)
	manager.OnNotification(func(_ context.Context, n NotificationPayload) { got <- n })

	id, _ := manager.AddServer("https://y.test/mcp", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	res, err := manager.CallToolOnServer(t.Context(), id, "echo", nil)
	if err != nil {
		t.Fatalf("CallToolOnServer: %v", err)
	}
	if text := res.Content[0].(*mcp.TextContent).Text; text != "echo:echo" {
		t.Fatalf("tool text = %q", text)
	}
	select {
	case n := <-got:
		if n.ServerID != id || n.Method != NotificationSchemaLogging {
			t.Fatalf("notification = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("interleaved notification not dispatched")
	}
}

func TestStreamEndedWithoutResponse(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.silentMethods["slow/method"] = true
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)
	id, _ := manager.AddServer("https://y.test/mcp", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	_, err := manager.SendRequest(t.Context(), id, "slow/method", nil)
	if err == nil || !strings.Contains(err.Error(), "stream ended without response for slow/method") {
		t.Fatalf("SendRequest err = %v", err)
	}
	if pendingOn(manager, id) != 0 {
		t.Fatalf("failed request left pending")
	}
}

func TestDisconnectRejectsPendingRequests(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.silentMethods["slow/method"] = true
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	first, _ := manager.AddServer("https://x.test/sse", nil)
	second, _ := manager.AddServer("https://x2.test/sse", nil)
	for _, id := range []string{first, second} {
		if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
			t.Fatalf("ConnectServer(%s): %v", id, err)
		}
	}

	const n = 3
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := manager.SendRequest(t.Context(), first, "slow/method", nil)
			errs <- err
		}()
	}
	waitFor(t, 2*time.Second, func() bool { return pendingOn(manager, first) == n })

	if err := manager.DisconnectServer(first); err != nil {
		t.Fatalf("DisconnectServer: %v", err)
	}
	for range n {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrDisconnected) || err.Error() != "Disconnected" {
				t.Fatalf("pending err = %v, want Disconnected", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pending request never rejected")
		}
	}

	rec, _ := manager.Server(first)
	if rec.Status != StatusDisconnected || rec.WasConnected {
		t.Fatalf("record after disconnect = %+v", rec)
	}
	if _, err := manager.GetSessionID(first); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("GetSessionID after disconnect err = %v", err)
	}
	if got := manager.ActiveServer(); got != second {
		t.Fatalf("active after disconnect = %q, want %q", got, second)
	}
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.silentMethods["slow/method"] = true
	srv := fake.start(t)
	manager := newTestManager(t, srv, &ManagerOptions{RequestTimeout: 100 * time.Millisecond})

	id, _ := manager.AddServer("https://x.test/sse", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	start := time.Now()
	_, err := manager.SendRequest(t.Context(), id, "slow/method", nil)
	elapsed := time.Since(start)
	if err == nil || err.Error() != "Request timeout: slow/method" {
		t.Fatalf("SendRequest err = %v", err)
	}
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("timeout err does not wrap ErrRequestTimeout")
	}
	if elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("timed out after %s", elapsed)
	}
	if pendingOn(manager, id) != 0 {
		t.Fatalf("timed out request still pending")
	}
}

func TestStreamableRequestTimeoutReleasesHeldStream(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.holdMethods["slow/method"] = true
	srv := fake.start(t)
	manager := newTestManager(t, srv, &ManagerOptions{RequestTimeout: 200 * time.Millisecond})

	id, _ := manager.AddServer("https://x.test/mcp", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	start := time.Now()
	_, err := manager.SendRequest(t.Context(), id, "slow/method", nil)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("SendRequest err = %v, want request timeout", err)
	}
	if elapsed < 200*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("timed out after %s", elapsed)
	}
	if pendingOn(manager, id) != 0 {
		t.Fatalf("timed out request still pending")
	}
	if rec, _ := manager.Server(id); rec.Status != StatusConnected {
		t.Fatalf("status after timeout = %s", rec.Status)
	}
}

func TestEndpointTimeoutFailsConnect(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.endpoint = ""
	srv := fake.start(t)
	manager := newTestManager(t, srv, &ManagerOptions{EndpointTimeout: 50 * time.Millisecond})

	var reported atomic.Int32
	manager.OnError(func(string, error) { reported.Add(1) })

	id, _ := manager.AddServer("https://x.test/sse", nil)
	err := manager.ConnectServer(t.Context(), id, nil)
	if !errors.Is(err, ErrEndpointTimeout) {
		t.Fatalf("ConnectServer err = %v", err)
	}
	rec, _ := manager.Server(id)
	if rec.Status != StatusError || rec.Error != "Timeout waiting for session endpoint" {
		t.Fatalf("record after failed connect = %+v", rec)
	}
	if reported.Load() != 1 {
		t.Fatalf("error handler ran %d times", reported.Load())
	}
	if containsMethod(fake.methods(), "initialize") {
		t.Fatalf("initialize sent without an endpoint")
	}
}

func TestConnectionLostMovesServerToError(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	lost := make(chan error, 1)
	manager.OnError(func(_ string, err error) { lost <- err })

	id, _ := manager.AddServer("https://x.test/sse", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	fake.closeStreams()

	select {
	case err := <-lost:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("reported err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connection loss not reported")
	}
	rec, _ := manager.Server(id)
	if rec.Status != StatusError || rec.Error != "Connection lost" || !rec.WasConnected {
		t.Fatalf("record after loss = %+v", rec)
	}
}

func TestPushKeysKeepNumericAndStringIDsApart(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)
	manager.OnSampling(func(context.Context, *SamplingRequest) {})

	id, _ := manager.AddServer("https://x.test/sse", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	const params = `"method":"sampling/createMessage","params":{"messages":[],"maxTokens":8}}`
	fake.push([]byte(`{"jsonrpc":"2.0","id":1,` + params))
	fake.push([]byte(`{"jsonrpc":"2.0","id":"1",` + params))
	waitFor(t, 2*time.Second, func() bool { return len(manager.PendingServerRequests()) == 2 })

	numeric, ok := manager.PendingServerRequest(id, "1")
	if !ok {
		t.Fatalf("numeric id not pending")
	}
	str, ok := manager.PendingServerRequest(id, "s:1")
	if !ok {
		t.Fatalf("string id not pending")
	}
	if _, isString := str.Sampling.ID.Raw().(string); !isString {
		t.Fatalf("s:1 resolved to id %v", str.Sampling.ID.Raw())
	}

	if err := manager.RespondToSamplingRequest(t.Context(), id, numeric.Sampling.ID, nil, &RPCError{Code: CodeInternalError, Message: "no"}); err != nil {
		t.Fatalf("RespondToSamplingRequest: %v", err)
	}
	if _, ok := manager.PendingServerRequest(id, "s:1"); !ok {
		t.Fatalf("answering id 1 dropped the request with id \"1\"")
	}
	if _, ok := manager.PendingServerRequest(id, "1"); ok {
		t.Fatalf("answered request still pending")
	}
}

func TestSamplingRequestLeavesPendingRequestsAlone(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.silentMethods["slow/method"] = true
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	received := make(chan *SamplingRequest, 1)
	manager.OnSampling(func(_ context.Context, req *SamplingRequest) { received <- req })

	id, _ := manager.AddServer("https://x.test/sse", &AddServerOptions{Name: "Sampler"})
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := manager.SendRequest(t.Context(), id, "slow/method", nil)
		done <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return len(fake.callsFor("slow/method")) == 1 })
	waitFor(t, 2*time.Second, func() bool { return pendingOn(manager, id) == 1 })

	// Reuse the id of the pending request: classification must still route
	// this to the sampling handler.
	pendingID := fake.callsFor("slow/method")[0].Message.ID
	fake.push([]byte(`{"jsonrpc":"2.0","id":` + string(pendingID) + `,"method":"sampling/createMessage","params":{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}],"maxTokens":16}}`))

	var req *SamplingRequest
	select {
	case req = <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("sampling handler not invoked")
	}
	if req.ServerID != id || req.ServerName != "Sampler" || req.Params.MaxTokens != 16 {
		t.Fatalf("sampling request = %+v", req)
	}
	if pendingOn(manager, id) != 1 {
		t.Fatalf("sampling request touched the pending map")
	}
	pending := manager.PendingServerRequests()
	if len(pending) != 1 || pending[0].Kind != PushSampling || pending[0].ServerID() != id {
		t.Fatalf("PendingServerRequests = %+v", pending)
	}

	err := manager.RespondToSamplingRequest(t.Context(), id, req.ID, &mcp.CreateMessageResult{
		Model:   "test-model",
		Role:    "assistant",
		Content: &mcp.TextContent{Text: "ok"},
	}, nil)
	if err != nil {
		t.Fatalf("RespondToSamplingRequest: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(fake.clientResponses()) == 1 })
	resp := fake.clientResponses()[0]
	if string(resp.ID) != string(pendingID) {
		t.Fatalf("response id = %s, want %s", resp.ID, pendingID)
	}
	if !strings.Contains(string(resp.Result), `"test-model"`) {
		t.Fatalf("response result = %s", resp.Result)
	}
	if len(manager.PendingServerRequests()) != 0 {
		t.Fatalf("answered request still listed")
	}

	if err := manager.DisconnectServer(id); err != nil {
		t.Fatalf("DisconnectServer: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("pending request err = %v", err)
	}
}

func TestUnhandledElicitationAnsweredMethodNotFound(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	id, _ := manager.AddServer("https://x.test/sse", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	fake.push([]byte(`{"jsonrpc":"2.0","id":"e1","method":"elicitation/create","params":{"message":"Name?","requestedSchema":{"type":"object"}}}`))

	waitFor(t, 2*time.Second, func() bool { return len(fake.clientResponses()) == 1 })
	var rpcErr RPCError
	if err := json.Unmarshal(fake.clientResponses()[0].Error, &rpcErr); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if rpcErr.Code != CodeMethodNotFound || rpcErr.Message != "Client does not handle elicitation/create" {
		t.Fatalf("error response = %+v", rpcErr)
	}
}

func TestNotificationsNeverRegisterPending(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	id, _ := manager.AddServer("https://x.test/sse", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	if err := manager.SendNotification(t.Context(), id, "notifications/cancelled", map[string]any{"requestId": "x"}); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if pendingOn(manager, id) != 0 {
		t.Fatalf("notification registered a pending entry")
	}
	calls := fake.callsFor("notifications/cancelled")
	if len(calls) != 1 || len(calls[0].Message.ID) != 0 {
		t.Fatalf("notification envelope = %+v", calls)
	}
}

func TestListChangedRefreshesTools(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	fake.tools = []*mcp.Tool{{Name: "a"}}
	srv := fake.start(t)
	manager := newTestManager(t, srv, nil)

	perServer := make(chan NotificationPayload, 1)
	id, _ := manager.AddServer("https://x.test/sse", nil)
	manager.AddNotificationHandler(id, NotificationSchemaToolListChanged, func(_ context.Context, n NotificationPayload) {
		perServer <- n
	})
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	fake.mu.Lock()
	fake.tools = []*mcp.Tool{{Name: "a"}, {Name: "b"}}
	fake.mu.Unlock()
	fake.push([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))

	select {
	case <-perServer:
	case <-time.After(2 * time.Second):
		t.Fatalf("per-server handler not invoked")
	}
	waitFor(t, 2*time.Second, func() bool { return len(manager.GetAllTools()) == 2 })
}

func TestRemoveServerClearsActive(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil)
	id, _ := manager.AddServer("https://x.test/mcp", nil)
	removed := make(chan string, 1)
	manager.OnServerRemoved(func(id string) { removed <- id })

	if err := manager.RemoveServer(id); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if manager.HasServer(id) || manager.ActiveServer() != "" {
		t.Fatalf("server still present or active")
	}
	if got := <-removed; got != id {
		t.Fatalf("removed handler got %q", got)
	}
}

func TestPersistenceAndRestore(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	srv := fake.start(t)
	store := NewMemoryStore(
		PersistedServer{ID: "a", URL: "https://a.test/mcp", Name: "A", WasConnected: true},
		PersistedServer{ID: "b", URL: "https://b.test/mcp", Name: "B"},
		PersistedServer{ID: "", URL: "https://broken.test/mcp"},
	)
	manager := newTestManager(t, srv, &ManagerOptions{Store: store, ReconnectDelay: 10 * time.Millisecond})

	if err := manager.Restore(t.Context()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, manager.ListServers()); diff != "" {
		t.Fatalf("restored servers mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, 2*time.Second, func() bool {
		rec, _ := manager.Server("a")
		return rec.Status == StatusConnected
	})
	if rec, _ := manager.Server("b"); rec.Status != StatusDisconnected {
		t.Fatalf("b status = %q, want disconnected", rec.Status)
	}

	// A second Restore neither duplicates servers nor reconnects again.
	if err := manager.Restore(t.Context()); err != nil {
		t.Fatalf("second Restore: %v", err)
	}
	if got := len(fake.callsFor("initialize")); got != 1 {
		t.Fatalf("initialize sent %d times", got)
	}

	if err := manager.DisconnectServer("a"); err != nil {
		t.Fatalf("DisconnectServer: %v", err)
	}
	saved, _ := store.Load(t.Context())
	if len(saved) != 2 || saved[0].ID != "a" || saved[0].WasConnected {
		t.Fatalf("saved after disconnect = %+v", saved)
	}

	if err := manager.ConnectServer(t.Context(), "b", nil); err != nil {
		t.Fatalf("ConnectServer(b): %v", err)
	}
	saves := store.Saves()
	if err := manager.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.Saves() != saves {
		t.Fatalf("Close persisted the server list")
	}
	saved, _ = store.Load(t.Context())
	if !saved[1].WasConnected {
		t.Fatalf("b lost its wasConnected flag: %+v", saved[1])
	}
	if err := manager.Restore(t.Context()); !errors.Is(err, errClosed) {
		t.Fatalf("Restore after Close err = %v", err)
	}
}

func TestReplaceServers(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil)
	if _, err := manager.AddServer("https://keep.test/mcp", &AddServerOptions{ID: "keep", Name: "old"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if _, err := manager.AddServer("https://drop.test/mcp", &AddServerOptions{ID: "drop"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	err := manager.ReplaceServers([]PersistedServer{
		{ID: "keep", URL: "https://keep.test/mcp", Name: "new", CustomHeaders: map[string]string{"x-team": "a"}},
		{ID: "fresh", URL: "https://fresh.test/sse"},
	})
	if err != nil {
		t.Fatalf("ReplaceServers: %v", err)
	}
	if diff := cmp.Diff([]string{"keep", "fresh"}, manager.ListServers()); diff != "" {
		t.Fatalf("servers mismatch (-want +got):\n%s", diff)
	}
	keep, _ := manager.Server("keep")
	if keep.Name != "new" || keep.Headers["X-Team"] != "a" {
		t.Fatalf("keep not updated: %+v", keep)
	}
	fresh, _ := manager.Server("fresh")
	if fresh.Transport != TransportSSE {
		t.Fatalf("fresh transport = %q", fresh.Transport)
	}
}

func TestReplaceServersDefaultsEmptyNameToHost(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil)
	if _, err := manager.AddServer("https://named.test/mcp", &AddServerOptions{ID: "named", Name: "custom"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	err := manager.ReplaceServers([]PersistedServer{
		{ID: "named", URL: "https://named.test/mcp"},
		{ID: "added", URL: "https://added.test:8443/mcp", Name: "  "},
	})
	if err != nil {
		t.Fatalf("ReplaceServers: %v", err)
	}
	for id, want := range map[string]string{"named": "named.test", "added": "added.test:8443"} {
		rec, err := manager.Server(id)
		if err != nil {
			t.Fatalf("Server(%q): %v", id, err)
		}
		if rec.Name != want {
			t.Fatalf("Server(%q).Name = %q, want %q", id, rec.Name, want)
		}
	}
}

func TestRPCLoggerSeesBothDirections(t *testing.T) {
	t.Parallel()

	fake := newFakeUpstream()
	srv := fake.start(t)
	var mu sync.Mutex
	directions := map[RPCDirection]int{}
	manager := newTestManager(t, srv, &ManagerOptions{RPCLogger: func(ev RPCLogEvent) {
		mu.Lock()
		directions[ev.Direction]++
		mu.Unlock()
	}})

	id, _ := manager.AddServer("https://y.test/mcp", nil)
	if err := manager.ConnectServer(t.Context(), id, nil); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if directions[RPCDirectionSend] == 0 || directions[RPCDirectionReceive] == 0 {
		t.Fatalf("rpc logger directions = %v", directions)
	}
}
