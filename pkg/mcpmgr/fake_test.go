package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tmaxmax/go-sse"
)

// fakeUpstream plays both the transport proxy and the MCP server behind it.
type fakeUpstream struct {
	caps      []string
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt
	// endpoint is sent as the SSE endpoint event; empty sends none.
	endpoint string
	// failMethods answer with a JSON-RPC error.
	failMethods map[string]bool
	// silentMethods are never answered.
	silentMethods map[string]bool
	// holdMethods open an event stream on the streamable route and keep it
	// open without answering until the client goes away.
	holdMethods map[string]bool
	// sessionIDs sets the mcp-session-id header per method on the
	// streamable route.
	sessionIDs map[string]string
	// streamPrelude is sent on the streamable route as an event before the
	// answer to any tools/call.
	streamPrelude []byte

	mu        sync.Mutex
	calls     []fakeCall
	responses []fakeMessage
	streams   map[chan []byte]struct{}
}

type fakeMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type fakeCall struct {
	Route   string
	Message fakeMessage
	Header  http.Header
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		caps:          []string{"tools"},
		endpoint:      "/sse/abc123/message",
		failMethods:   map[string]bool{},
		silentMethods: map[string]bool{},
		holdMethods:   map[string]bool{},
		sessionIDs:    map[string]string{},
		streams:       map[chan []byte]struct{}{},
	}
}

func (f *fakeUpstream) start(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ProxySSEPath, f.handleSSE)
	mux.HandleFunc("POST "+ProxyMessagePath, f.handleMessage)
	mux.HandleFunc("POST "+ProxyStreamablePath, f.handleStreamable)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		f.closeStreams()
		srv.Close()
	})
	return srv
}

func (f *fakeUpstream) handleSSE(w http.ResponseWriter, r *http.Request) {
	f.record(ProxySSEPath, fakeMessage{}, r.Header)
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ch := make(chan []byte, 16)
	f.mu.Lock()
	f.streams[ch] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.streams, ch)
		f.mu.Unlock()
	}()

	if f.endpoint != "" {
		msg := &sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(f.endpoint)
		if sess.Send(msg) != nil || sess.Flush() != nil {
			return
		}
	} else if sess.Flush() != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			msg := &sse.Message{Type: sse.Type("message")}
			msg.AppendData(string(data))
			if sess.Send(msg) != nil || sess.Flush() != nil {
				return
			}
		}
	}
}

func (f *fakeUpstream) handleMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := decodeFakeMessage(w, r)
	if !ok {
		return
	}
	f.record(ProxyMessagePath, msg, r.Header)
	if reply := f.reply(msg); reply != nil {
		f.push(reply)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeUpstream) handleStreamable(w http.ResponseWriter, r *http.Request) {
	msg, ok := decodeFakeMessage(w, r)
	if !ok {
		return
	}
	f.record(ProxyStreamablePath, msg, r.Header)
	if sid := f.sessionIDs[msg.Method]; sid != "" {
		w.Header().Set(SessionIDHeader, sid)
	}
	if f.holdMethods[msg.Method] {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-r.Context().Done()
		return
	}
	reply := f.reply(msg)
	if msg.Method == "tools/call" && f.streamPrelude != nil || f.silentMethods[msg.Method] {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if msg.Method == "tools/call" && f.streamPrelude != nil {
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", f.streamPrelude)
		}
		if reply != nil {
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", reply)
		}
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

func decodeFakeMessage(w http.ResponseWriter, r *http.Request) (fakeMessage, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return fakeMessage{}, false
	}
	var msg fakeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return fakeMessage{}, false
	}
	return msg, true
}

func (f *fakeUpstream) record(route string, msg fakeMessage, header http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.Method == "" && len(msg.ID) > 0 {
		f.responses = append(f.responses, msg)
		return
	}
	f.calls = append(f.calls, fakeCall{Route: route, Message: msg, Header: header.Clone()})
}

// reply builds the answer to msg, or nil for notifications, client
// responses and silent methods.
func (f *fakeUpstream) reply(msg fakeMessage) []byte {
	if len(msg.ID) == 0 || msg.Method == "" || f.silentMethods[msg.Method] {
		return nil
	}
	if f.failMethods[msg.Method] {
		return f.envelope(msg.ID, nil, map[string]any{"code": -32001, "message": "boom"})
	}
	switch msg.Method {
	case "initialize":
		caps := map[string]any{}
		for _, c := range f.caps {
			caps[c] = map[string]any{}
		}
		return f.envelope(msg.ID, map[string]any{
			"protocolVersion": DefaultProtocolVersion,
			"capabilities":    caps,
			"serverInfo":      map[string]any{"name": "fake", "version": "1.2.3"},
		}, nil)
	case "tools/list":
		f.mu.Lock()
		tools := f.tools
		f.mu.Unlock()
		return f.envelope(msg.ID, map[string]any{"tools": tools}, nil)
	case "resources/list":
		return f.envelope(msg.ID, map[string]any{"resources": f.resources}, nil)
	case "prompts/list":
		return f.envelope(msg.ID, map[string]any{"prompts": f.prompts}, nil)
	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		return f.envelope(msg.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "echo:" + params.Name}},
		}, nil)
	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		return f.envelope(msg.ID, map[string]any{
			"contents": []map[string]any{{"uri": params.URI, "text": "hello"}},
		}, nil)
	case "prompts/get":
		return f.envelope(msg.ID, map[string]any{
			"messages": []map[string]any{{"role": "user", "content": map[string]any{"type": "text", "text": "hi"}}},
		}, nil)
	default:
		return f.envelope(msg.ID, nil, map[string]any{"code": CodeMethodNotFound, "message": "Method not found"})
	}
}

func (f *fakeUpstream) envelope(id json.RawMessage, result any, rpcErr any) []byte {
	out := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		out["error"] = rpcErr
	} else {
		out["result"] = result
	}
	data, err := json.Marshal(out)
	if err != nil {
		panic(err)
	}
	return data
}

// push sends data as a message event on every open SSE stream.
func (f *fakeUpstream) push(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.streams {
		ch <- data
	}
}

// closeStreams ends every open SSE stream from the server side.
func (f *fakeUpstream) closeStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.streams {
		close(ch)
		delete(f.streams, ch)
	}
}

func (f *fakeUpstream) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Message.Method != "" {
			out = append(out, c.Message.Method)
		}
	}
	return out
}

func (f *fakeUpstream) callsFor(method string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Message.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeUpstream) clientResponses() []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeMessage(nil), f.responses...)
}

func (f *fakeUpstream) openStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func newTestManager(t *testing.T, srv *httptest.Server, opts *ManagerOptions) *Manager {
	t.Helper()
	if opts == nil {
		opts = &ManagerOptions{}
	}
	opts.ProxyURL = srv.URL
	opts.HTTPClient = srv.Client()
	manager := NewManager(opts)
	t.Cleanup(func() { _ = manager.Close(context.Background()) })
	return manager
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func containsMethod(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
