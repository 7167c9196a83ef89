package mcpmgr

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestClassifyVariants(t *testing.T) {
	t.Parallel()

	msg, err := classify([]byte(`{"jsonrpc":"2.0","id":"abc","result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("classify response: %v", err)
	}
	resp, ok := msg.(inboundResponse)
	if !ok {
		t.Fatalf("expected response, got %T", msg)
	}
	if resp.id != "abc" || resp.err != nil || string(resp.result) != `{"ok":true}` {
		t.Fatalf("unexpected response: %+v", resp)
	}

	msg, err = classify([]byte(`{"jsonrpc":"2.0","id":7,"error":{"code":-32001,"message":"boom"}}`))
	if err != nil {
		t.Fatalf("classify error response: %v", err)
	}
	resp = msg.(inboundResponse)
	if resp.id != "7" {
		t.Fatalf("numeric id rendered as %q", resp.id)
	}
	if resp.err == nil || resp.err.Code != -32001 || resp.err.Message != "boom" {
		t.Fatalf("unexpected rpc error: %+v", resp.err)
	}
	if got := resp.err.Error(); got != "boom (code: -32001)" {
		t.Fatalf("rpc error text = %q", got)
	}

	msg, err = classify([]byte(`{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage","params":{"maxTokens":5}}`))
	if err != nil {
		t.Fatalf("classify request: %v", err)
	}
	req, ok := msg.(inboundRequest)
	if !ok {
		t.Fatalf("expected server request, got %T", msg)
	}
	if req.method != MethodCreateMessage || idKey(req.id) != "7" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if got := requestKey(req.id); got != "7" {
		t.Fatalf("requestKey(7) = %q", got)
	}
	strID, err := jsonrpc.MakeID("7")
	if err != nil {
		t.Fatalf("MakeID: %v", err)
	}
	if got := requestKey(strID); got != "s:7" {
		t.Fatalf(`requestKey("7") = %q`, got)
	}

	msg, err = classify([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
	if err != nil {
		t.Fatalf("classify notification: %v", err)
	}
	note, ok := msg.(inboundNotification)
	if !ok || note.method != string(NotificationSchemaToolListChanged) {
		t.Fatalf("unexpected notification: %#v", msg)
	}
}

func TestClassifyRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`not json`,
		`{"jsonrpc":"2.0"}`,
		`{"jsonrpc":"2.0","result":{}}`,
	} {
		if _, err := classify([]byte(raw)); err == nil {
			t.Errorf("classify(%s) succeeded, want error", raw)
		}
	}
}

func TestEncodeEnvelopes(t *testing.T) {
	t.Parallel()

	data, err := encodeRequest("req-1", "tools/list", nil)
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}
	assertJSON(t, data, map[string]any{"jsonrpc": "2.0", "id": "req-1", "method": "tools/list"})

	data, err = encodeNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("encodeNotification: %v", err)
	}
	assertJSON(t, data, map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})

	msg, err := classify([]byte(`{"jsonrpc":"2.0","id":7,"method":"elicitation/create"}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	id := msg.(inboundRequest).id

	data, err = encodeResponse(id, nil, nil)
	if err != nil {
		t.Fatalf("encodeResponse: %v", err)
	}
	assertJSON(t, data, map[string]any{"jsonrpc": "2.0", "id": float64(7), "result": map[string]any{}})

	data, err = encodeResponse(id, map[string]any{"action": "accept"}, &RPCError{Code: CodeInternalError, Message: "nope"})
	if err != nil {
		t.Fatalf("encodeResponse with error: %v", err)
	}
	assertJSON(t, data, map[string]any{
		"jsonrpc": "2.0",
		"id":      float64(7),
		"error":   map[string]any{"code": float64(CodeInternalError), "message": "nope"},
	})
}

func assertJSON(t *testing.T, data []byte, want map[string]any) {
	t.Helper()
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
	}
}
