package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Headers understood by the transport proxy.
const (
	HeaderServerURL     = "X-Mcp-Server-Url"
	HeaderCustomHeaders = "X-Mcp-Custom-Headers"
	HeaderSessionID     = "X-Mcp-Session-Id"
	// SessionIDHeader is the upstream Streamable HTTP session header.
	SessionIDHeader = "Mcp-Session-Id"
)

// Proxy routes the manager talks to, relative to ManagerOptions.ProxyURL.
const (
	ProxySSEPath        = "/mcp/sse"
	ProxyMessagePath    = "/mcp/message"
	ProxyStreamablePath = "/mcp/streamable"
)

// transport moves encoded envelopes between a session and its server.
// Inbound messages are handed to the dispatcher the transport was built
// with, whichever path they arrive on.
type transport interface {
	// open establishes any long-lived stream and returns once requests can
	// be sent.
	open(ctx context.Context) error
	// send delivers one envelope. reqID is empty for notifications and
	// responses.
	send(ctx context.Context, payload []byte, reqID, method string) error
}

// HTTPStatusError reports a non-2xx answer from the proxy.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("mcpmgr: %s: HTTP %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// headerDecorator stamps every outbound proxy request with the session's
// authorization, custom headers and session id. When trackSessionID is set
// it also records the session id returned by the upstream; the last value
// seen wins.
type headerDecorator struct {
	next           http.RoundTripper
	sess           *session
	trackSessionID bool
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if d.sess.auth != "" {
		req.Header.Set("Authorization", d.sess.auth)
	}
	if len(d.sess.headers) > 0 {
		encoded, err := json.Marshal(d.sess.headers)
		if err != nil {
			return nil, fmt.Errorf("mcpmgr: encode custom headers: %w", err)
		}
		req.Header.Set(HeaderCustomHeaders, string(encoded))
	}
	if sid := d.sess.SessionID(); sid != "" {
		req.Header.Set(HeaderSessionID, sid)
	}
	resp, err := d.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if d.trackSessionID {
		d.sess.setSessionID(resp.Header.Get(SessionIDHeader))
	}
	return resp, nil
}

func decorateHTTPClient(base *http.Client, sess *session, trackSessionID bool) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:           defaultRoundTripper(base.Transport),
		sess:           sess,
		trackSessionID: trackSessionID,
	}
	return &clone
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

func proxyURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// mergedContext is cancelled when either ctx or the session is.
func mergedContext(ctx context.Context, sess *session) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sess.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
