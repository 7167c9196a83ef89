package mcpmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var errStreamClosed = errors.New("mcpmgr: event stream closed")

// sseTransport keeps one long-lived event stream open through the proxy and
// posts requests to the message endpoint the server announced on it.
type sseTransport struct {
	client          *http.Client
	proxy           string
	sess            *session
	endpointTimeout time.Duration
	dispatch        func([]byte)
	onStreamEnd     func(error)
	logger          *slog.Logger
}

func (t *sseTransport) open(ctx context.Context) error {
	go t.run()
	if err := t.sess.awaitEndpoint(ctx, t.endpointTimeout); err != nil {
		return err
	}
	return nil
}

func (t *sseTransport) run() {
	err := t.stream()
	if t.sess.isClosed() {
		return
	}
	if err == nil {
		err = errStreamClosed
	}
	t.sess.signalEndpoint("", err)
	if t.onStreamEnd != nil {
		t.onStreamEnd(err)
	}
}

func (t *sseTransport) stream() error {
	req, err := http.NewRequestWithContext(t.sess.ctx, http.MethodGet, proxyURL(t.proxy, ProxySSEPath), nil)
	if err != nil {
		return fmt.Errorf("mcpmgr: build sse request: %w", err)
	}
	req.Header.Set(HeaderServerURL, t.sess.upstream)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcpmgr: open sse stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("open sse stream", resp)
	}
	return readSSE(t.sess.ctx, resp.Body, func(ev sseEvent) error {
		switch ev.Type {
		case sseEventEndpoint:
			endpoint, err := resolveEndpoint(t.sess.upstream, strings.TrimSpace(ev.Data))
			if err != nil {
				t.sess.signalEndpoint("", err)
				return err
			}
			t.sess.signalEndpoint(endpoint, nil)
			t.logger.Debug("sse endpoint negotiated", "server", t.sess.serverID, "endpoint", endpoint)
		case sseEventMessage:
			t.dispatch([]byte(ev.Data))
		default:
			t.logger.Debug("ignoring sse event", "server", t.sess.serverID, "type", ev.Type)
		}
		return nil
	})
}

// send posts the envelope to the message endpoint. Responses arrive on the
// event stream, so the POST body is discarded.
func (t *sseTransport) send(ctx context.Context, payload []byte, _, _ string) error {
	endpoint := t.sess.endpoint()
	if endpoint == "" {
		return fmt.Errorf("mcpmgr: no message endpoint for %q", t.sess.serverID)
	}
	ctx, cancel := mergedContext(ctx, t.sess)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxyURL(t.proxy, ProxyMessagePath), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mcpmgr: build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderServerURL, endpoint)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcpmgr: post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("post message", resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}

// resolveEndpoint resolves the endpoint event payload against the origin of
// the SSE URL.
func resolveEndpoint(sseURL, endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("mcpmgr: empty endpoint event")
	}
	base, err := url.Parse(sseURL)
	if err != nil {
		return "", fmt.Errorf("mcpmgr: parse sse url: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("mcpmgr: parse endpoint %q: %w", endpoint, err)
	}
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}
	return origin.ResolveReference(ref).String(), nil
}

// sessionIDFromEndpoint returns the path segment preceding a literal
// "message" segment, or "" when the endpoint has no such segment.
func sessionIDFromEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 1; i < len(segments); i++ {
		if segments[i] == "message" && segments[i-1] != "" {
			return segments[i-1]
		}
	}
	return ""
}
