package mcpmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
)

var errStopStream = errors.New("stop stream")

// streamableTransport issues one POST per envelope. The answer is either a
// single JSON envelope or an event stream; every envelope found in it is
// dispatched, so server requests interleaved with the response reach the
// push handlers too.
type streamableTransport struct {
	client   *http.Client
	proxy    string
	sess     *session
	dispatch func([]byte)
	logger   *slog.Logger
}

func (t *streamableTransport) open(context.Context) error { return nil }

func (t *streamableTransport) send(ctx context.Context, payload []byte, reqID, method string) error {
	ctx, cancel := mergedContext(ctx, t.sess)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxyURL(t.proxy, ProxyStreamablePath), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mcpmgr: build streamable request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(HeaderServerURL, t.sess.upstream)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcpmgr: post %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("post "+method, resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		err = readSSE(ctx, resp.Body, func(ev sseEvent) error {
			if ev.Type != sseEventMessage {
				return nil
			}
			t.dispatch([]byte(ev.Data))
			if reqID != "" && !t.sess.isPending(reqID) {
				return errStopStream
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopStream) {
			return fmt.Errorf("mcpmgr: read %s stream: %w", method, err)
		}
	} else if err := t.dispatchBody(resp.Body); err != nil {
		return fmt.Errorf("mcpmgr: read %s response: %w", method, err)
	}

	if reqID != "" && t.sess.isPending(reqID) {
		return fmt.Errorf("mcpmgr: stream ended without response for %s", method)
	}
	return nil
}

// dispatchBody handles a plain JSON answer: empty, a single envelope, or a
// batch.
func (t *streamableTransport) dispatchBody(body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] != '[' {
		t.dispatch(data)
		return nil
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		return err
	}
	for _, msg := range batch {
		t.dispatch(msg)
	}
	return nil
}
