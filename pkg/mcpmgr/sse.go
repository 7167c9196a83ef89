package mcpmgr

import (
	"context"
	"errors"
	"io"

	"github.com/tmaxmax/go-sse"
)

const (
	sseEventEndpoint = "endpoint"
	sseEventMessage  = "message"
)

// maxSSEEventSize bounds a single event; tool results can be large.
const maxSSEEventSize = 16 << 20

type sseEvent struct {
	Type string
	Data string
}

// readSSE scans body into events and hands each one to fn until the stream
// ends, fn returns an error, or ctx is done. Both transports read their
// event streams through this function. Events without an explicit type are
// reported as "message" events.
func readSSE(ctx context.Context, body io.Reader, fn func(sseEvent) error) error {
	cfg := &sse.ReadConfig{MaxEventSize: maxSSEEventSize}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		typ := ev.Type
		if typ == "" {
			typ = sseEventMessage
		}
		if err := fn(sseEvent{Type: typ, Data: ev.Data}); err != nil {
			return err
		}
	}
	return ctx.Err()
}
