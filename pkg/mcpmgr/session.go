package mcpmgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// rpcOutcome is what a pending request resolves to.
type rpcOutcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	method  string
	created time.Time
	result  chan rpcOutcome
	timer   *time.Timer
}

// session is the live handle for one connected (or connecting) server. It
// owns the pending request map; every entry is resolved exactly once, by a
// response, a timeout, a send failure or close.
type session struct {
	serverID  string
	transport TransportKind
	upstream  string
	auth      string
	headers   map[string]string

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	pending         map[string]*pendingRequest
	messageEndpoint string
	sessionID       string
	closed          bool

	endpointOnce  sync.Once
	endpointReady chan struct{}
	endpointErr   error
}

func newSession(serverID string, rec *ServerRecord) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		serverID:      serverID,
		transport:     rec.Transport,
		upstream:      rec.URL,
		auth:          rec.Credentials.AuthorizationHeader(),
		headers:       SanitizeHeaders(rec.Headers),
		ctx:           ctx,
		cancel:        cancel,
		pending:       make(map[string]*pendingRequest),
		endpointReady: make(chan struct{}),
	}
}

// register adds a pending entry whose timer fires after timeout.
func (s *session) register(id, method string, timeout time.Duration) (*pendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisconnected
	}
	p := &pendingRequest{method: method, created: time.Now(), result: make(chan rpcOutcome, 1)}
	s.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			s.fail(id, &requestTimeoutError{method: method})
		})
	}
	return p, nil
}

// take removes and returns the pending entry, stopping its timer.
func (s *session) take(id string) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// resolve completes the pending entry matching resp. Unknown ids are
// dropped and reported as false.
func (s *session) resolve(resp inboundResponse) bool {
	p := s.take(resp.id)
	if p == nil {
		return false
	}
	if resp.err != nil {
		p.result <- rpcOutcome{err: resp.err}
	} else {
		p.result <- rpcOutcome{result: resp.result}
	}
	return true
}

func (s *session) fail(id string, err error) bool {
	p := s.take(id)
	if p == nil {
		return false
	}
	p.result <- rpcOutcome{err: err}
	return true
}

func (s *session) isPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// close rejects every pending request with err, stops their timers and
// cancels the stream. Safe to call more than once.
func (s *session) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result <- rpcOutcome{err: err}
	}
	s.signalEndpoint("", err)
	s.cancel()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// signalEndpoint records the negotiated endpoint (or the failure to get
// one) and releases waiters. Only the first call has an effect.
func (s *session) signalEndpoint(endpoint string, err error) {
	s.endpointOnce.Do(func() {
		s.mu.Lock()
		if err == nil {
			s.messageEndpoint = endpoint
			if sid := sessionIDFromEndpoint(endpoint); sid != "" {
				s.sessionID = sid
			}
		}
		s.endpointErr = err
		s.mu.Unlock()
		close(s.endpointReady)
	})
}

func (s *session) awaitEndpoint(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.endpointReady:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.endpointErr
	case <-timer.C:
		return ErrEndpointTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageEndpoint
}

func (s *session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// setSessionID stores the latest session id; the last value wins.
func (s *session) setSessionID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}
