package oauthflow

import (
	"context"
	"sync"
	"time"
)

// PendingAuth is what a state value resolves to between /connect and the
// callback.
type PendingAuth struct {
	ServerURL    string
	RedirectURI  string
	Verifier     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	CreatedAt    time.Time
}

// StateStore keeps pending authorizations keyed by state. Take removes the
// entry, so every state is usable once.
type StateStore interface {
	Put(ctx context.Context, state string, pending PendingAuth, ttl time.Duration) error
	Take(ctx context.Context, state string) (PendingAuth, bool, error)
}

type stateEntry struct {
	pending PendingAuth
	expires time.Time
}

// MemoryStore is an in-process StateStore. Expired entries are dropped on
// read and by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]stateEntry), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, state string, pending PendingAuth, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = stateEntry{pending: pending, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, state string) (PendingAuth, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return PendingAuth{}, false, nil
	}
	delete(s.entries, state)
	if !s.now().Before(entry.expires) {
		return PendingAuth{}, false, nil
	}
	return entry.pending, true, nil
}

// Sweep drops expired entries and reports how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for state, entry := range s.entries {
		if !now.Before(entry.expires) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
