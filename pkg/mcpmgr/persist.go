package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

var errClosed = errors.New("mcpmgr: manager closed")

// PersistedServer is the durable form of a ServerRecord.
type PersistedServer struct {
	ID            string            `json:"id" yaml:"id"`
	URL           string            `json:"url" yaml:"url"`
	Name          string            `json:"name" yaml:"name"`
	Transport     TransportKind     `json:"transport,omitempty" yaml:"transport,omitempty"`
	Credentials   *Credentials      `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty" yaml:"customHeaders,omitempty"`
	WasConnected  bool              `json:"wasConnected" yaml:"wasConnected"`
}

// Store loads and saves the server list. Save receives the complete list
// every time; implementations overwrite whatever they held before.
type Store interface {
	Load(ctx context.Context) ([]PersistedServer, error)
	Save(ctx context.Context, servers []PersistedServer) error
}

// MemoryStore is an in-process Store, mostly useful in tests.
type MemoryStore struct {
	mu      sync.Mutex
	servers []PersistedServer
	saves   int
}

// NewMemoryStore returns a store preloaded with servers.
func NewMemoryStore(servers ...PersistedServer) *MemoryStore {
	return &MemoryStore{servers: clonePersisted(servers)}
}

func (s *MemoryStore) Load(context.Context) ([]PersistedServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePersisted(s.servers), nil
}

func (s *MemoryStore) Save(_ context.Context, servers []PersistedServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = clonePersisted(servers)
	s.saves++
	return nil
}

// Saves reports how many times Save ran.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func clonePersisted(in []PersistedServer) []PersistedServer {
	out := make([]PersistedServer, len(in))
	for i, p := range in {
		p.Credentials = p.Credentials.clone()
		p.CustomHeaders = cloneStringMap(p.CustomHeaders)
		out[i] = p
	}
	return out
}

func (r *ServerRecord) persisted() PersistedServer {
	return PersistedServer{
		ID:            r.ID,
		URL:           r.URL,
		Name:          r.Name,
		Transport:     r.Transport,
		Credentials:   r.Credentials.clone(),
		CustomHeaders: cloneStringMap(r.Headers),
		WasConnected:  r.WasConnected,
	}
}

// Snapshot returns the persisted form of every server in insertion order.
func (m *Manager) Snapshot() []PersistedServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []PersistedServer {
	out := make([]PersistedServer, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.states[id].record.persisted())
	}
	return out
}

// persist saves the current snapshot. Snapshots are numbered when taken and
// one older than the last saved snapshot is discarded, so the newest state
// always wins.
func (m *Manager) persist() {
	store := m.options.Store
	if store == nil {
		return
	}
	m.mu.Lock()
	m.saveSeq++
	seq := m.saveSeq
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if seq < m.savedSeq {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.options.RequestTimeout)
	defer cancel()
	if err := store.Save(ctx, snapshot); err != nil {
		m.logger.Error("persist servers", "error", err)
		return
	}
	m.savedSeq = seq
}

// Restore loads the persisted server list and schedules one reconnect for
// every server that was connected at the last save or carries credentials.
// Servers already known to the manager are skipped. Reconnect failures are
// logged at debug level and otherwise ignored.
func (m *Manager) Restore(ctx context.Context) error {
	store := m.options.Store
	if store == nil {
		return nil
	}
	select {
	case <-m.closing:
		return errClosed
	default:
	}
	entries, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("mcpmgr: load servers: %w", err)
	}

	var reconnect []string
	m.mu.Lock()
	for _, entry := range entries {
		record, err := recordFromPersisted(entry)
		if err != nil {
			m.logger.Warn("skipping persisted server", "server", entry.ID, "error", err)
			continue
		}
		if _, exists := m.states[record.ID]; exists {
			continue
		}
		m.addLocked(record)
		if !entry.WasConnected && entry.Credentials == nil {
			continue
		}
		if _, done := m.reconnectAttempted[record.ID]; done {
			continue
		}
		m.reconnectAttempted[record.ID] = struct{}{}
		reconnect = append(reconnect, record.ID)
	}
	m.mu.Unlock()
	m.publishCounts()

	for _, id := range reconnect {
		m.reconnectWG.Add(1)
		go m.autoReconnect(id)
	}
	return nil
}

func (m *Manager) autoReconnect(serverID string) {
	defer m.reconnectWG.Done()
	timer := time.NewTimer(m.options.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.closing:
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-m.closing:
			cancel()
		case <-stop:
		}
	}()
	if err := m.ConnectServer(ctx, serverID, nil); err != nil {
		m.logger.Debug("auto-reconnect failed", "server", serverID, "error", err)
	}
}

func recordFromPersisted(entry PersistedServer) (ServerRecord, error) {
	if entry.ID == "" {
		return ServerRecord{}, errors.New("mcpmgr: persisted server has no id")
	}
	u, err := validateServerURL(entry.URL)
	if err != nil {
		return ServerRecord{}, err
	}
	kind := entry.Transport
	if !kind.Valid() {
		kind = DetectTransport(entry.URL)
	}
	return ServerRecord{
		ID:           entry.ID,
		URL:          u.String(),
		Name:         displayName(entry.Name, u),
		Status:       StatusDisconnected,
		Transport:    kind,
		Credentials:  entry.Credentials.clone(),
		Headers:      SanitizeHeaders(entry.CustomHeaders),
		WasConnected: entry.WasConnected,
	}, nil
}

// ReplaceServers reconciles the manager with entries, as a sync layer
// would after fetching a remote list. Servers missing from entries are
// removed, new ones added, and existing ones updated in place. A server
// whose URL or transport changed is replaced, which drops its session.
func (m *Manager) ReplaceServers(entries []PersistedServer) error {
	wanted := make(map[string]PersistedServer, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			return errors.New("mcpmgr: replace servers: entry without id")
		}
		wanted[entry.ID] = entry
	}
	var errs []error
	for _, id := range m.ListServers() {
		entry, keep := wanted[id]
		if keep {
			current, err := m.Server(id)
			if err != nil {
				continue
			}
			sameTransport := entry.Transport == "" || entry.Transport == current.Transport
			if u, err := url.Parse(current.URL); err == nil && current.URL == entry.URL && sameTransport {
				name := displayName(entry.Name, u)
				errs = append(errs, m.UpdateServer(id, ServerPatch{
					Name:             &name,
					Credentials:      entry.Credentials,
					ClearCredentials: entry.Credentials == nil,
					Headers:          nonNilHeaders(entry.CustomHeaders),
				}))
				delete(wanted, id)
				continue
			}
		}
		errs = append(errs, m.RemoveServer(id))
	}
	for _, entry := range entries {
		if _, pending := wanted[entry.ID]; !pending {
			continue
		}
		_, err := m.AddServer(entry.URL, &AddServerOptions{
			ID:          entry.ID,
			Name:        entry.Name,
			Credentials: entry.Credentials,
			Transport:   entry.Transport,
			Headers:     entry.CustomHeaders,
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
