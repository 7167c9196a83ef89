// Package serverstore keeps the manager's server list on disk.
package serverstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

// FileStore is an mcpmgr.Store backed by a single file. Files ending in
// .yaml or .yml are written as YAML, anything else as JSON. Every Save
// writes a temporary file next to the target and renames it into place.
type FileStore struct {
	path string
	perm fs.FileMode

	mu sync.Mutex
}

var _ mcpmgr.Store = (*FileStore)(nil)

type document struct {
	Version int                      `json:"version" yaml:"version"`
	Servers []mcpmgr.PersistedServer `json:"servers" yaml:"servers"`
}

const documentVersion = 1

// New returns a FileStore writing to path with 0600 permissions. The parent
// directory is created on first Save.
func New(path string) *FileStore {
	return &FileStore{path: path, perm: 0o600}
}

// Path reports the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) yaml() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// Load returns the stored servers. A missing or empty file is an empty list.
func (s *FileStore) Load(ctx context.Context) ([]mcpmgr.PersistedServer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("serverstore: read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc document
	if s.yaml() {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("serverstore: decode %s: %w", s.path, err)
	}
	if doc.Version > documentVersion {
		return nil, fmt.Errorf("serverstore: %s has unsupported version %d", s.path, doc.Version)
	}
	return doc.Servers, nil
}

// Save replaces the file contents with servers.
func (s *FileStore) Save(ctx context.Context, servers []mcpmgr.PersistedServer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if servers == nil {
		servers = []mcpmgr.PersistedServer{}
	}
	doc := document{Version: documentVersion, Servers: servers}

	var (
		data []byte
		err  error
	)
	if s.yaml() {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("serverstore: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path, data, s.perm)
}

func writeAtomic(path string, data []byte, perm fs.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("serverstore: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("serverstore: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("serverstore: write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("serverstore: sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("serverstore: close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("serverstore: chmod temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("serverstore: replace %s: %w", path, err)
	}
	return nil
}
