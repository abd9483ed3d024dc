package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by a store after Close
var ErrClosed = errors.New("state store is closed")

// Store is a minimal key/value interface for adapter cursors
type Store interface {
	// Get returns nil, nil when key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// MemStore keeps state for the life of the process.
type MemStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get implements Store
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Set implements Store
func (s *MemStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Close implements Store
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FileStore is a MemStore persisted as one JSON document. Every Set
// rewrites the file through a temp file and rename.
type FileStore struct {
	path string

	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

type fileDoc struct {
	Entries map[string][]byte `json:"entries"`
}

// NewFileStore opens (or creates on first Set) the state file at path. A
// corrupt file is treated as empty state.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}

	s := &FileStore{path: filepath.Clean(path), data: make(map[string][]byte)}

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, err
	}

	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return s, nil //nolint:nilerr // corrupt state starts fresh
	}
	if doc.Entries != nil {
		s.data = doc.Entries
	}
	return s, nil
}

// Path returns the backing file
func (s *FileStore) Path() string { return s.path }

// Get implements Store
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Set implements Store
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.data[key]
	s.data[key] = append([]byte(nil), value...)
	if err := s.save(); err != nil {
		// unsaved entries must not read as consumed
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

// Close implements Store
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

// save writes the document atomically. Caller must hold s.mu.
func (s *FileStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}

	raw, err := json.Marshal(fileDoc{Entries: s.data})
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
