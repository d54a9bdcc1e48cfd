package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// CursorStore remembers the last event offset processed per chat, so a
// consumer can reconnect and ask the gateway for replay from that point.
type CursorStore interface {
	Get(chatID string) (uint64, error)
	Set(chatID string, offset uint64) error
	Clear(chatID string) error
}

// FileCursorStore keeps cursors in one JSON file, rewritten atomically via
// a temp file and rename.
type FileCursorStore struct {
	mu   sync.Mutex
	path string
}

func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

func (s *FileCursorStore) load() (map[string]uint64, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]uint64{}, nil
	}
	if err != nil {
		return nil, err
	}
	cursors := map[string]uint64{}
	if err := json.Unmarshal(data, &cursors); err != nil {
		// a corrupt cursor file only costs replay, start over
		return map[string]uint64{}, nil
	}
	return cursors, nil
}

func (s *FileCursorStore) save(cursors map[string]uint64) error {
	data, err := json.Marshal(cursors)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileCursorStore) Get(chatID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursors, err := s.load()
	if err != nil {
		return 0, err
	}
	return cursors[chatID], nil
}

func (s *FileCursorStore) Set(chatID string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursors, err := s.load()
	if err != nil {
		return err
	}
	cursors[chatID] = offset
	return s.save(cursors)
}

func (s *FileCursorStore) Clear(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursors, err := s.load()
	if err != nil {
		return err
	}
	delete(cursors, chatID)
	return s.save(cursors)
}

// MemoryCursorStore is the in-memory implementation used by tests.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]uint64)}
}

func (s *MemoryCursorStore) Get(chatID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[chatID], nil
}

func (s *MemoryCursorStore) Set(chatID string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[chatID] = offset
	return nil
}

func (s *MemoryCursorStore) Clear(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, chatID)
	return nil
}
