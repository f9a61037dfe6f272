package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raven-ecosystem/ravenauth/core"
	"gopkg.in/yaml.v3"
)

type fileEntry struct {
	Value     string    `yaml:"value"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// FileStore is a ports.KeyValueStore persisted as a YAML document. It plays
// the role of browser local storage for the CLI: values survive restarts.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore creates a store backed by path. The file and its directory
// are created on the first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() (map[string]fileEntry, error) {
	entries := make(map[string]fileEntry)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if entries == nil {
		entries = make(map[string]fileEntry)
	}
	return entries, nil
}

func (s *FileStore) save(entries map[string]fileEntry) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	// Write to a sibling file first so a crash never leaves a truncated store.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}

// Get returns the value stored under key.
func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return "", err
	}

	e, ok := entries[key]
	if !ok || (!e.ExpiresAt.IsZero() && s.now().After(e.ExpiresAt)) {
		return "", core.ErrNotFound
	}
	return e.Value, nil
}

// Set stores value under key.
func (s *FileStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	e := fileEntry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl).UTC()
	}
	entries[key] = e
	return s.save(entries)
}

// Delete removes key.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}

	delete(entries, key)
	return s.save(entries)
}
