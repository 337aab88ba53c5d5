// internal/state/store.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ErrCorrupt is returned by Load when a stored document cannot be decoded.
// Callers treat it as an absent entry.
var ErrCorrupt = errors.New("corrupt state entry")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// FileStore is a JSON-file-backed key store. Each key is kept in
// <root>/<key>.json and written atomically.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates a new file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid state key: %q", key)
	}
	return filepath.Join(s.root, key+".json"), nil
}

// Load decodes the document stored under key into v.
func (s *FileStore) Load(_ context.Context, key string, v any) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read state %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

// Save marshals v with indentation and writes it atomically.
func (s *FileStore) Save(_ context.Context, key string, v any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp state: %w", err)
	}
	return nil
}

// Delete removes the document stored under key. Deleting a missing key is not
// an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}
