package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// recognizedKeys are the credential keys the store accepts.
var recognizedKeys = map[string]bool{
	"ANTHROPIC_CRED": true,
	"GEMINI_CRED":    true,
	"OPENAI_CRED":    true,
}

// Store is a file-backed credential store managed over the REST API. Values
// are persisted as JSON with owner-only permissions.
type Store struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// NewStore loads the store at path, creating an empty one if the file does
// not exist.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:   path,
		values: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential store: %w", err)
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse credential store: %w", err)
	}
	return s, nil
}

// DefaultStorePath returns the per-user credential store location.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/codeswarm/credentials.json"
	}
	return filepath.Join(home, ".codeswarm", "credentials.json")
}

// Lookup implements Provider.
func (s *Store) Lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.values[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// Set updates one credential and persists the store. Unrecognized keys are
// rejected.
func (s *Store) Set(key, value string) error {
	if !recognizedKeys[key] {
		return fmt.Errorf("unrecognized credential key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.persist()
}

// Keys returns the credential keys currently set. Values are never exposed.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k, v := range s.values {
		if v != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create credential store dir: %w", err)
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	return nil
}
