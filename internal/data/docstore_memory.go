package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/target/loadrun-api/internal/core"
)

// MemoryDocumentStore is an in-process DocumentStore used for local single
// process deployments and tests.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage
}

var _ core.DocumentStore = (*MemoryDocumentStore)(nil)

// NewMemoryDocumentStore creates an empty in-memory store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]json.RawMessage)}
}

// Get returns the value at path, or nil if nothing is stored there.
func (s *MemoryDocumentStore) Get(_ context.Context, path string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.docs[path]
	if !ok {
		return nil, nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

// Set stores value at path, replacing any existing value.
func (s *MemoryDocumentStore) Set(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = raw
	return nil
}

// Delete removes the value at path. Deleting an absent path is a no-op.
func (s *MemoryDocumentStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, path)
	return nil
}

// Health always reports healthy.
func (s *MemoryDocumentStore) Health(_ context.Context) error {
	return nil
}

// Len reports how many paths hold a value. Used by tests.
func (s *MemoryDocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
