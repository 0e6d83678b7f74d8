// Package memory stores blob content in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pagepress/pagepress/internal/pipeline"
)

// BlobStore stores artifacts in-memory and returns pseudo URLs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	puts map[string]int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
		puts: make(map[string]int),
	}
}

// Put persists the content and returns a stable pseudo URL. Repeated puts on
// the same key overwrite, matching the durable store's idempotency contract.
func (s *BlobStore) Put(_ context.Context, key string, _ string, data []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	s.puts[key]++
	return fmt.Sprintf("memory://%s", key), nil
}

// Get returns a copy of the stored content.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, pipeline.ErrBlobNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes stored content; deleting a missing key is a no-op.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// PutCount reports how many times a key has been written. Test helper.
func (s *BlobStore) PutCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts[key]
}

// Len reports the number of stored objects. Test helper.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
