// Package cache holds the transient caches the memory governor may purge.
package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// Memory is a cost-bounded in-memory cache for generated responses. Its
// contents are never essential.
type Memory struct {
	name  string
	store *ristretto.Cache[string, []byte]
}

// NewMemory builds a cache holding at most maxBytes of values.
func NewMemory(name string, maxBytes int64) (*Memory, error) {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10 * (maxBytes / 1024),
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Memory{name: name, store: store}, nil
}

// Name implements memgov.Purger.
func (m *Memory) Name() string { return m.name }

// Get returns the cached value for key.
func (m *Memory) Get(key string) ([]byte, bool) {
	return m.store.Get(key)
}

// Set stores value. It waits for the write to become visible.
func (m *Memory) Set(key string, value []byte) bool {
	ok := m.store.Set(key, value, int64(len(value)))
	m.store.Wait()
	return ok
}

// Purge implements memgov.Purger.
func (m *Memory) Purge(context.Context) error {
	m.store.Clear()
	return nil
}

// Hits returns the number of cache hits since creation.
func (m *Memory) Hits() uint64 {
	if m.store.Metrics == nil {
		return 0
	}
	return m.store.Metrics.Hits()
}

// Close stops the cache's background goroutines.
func (m *Memory) Close() {
	m.store.Close()
}
