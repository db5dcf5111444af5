package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// DefaultCapacity bounds a memory backend created with a non-positive size.
const DefaultCapacity = 1000

type memoryEntry struct {
	rows    []schema.Document
	expires time.Time
}

// MemoryBackend is an in-process LRU with per entry expiry.
type MemoryBackend struct {
	mu    sync.Mutex
	items *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

// NewMemoryBackend creates a backend holding at most capacity keys.
func NewMemoryBackend(capacity int) (*MemoryBackend, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	items, err := lru.New[string, memoryEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryBackend{items: items, now: time.Now}, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]schema.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		m.items.Remove(key)
		return nil, false, nil
	}
	return cloneRows(entry.rows), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, rows []schema.Document, ttl time.Duration) error {
	entry := memoryEntry{rows: cloneRows(rows)}
	if entry.rows == nil {
		entry.rows = []schema.Document{}
	}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items.Add(key, entry)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.items.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.items.Remove(key)
		}
	}
	return nil
}

// Len returns the number of stored keys, expired ones included.
func (m *MemoryBackend) Len() int {
	return m.items.Len()
}

func (m *MemoryBackend) Close() error {
	m.items.Purge()
	return nil
}
