package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	Entry
	expires time.Time
}

type MemStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}}
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	e := memEntry{Entry: entry}
	if opts.TTL > 0 {
		e.expires = time.Now().Add(opts.TTL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = e
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (entry Entry, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[key]
	if !ok || e.expired() {
		return entry, ErrNotFound
	}
	return e.Entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) && !e.expired() {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (e memEntry) expired() bool { return !e.expires.IsZero() && time.Now().After(e.expires) }

var _ Store = (*MemStore)(nil)
