package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used for tests and for devices that
// opt out of durable persistence.
type MemoryStore struct {
	mu     sync.RWMutex
	kinds  map[string]map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kinds: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, kind, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.kinds[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, kind, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.kinds[kind] == nil {
		m.kinds[kind] = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.kinds[kind][id] = cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.kinds[kind], id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, kind string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(m.kinds[kind]))
	for id, data := range m.kinds[kind] {
		cp := make([]byte, len(data))
		copy(cp, data)
		out[id] = cp
	}
	return out, nil
}

func (m *MemoryStore) ExportAll(_ context.Context) (Export, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make(Export, len(m.kinds))
	for kind, entities := range m.kinds {
		out[kind] = make(map[string][]byte, len(entities))
		for id, data := range entities {
			cp := make([]byte, len(data))
			copy(cp, data)
			out[kind][id] = cp
		}
	}
	return out, nil
}

func (m *MemoryStore) ImportAll(_ context.Context, data Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for kind, entities := range data {
		if m.kinds[kind] == nil {
			m.kinds[kind] = make(map[string][]byte, len(entities))
		}
		for id, raw := range entities {
			cp := make([]byte, len(raw))
			copy(cp, raw)
			m.kinds[kind][id] = cp
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
