package storage

import (
	"context"
	"sync"

	"github.com/jacktea/selfenc/pkg/xorname"
)

// MemoryStore keeps chunks in a map. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[xorname.XorName][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[xorname.XorName][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, addr xorname.XorName, data []byte) error {
	m.mu.Lock()
	m.data[addr] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[addr]
	if !ok {
		return nil, notFound("MemoryStore.Get", addr, nil)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
	out := make([][]byte, len(addrs))
	for i, addr := range addrs {
		data, err := m.Get(ctx, addr)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (m *MemoryStore) Exists(ctx context.Context, addr xorname.XorName) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[addr]
	return ok, nil
}

// Delete removes addr if present.
func (m *MemoryStore) Delete(ctx context.Context, addr xorname.XorName) error {
	m.mu.Lock()
	delete(m.data, addr)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored chunks.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Addresses returns every stored address in no particular order.
func (m *MemoryStore) Addresses() []xorname.XorName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]xorname.XorName, 0, len(m.data))
	for addr := range m.data {
		out = append(out, addr)
	}
	return out
}

// Walk calls fn for a snapshot of the stored addresses.
func (m *MemoryStore) Walk(ctx context.Context, fn func(addr xorname.XorName) error) error {
	for _, addr := range m.Addresses() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(addr); err != nil {
			return err
		}
	}
	return nil
}
