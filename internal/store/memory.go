package store

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps encoded records in a map. Values are copied in and out so
// callers never share buffers with the store.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) GetItem(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	buf, ok := m.items[id]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return Decode(buf)
}

func (m *Memory) SetItem(_ context.Context, id string, rec Record) error {
	buf, err := Encode(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[id] = buf
	m.mu.Unlock()
	return nil
}

// SetRaw stores bytes as-is, which lets tests plant corrupt records.
func (m *Memory) SetRaw(id string, buf []byte) {
	m.mu.Lock()
	m.items[id] = append([]byte(nil), buf...)
	m.mu.Unlock()
}

func (m *Memory) Iterate(ctx context.Context, fn func(Record) error) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		rec, err := m.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
