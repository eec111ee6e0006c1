package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a process-local store. Update holds the write lock for the
// whole transaction, so transactions are fully serialized.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(key)
}

func (m *Memory) get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(prefix), nil
}

func (m *Memory) list(prefix string) []Entry {
	entries := []Entry{}
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func (m *Memory) View(ctx context.Context, fn func(r Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTxn{base: m, writes: map[string][]byte{}, deletes: map[string]bool{}})
}

func (m *Memory) Update(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTxn{base: m, writes: map[string][]byte{}, deletes: map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(m.data, k)
	}
	for k, v := range tx.writes {
		m.data[k] = v
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// memoryTxn overlays staged writes on the base map
type memoryTxn struct {
	base    *Memory
	writes  map[string][]byte
	deletes map[string]bool
}

func (t *memoryTxn) Get(key string) ([]byte, error) {
	if t.deletes[key] {
		return nil, ErrNotFound
	}
	if v, ok := t.writes[key]; ok {
		return append([]byte(nil), v...), nil
	}
	return t.base.get(key)
}

func (t *memoryTxn) List(prefix string) ([]Entry, error) {
	merged := make(map[string][]byte)
	for _, e := range t.base.list(prefix) {
		merged[e.Key] = e.Value
	}
	for k, v := range t.writes {
		if strings.HasPrefix(k, prefix) {
			merged[k] = append([]byte(nil), v...)
		}
	}
	for k := range t.deletes {
		delete(merged, k)
	}
	entries := make([]Entry, 0, len(merged))
	for k, v := range merged {
		entries = append(entries, Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (t *memoryTxn) Set(key string, value []byte) error {
	delete(t.deletes, key)
	t.writes[key] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTxn) Delete(key string) error {
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}
