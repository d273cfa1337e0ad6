package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryKV is a map-backed Storage for tests and single-process development.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Close() error { return nil }

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = clone(value)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryKV) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	m.mu.RLock()
	res := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			res = append(res, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(res)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryKV) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := DecodeCounter(m.data[key]) + delta
	m.data[key] = EncodeCounter(cur)
	return cur, nil
}

func (m *MemoryKV) Write(ctx context.Context, puts map[string][]byte, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range puts {
		m.data[k] = clone(v)
	}
	for _, k := range deletes {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryKV) Export(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = clone(v)
		}
	}
	return out, nil
}

func (m *MemoryKV) Replace(ctx context.Context, entries map[string][]byte) error {
	data := make(map[string][]byte, len(entries))
	for k, v := range entries {
		data[k] = clone(v)
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }
