package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Backend. It backs the shared-cache tier in
// single-node deployments and every tier in tests. Entries optionally
// expire after a TTL, mirroring shared-cache semantics.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	values map[string]memoryValue
	hashes map[string]map[string][]byte
}

type memoryValue struct {
	data    []byte
	written time.Time
}

// NewMemory returns a Memory backend. ttl <= 0 disables expiry.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:    ttl,
		now:    time.Now,
		values: make(map[string]memoryValue),
		hashes: make(map[string]map[string][]byte),
	}
}

// SetClock overrides the time source (tests).
func (m *Memory) SetClock(fn func() time.Time) {
	if fn != nil {
		m.now = fn
	}
}

func memKey(tenant, key string) string { return tenant + "\x00" + key }

func (m *Memory) Get(_ context.Context, tenant, key string) ([]byte, error) {
	m.mu.RLock()
	v, ok := m.values[memKey(tenant, key)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if m.ttl > 0 && m.now().Sub(v.written) > m.ttl {
		m.mu.Lock()
		delete(m.values, memKey(tenant, key))
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

func (m *Memory) Put(_ context.Context, tenant, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.values[memKey(tenant, key)] = memoryValue{data: cp, written: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetField(_ context.Context, tenant, key, field string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.hashes[memKey(tenant, key)]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := fields[field]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) PutField(_ context.Context, tenant, key, field string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(tenant, key)
	if m.hashes[k] == nil {
		m.hashes[k] = make(map[string][]byte)
	}
	m.hashes[k][field] = cp
	return nil
}

func (m *Memory) Fields(_ context.Context, tenant, key string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.hashes[memKey(tenant, key)]
	if !ok {
		return map[string][]byte{}, nil
	}
	out := make(map[string][]byte, len(fields))
	for f, v := range fields {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[f] = cp
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, tenant, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(tenant, key)
	_, hadValue := m.values[k]
	_, hadHash := m.hashes[k]
	delete(m.values, k)
	delete(m.hashes, k)
	if !hadValue && !hadHash {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, tenant, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	full := memKey(tenant, prefix)
	for k := range m.values {
		if strings.HasPrefix(k, full) {
			out = append(out, strings.TrimPrefix(k, tenant+"\x00"))
		}
	}
	sort.Strings(out)
	return out, nil
}
