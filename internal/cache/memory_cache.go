package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryCache implements Backend in process memory
type MemoryCache struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]byte
}

// NewMemory creates an empty in-memory backend
func NewMemory() *MemoryCache {
	return &MemoryCache{partitions: make(map[string]map[string][]byte)}
}

func (m *MemoryCache) Open(_ context.Context, name string) (Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[name]; !ok {
		m.partitions[name] = make(map[string][]byte)
	}
	return &memoryPartition{name: name, backend: m}, nil
}

func (m *MemoryCache) Lookup(_ context.Context, name string) (Partition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.partitions[name]; !ok {
		return nil, false, nil
	}
	return &memoryPartition{name: name, backend: m}, true, nil
}

func (m *MemoryCache) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryCache) Drop(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.partitions, name)
	return nil
}

func (m *MemoryCache) Close() error {
	return nil
}

type memoryPartition struct {
	name    string
	backend *MemoryCache
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Get(_ context.Context, key string) ([]byte, error) {
	p.backend.mu.RLock()
	defer p.backend.mu.RUnlock()
	entries, ok := p.backend.partitions[p.name]
	if !ok {
		return nil, nil
	}
	v, ok := entries[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (p *memoryPartition) Put(_ context.Context, key string, value []byte) error {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	entries, ok := p.backend.partitions[p.name]
	if !ok {
		// the partition was dropped while a handle was held; recreate it like the other backends do
		entries = make(map[string][]byte)
		p.backend.partitions[p.name] = entries
	}
	entries[key] = append([]byte(nil), value...)
	return nil
}

func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p.backend.mu.RLock()
	defer p.backend.mu.RUnlock()
	entries := p.backend.partitions[p.name]
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *memoryPartition) Delete(_ context.Context, key string) error {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	if entries, ok := p.backend.partitions[p.name]; ok {
		delete(entries, key)
	}
	return nil
}
