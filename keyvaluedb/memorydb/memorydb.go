// Package memorydb is an in-memory keyvaluedb.KeyValueDB used by tests.
package memorydb

import (
	"sort"
	"sync"

	"github.com/quorumchain/validator/keyvaluedb"
)

type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty in-memory store.
func New() (*MemoryDB, error) {
	return &MemoryDB{data: make(map[string][]byte)}, nil
}

func (m *MemoryDB) Read(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, keyvaluedb.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryDB) Write(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemoryDB) Iterate(fn func(key, value []byte) (bool, error)) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for _, k := range keys {
		cont, err := fn([]byte(k), snapshot[k])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *MemoryDB) Close() error { return nil }
