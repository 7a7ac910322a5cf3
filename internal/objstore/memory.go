package objstore

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// MemoryStore keeps objects in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

// memObject marks whether a key was written by Put. Immutable objects are
// never swapped.
type memObject struct {
	Object
	immutable bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return eris.Wrapf(ErrExists, "put %s", key)
	}
	m.objects[key] = memObject{Object: Object{Data: slices.Clone(data), Version: 1}, immutable: true}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.GetVersioned(ctx, key)
	if err != nil {
		return nil, err
	}
	return obj.Data, nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// GetVersioned implements Store.
func (m *MemoryStore) GetVersioned(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "get %s", key)
	}
	return &Object{Data: slices.Clone(obj.Data), Version: obj.Version}, nil
}

// CompareAndSwap implements Store.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := NoVersion
	if obj, ok := m.objects[key]; ok {
		if obj.immutable {
			return 0, eris.Wrapf(ErrVersionConflict, "cas %s: key holds an immutable object", key)
		}
		current = obj.Version
	}
	if current != expected {
		return 0, eris.Wrapf(ErrVersionConflict, "cas %s: stored %d, expected %d", key, current, expected)
	}
	next := current + 1
	m.objects[key] = memObject{Object: Object{Data: slices.Clone(data), Version: next}}
	return next, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
