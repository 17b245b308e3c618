package grid

import (
	"context"
	"sync"
)

// Memory is an in-process Grid used by tests and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]map[string][]byte
	indexes map[string]map[string]struct{}
	refs    map[string]map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]map[string][]byte),
		indexes: make(map[string]map[string]struct{}),
		refs:    make(map[string]map[string]string),
	}
}

func (m *Memory) Keys(ctx context.Context, collection string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.docs[collection]))
	for k := range m.docs[collection] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) GetAll(ctx context.Context, collection string, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if doc, ok := m.docs[collection][k]; ok {
			out[k] = doc
		}
	}
	return out, nil
}

func (m *Memory) Query(ctx context.Context, collection, field string, values []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var keys []string
	for _, v := range values {
		for k := range m.indexes[indexKey(collection, field, v)] {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Put(ctx context.Context, collection, key string, doc []byte, index map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unindex(collection, key)
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
	}
	m.docs[collection][key] = append([]byte(nil), doc...)

	ref := make(map[string]string, len(index))
	for field, value := range index {
		ik := indexKey(collection, field, value)
		if m.indexes[ik] == nil {
			m.indexes[ik] = make(map[string]struct{})
		}
		m.indexes[ik][key] = struct{}{}
		ref[field] = value
	}
	m.refs[backrefKey(collection, key)] = ref
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unindex(collection, key)
	delete(m.docs[collection], key)
	return nil
}

func (m *Memory) unindex(collection, key string) {
	ref := backrefKey(collection, key)
	for field, value := range m.refs[ref] {
		delete(m.indexes[indexKey(collection, field, value)], key)
	}
	delete(m.refs, ref)
}
