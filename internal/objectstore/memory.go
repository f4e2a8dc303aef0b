package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// object is a stored blob plus its content type.
type object struct {
	data        []byte
	contentType string
}

// MemoryStore is an in-process Store, used by tests and by local
// single-process development setups in place of S3.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]object)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) PutJSON(ctx context.Context, key string, v any) error {
	payload, err := marshalJSON(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return m.PutBytes(ctx, key, "application/json", payload)
}

func (m *MemoryStore) GetJSON(ctx context.Context, key string, v any) error {
	payload, err := m.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	return unmarshalJSON(payload, v)
}

func (m *MemoryStore) PutBytes(ctx context.Context, key string, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = object{data: cp, contentType: contentType}
	return nil
}

func (m *MemoryStore) GetBytes(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("objectstore: key %q not found", key)
	}
	return obj.data, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}
