package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Store used in tests. Each Upload bumps the object's
// generation; old generations stay readable until overwritten N times is not
// simulated — only the latest generation is kept, matching what tests need.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data  []byte
	attrs ObjectAttrs
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) key(bucket, name string) string {
	return bucket + "/" + name
}

// Seed inserts an object with a fixed generation and metadata.
func (m *Memory) Seed(bucket, name string, generation int64, data []byte, metadata map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.key(bucket, name)] = memObject{
		data: data,
		attrs: ObjectAttrs{
			Bucket:     bucket,
			Name:       name,
			Generation: generation,
			Size:       int64(len(data)),
			Metadata:   metadata,
		},
	}
}

func (m *Memory) Fetch(_ context.Context, bucket, name string, generation int64) ([]byte, ObjectAttrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[m.key(bucket, name)]
	if !ok {
		return nil, ObjectAttrs{}, fmt.Errorf("%w: %s", ErrNotFound, URI(bucket, name))
	}
	if generation > 0 && obj.attrs.Generation != generation {
		return nil, ObjectAttrs{}, fmt.Errorf("%w: %s (gen %d)", ErrNotFound, URI(bucket, name), generation)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.attrs, nil
}

func (m *Memory) Upload(_ context.Context, bucket, name string, data []byte, contentType string) (ObjectAttrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := int64(1)
	if prev, ok := m.objects[m.key(bucket, name)]; ok {
		gen = prev.attrs.Generation + 1
	}
	attrs := ObjectAttrs{
		Bucket:      bucket,
		Name:        name,
		Generation:  gen,
		Size:        int64(len(data)),
		ContentType: contentType,
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[m.key(bucket, name)] = memObject{data: stored, attrs: attrs}
	return attrs, nil
}
