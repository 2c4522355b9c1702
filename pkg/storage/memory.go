package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/84hero/launch-indexer/pkg/entity"
)

// MemoryStore keeps everything in process memory. Data is lost on restart,
// so it only serves as a local cache or in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	prefix   string
	cursors  map[string]entity.Cursor
	entities map[string]map[string]json.RawMessage
}

// NewMemoryStore initializes a new in-memory store.
func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		prefix:   prefix,
		cursors:  make(map[string]entity.Cursor),
		entities: make(map[string]map[string]json.RawMessage),
	}
}

func (m *MemoryStore) GetCursor(_ context.Context, index string) (entity.Cursor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[m.prefix+index]
	return c, ok, nil
}

func (m *MemoryStore) SetCursor(_ context.Context, index string, c entity.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.cursors[m.prefix+index]; ok && prev.Block > c.Block {
		return nil
	}
	m.cursors[m.prefix+index] = c
	return nil
}

func (m *MemoryStore) GetEntities(_ context.Context, index string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.entities[m.prefix+index]))
	for k, v := range m.entities[m.prefix+index] {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

func (m *MemoryStore) UpsertEntities(_ context.Context, index string, entities map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.entities[m.prefix+index]
	if !ok {
		bucket = make(map[string]json.RawMessage, len(entities))
		m.entities[m.prefix+index] = bucket
	}
	for k, v := range entities {
		bucket[k] = append(json.RawMessage(nil), v...)
	}
	return nil
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}
