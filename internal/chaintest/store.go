package chaintest

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/storage"
)

// ErrStoreDown is returned by a Store toggled to fail.
var ErrStoreDown = errors.New("chaintest: store unavailable")

// Store is an in-memory storage.Store whose reads and writes can be made to
// fail.
type Store struct {
	*storage.MemoryStore
	failReads  atomic.Bool
	failWrites atomic.Bool
}

func NewStore() *Store {
	return &Store{MemoryStore: storage.NewMemoryStore("")}
}

func (s *Store) FailReads(v bool)  { s.failReads.Store(v) }
func (s *Store) FailWrites(v bool) { s.failWrites.Store(v) }

func (s *Store) GetCursor(ctx context.Context, index string) (entity.Cursor, bool, error) {
	if s.failReads.Load() {
		return entity.Cursor{}, false, ErrStoreDown
	}
	return s.MemoryStore.GetCursor(ctx, index)
}

func (s *Store) SetCursor(ctx context.Context, index string, c entity.Cursor) error {
	if s.failWrites.Load() {
		return ErrStoreDown
	}
	return s.MemoryStore.SetCursor(ctx, index, c)
}

func (s *Store) GetEntities(ctx context.Context, index string) (map[string]json.RawMessage, error) {
	if s.failReads.Load() {
		return nil, ErrStoreDown
	}
	return s.MemoryStore.GetEntities(ctx, index)
}

func (s *Store) UpsertEntities(ctx context.Context, index string, entities map[string]json.RawMessage) error {
	if s.failWrites.Load() {
		return ErrStoreDown
	}
	return s.MemoryStore.UpsertEntities(ctx, index, entities)
}
