package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/84hero/launch-indexer/pkg/entity"
)

// Store persists entity snapshots and the scan cursor of each index.
// index identifies one logical collection, e.g. "launches:8453".
type Store interface {
	// GetCursor returns the cursor of index; ok is false when none was saved.
	GetCursor(ctx context.Context, index string) (c entity.Cursor, ok bool, err error)

	// SetCursor saves the cursor. A cursor lower than the stored one is ignored.
	SetCursor(ctx context.Context, index string, c entity.Cursor) error

	// GetEntities returns every snapshot of index by entity key.
	GetEntities(ctx context.Context, index string) (map[string]json.RawMessage, error)

	// UpsertEntities inserts or replaces snapshots by entity key.
	UpsertEntities(ctx context.Context, index string, entities map[string]json.RawMessage) error

	Close() error
}

// Load reads the snapshots of index and decodes them into T.
func Load[T any](ctx context.Context, s Store, index string) (map[string]T, error) {
	raw, err := s.GetEntities(ctx, index)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for key, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", index, key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Save encodes entities and upserts them under their natural keys.
func Save[T entity.Keyed](ctx context.Context, s Store, index string, entities []T) error {
	if len(entities) == 0 {
		return nil
	}
	raw := make(map[string]json.RawMessage, len(entities))
	for _, e := range entities {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", index, e.Key(), err)
		}
		raw[e.Key()] = data
	}
	return s.UpsertEntities(ctx, index, raw)
}
