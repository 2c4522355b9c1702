package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/84hero/launch-indexer/pkg/entity"
)

// RedisStore keeps cursors as JSON strings and snapshots in one hash per
// index. It is the default local cache.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore initializes Redis storage
// addr: e.g., "localhost:6379"
// prefix: Key prefix (e.g., "indexer:"). Keys are prefix + "cursor:" + index
// and prefix + "entities:" + index.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "indexer:"
	}

	return &RedisStore{
		client: rdb,
		prefix: prefix,
	}, nil
}

func (r *RedisStore) cursorKey(index string) string   { return r.prefix + "cursor:" + index }
func (r *RedisStore) entitiesKey(index string) string { return r.prefix + "entities:" + index }

func (r *RedisStore) GetCursor(ctx context.Context, index string) (entity.Cursor, bool, error) {
	var c entity.Cursor
	val, err := r.client.Get(ctx, r.cursorKey(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return c, false, nil
	}
	if err != nil {
		return c, false, err
	}
	if err := json.Unmarshal(val, &c); err != nil {
		return c, false, err
	}
	return c, true, nil
}

// SetCursor is a read-compare-write; concurrent writers from other processes
// resolve last-write-wins.
func (r *RedisStore) SetCursor(ctx context.Context, index string, c entity.Cursor) error {
	prev, ok, err := r.GetCursor(ctx, index)
	if err != nil {
		return err
	}
	if ok && prev.Block > c.Block {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	// no expiration
	return r.client.Set(ctx, r.cursorKey(index), string(data), 0).Err()
}

func (r *RedisStore) GetEntities(ctx context.Context, index string) (map[string]json.RawMessage, error) {
	vals, err := r.client.HGetAll(ctx, r.entitiesKey(index)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

func (r *RedisStore) UpsertEntities(ctx context.Context, index string, entities map[string]json.RawMessage) error {
	if len(entities) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, string(entities[k]))
	}
	return r.client.HSet(ctx, r.entitiesKey(index), args...).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
