package reconcile

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/metrics"
	"github.com/84hero/launch-indexer/pkg/storage"
)

// StoreWriteError reports a failed write to the remote store. The pass
// still succeeds with local-only durability.
type StoreWriteError struct {
	Store string
	Index string
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("write %s store (%s): %v", e.Store, e.Index, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// Commit persists entities and then the cursor, first to local and then to
// remote. A nil cursor leaves the stored cursor untouched; a nil remote is
// skipped. A local failure is returned as the error and nothing is written
// remotely. A remote failure is returned as a warning.
func Commit[T entity.Keyed](ctx context.Context, local, remote storage.Store, index string,
	entities []T, cursor *entity.Cursor) ([]error, error) {

	if err := write(ctx, local, index, entities, cursor); err != nil {
		metrics.StoreWriteFailures.WithLabelValues("local").Inc()
		return nil, fmt.Errorf("commit %s: %w", index, err)
	}
	if remote == nil {
		return nil, nil
	}
	if err := write(ctx, remote, index, entities, cursor); err != nil {
		metrics.StoreWriteFailures.WithLabelValues("remote").Inc()
		log.Warn("Remote store write failed, keeping local copy", "index", index, "err", err)
		return []error{&StoreWriteError{Store: "remote", Index: index, Err: err}}, nil
	}
	return nil, nil
}

func write[T entity.Keyed](ctx context.Context, s storage.Store, index string, entities []T, cursor *entity.Cursor) error {
	if err := storage.Save(ctx, s, index, entities); err != nil {
		return err
	}
	if cursor == nil {
		return nil
	}
	return s.SetCursor(ctx, index, *cursor)
}

// LoadCursor returns the furthest cursor of local and remote. A single
// unreadable store is a warning; if both fail the local error is returned.
func LoadCursor(ctx context.Context, local, remote storage.Store, index string) (entity.Cursor, bool, []error, error) {
	c, ok, lerr := local.GetCursor(ctx, index)
	if remote == nil {
		if lerr != nil {
			return c, false, nil, fmt.Errorf("load local cursor %s: %w", index, lerr)
		}
		return c, ok, nil, nil
	}
	rc, rok, rerr := remote.GetCursor(ctx, index)
	switch {
	case lerr != nil && rerr != nil:
		return c, false, nil, fmt.Errorf("load cursor %s: no store reachable: %w", index, lerr)
	case lerr != nil:
		return rc, rok, []error{&StoreReadError{Store: "local", Index: index, Err: lerr}}, nil
	case rerr != nil:
		return c, ok, []error{&StoreReadError{Store: "remote", Index: index, Err: rerr}}, nil
	}
	if rok && (!ok || rc.Block > c.Block) {
		return rc, true, nil, nil
	}
	return c, ok, nil, nil
}

// StoreReadError reports an unreadable remote store. The pass continues
// from the local copy.
type StoreReadError struct {
	Store string
	Index string
	Err   error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("read %s store (%s): %v", e.Store, e.Index, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

// Snapshots loads local and remote snapshots of index. A failing remote is a
// warning; if both fail the local error is returned.
func Snapshots[T any](ctx context.Context, local, remote storage.Store, index string) (map[string]T, map[string]T, []error, error) {
	l, lerr := storage.Load[T](ctx, local, index)
	if remote == nil {
		if lerr != nil {
			return nil, nil, nil, fmt.Errorf("load local %s: %w", index, lerr)
		}
		return l, nil, nil, nil
	}
	r, rerr := storage.Load[T](ctx, remote, index)
	switch {
	case lerr != nil && rerr != nil:
		return nil, nil, nil, fmt.Errorf("load %s: no store reachable: %w", index, lerr)
	case lerr != nil:
		log.Warn("Local store unreadable, using remote", "index", index, "err", lerr)
		return nil, r, []error{&StoreReadError{Store: "local", Index: index, Err: lerr}}, nil
	case rerr != nil:
		log.Warn("Remote store unreadable, using local", "index", index, "err", rerr)
		return l, nil, []error{&StoreReadError{Store: "remote", Index: index, Err: rerr}}, nil
	}
	return l, r, nil, nil
}
