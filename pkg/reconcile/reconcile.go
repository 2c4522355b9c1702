// Package reconcile merges entity snapshots from the local cache, the remote
// store and a fresh scan into one canonical set, refreshes live fields and
// persists the result.
package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/workpool"
)

// Source is where a canonical snapshot came from.
type Source int

const (
	LocalCache Source = iota
	RemoteStore
	FreshScan
)

func (s Source) String() string {
	switch s {
	case LocalCache:
		return "local"
	case RemoteStore:
		return "remote"
	case FreshScan:
		return "fresh"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Tagged is a snapshot together with its origin.
type Tagged[T any] struct {
	Value  T
	Source Source
}

// Set is a canonical entity set keyed by natural identity.
type Set[T any] map[string]Tagged[T]

// Reconcile overlays remote on local and fresh on the result, key by key.
// Later sources always win; no timestamps are compared.
func Reconcile[T any](local, remote, fresh map[string]T) Set[T] {
	out := make(Set[T], len(local)+len(remote)+len(fresh))
	for _, layer := range []struct {
		src Source
		m   map[string]T
	}{
		{LocalCache, local},
		{RemoteStore, remote},
		{FreshScan, fresh},
	} {
		for k, v := range layer.m {
			out[k] = Tagged[T]{Value: v, Source: layer.src}
		}
	}
	return out
}

// Values returns the snapshots without their origin.
func (s Set[T]) Values() map[string]T {
	out := make(map[string]T, len(s))
	for k, t := range s {
		out[k] = t.Value
	}
	return out
}

// Count returns the number of snapshots from src.
func (s Set[T]) Count(src Source) int {
	n := 0
	for _, t := range s {
		if t.Source == src {
			n++
		}
	}
	return n
}

// RefreshError reports a failed live refresh. The entity keeps its
// previous snapshot.
type RefreshError struct {
	Key string
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.Key, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// RefreshLive re-reads the live fields of the entities under keys with at
// most chunk reads in flight. It returns a new map; canonical is not
// modified. Failed refreshes keep the previous snapshot and are returned as
// warnings in key order.
func RefreshLive[T any](ctx context.Context, canonical map[string]T, keys []string, chunk int,
	refresh func(ctx context.Context, v T) (T, error)) (map[string]T, []error) {

	out := make(map[string]T, len(canonical))
	for k, v := range canonical {
		out[k] = v
	}

	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	keys = slices.DeleteFunc(keys, func(k string) bool {
		_, ok := canonical[k]
		return !ok
	})

	updated := make([]T, len(keys))
	errs := make([]error, len(keys))
	for i := range errs {
		errs[i] = context.Canceled
	}
	_ = workpool.Run(ctx, len(keys), chunk, func(ctx context.Context, i int) {
		updated[i], errs[i] = refresh(ctx, canonical[keys[i]])
	})

	var warnings []error
	for i, k := range keys {
		if errs[i] != nil {
			warnings = append(warnings, &RefreshError{Key: k, Err: errs[i]})
			continue
		}
		out[k] = updated[i]
	}
	if len(warnings) > 0 {
		log.Warn("Live refresh incomplete", "failed", len(warnings), "total", len(keys))
	}
	return out, warnings
}

// Sorted returns the values of m ordered by compare, ties broken by key.
func Sorted[T any](m map[string]T, compare func(a, b T) int) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if c := compare(m[a], m[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

// NewestFirst orders launches by creation timestamp, most recent first.
func NewestFirst(a, b entity.Launch) int {
	if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.CreatedBlock, a.CreatedBlock)
}
