// Package indexer runs reconciliation passes: it scans new blocks, decodes
// and hydrates the events, merges them with the stored snapshots and commits
// the canonical set together with the scan cursor.
package indexer

import (
	"cmp"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/sink"
)

// Config controls where passes start and how much they read at once.
type Config struct {
	ChainID uint64

	// StartBlock is used when no cursor exists, or always on the first pass
	// when ForceStart is set.
	StartBlock uint64
	ForceStart bool
	// StartRewind starts that many blocks behind the head when neither a
	// cursor nor StartBlock is available. 0 starts at genesis.
	StartRewind uint64
	// CursorRewind re-scans that many blocks before a saved cursor.
	CursorRewind  uint64
	Confirmations uint64

	BatchSize uint64
	MaxRange  uint64
	UseBloom  bool

	// CacheStaleness is how long a local snapshot is served without a pass.
	CacheStaleness time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	return c
}

// keyedMutex serializes passes per index key.
type keyedMutex struct {
	locks *xsync.Map[string, *sync.Mutex]
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: xsync.NewMap[string, *sync.Mutex]()}
}

func (k *keyedMutex) lock(key string) func() {
	mu, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// startBlock picks the first block of a pass. forced reports whether the
// forced start was already consumed by an earlier pass. Without a cursor the
// pass starts at StartBlock, or StartRewind blocks behind the head when only
// that is set, or at genesis.
func (c Config) startBlock(cursor entity.Cursor, hasCursor, forced bool, head uint64) uint64 {
	if c.ForceStart && !forced {
		log.Info("Start strategy: Force Start", "block", c.StartBlock)
		return c.StartBlock
	}
	if hasCursor {
		start := cursor.Block + 1
		if c.CursorRewind > 0 {
			if start > c.CursorRewind {
				start -= c.CursorRewind
			} else {
				start = 0
			}
			log.Debug("Start strategy: Resume with safety rewind", "saved", cursor.Block, "rewind", c.CursorRewind, "start", start)
		}
		return start
	}
	if c.StartBlock == 0 && c.StartRewind > 0 {
		start := uint64(0)
		if head > c.StartRewind {
			start = head - c.StartRewind
		}
		log.Info("Start strategy: Rewind from Head", "head", head, "rewind", c.StartRewind, "start", start)
		return start
	}
	log.Info("Start strategy: Config StartBlock", "block", c.StartBlock)
	return c.StartBlock
}

// liveEntity is a keyed record with a terminal state.
type liveEntity interface {
	entity.Keyed
	Live() bool
}

// diff turns the difference between two canonical sets into change records.
// A new key is created; a live entity that stopped being live gets the
// terminal type; any other byte-level difference is an update.
func diff[T liveEntity](kind, passID string, terminal sink.ChangeType, block func(T) uint64, prior, next map[string]T) ([]sink.Change, error) {
	var out []sink.Change
	for key, n := range next {
		data, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		change := sink.Change{Kind: kind, Key: key, Block: block(n), PassID: passID, Entity: data}

		p, known := prior[key]
		switch {
		case !known:
			change.Type = sink.Created
		case p.Live() && !n.Live():
			change.Type = terminal
		default:
			before, err := json.Marshal(p)
			if err != nil {
				return nil, err
			}
			if string(before) == string(data) {
				continue
			}
			change.Type = sink.Updated
		}
		out = append(out, change)
	}
	slices.SortFunc(out, func(a, b sink.Change) int { return cmp.Compare(a.Key, b.Key) })
	return out, nil
}

func statusCounts[T liveEntity](m map[string]T) (live, done int) {
	for _, v := range m {
		if v.Live() {
			live++
		} else {
			done++
		}
	}
	return live, done
}

func passOutcome(err error, partial bool) string {
	switch {
	case err != nil && partial:
		return "partial"
	case err != nil:
		return "error"
	default:
		return "ok"
	}
}
