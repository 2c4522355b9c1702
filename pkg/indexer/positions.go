package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/84hero/launch-indexer/pkg/decoder"
	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/metrics"
	"github.com/84hero/launch-indexer/pkg/reconcile"
	"github.com/84hero/launch-indexer/pkg/recovery"
	"github.com/84hero/launch-indexer/pkg/sink"
	"github.com/84hero/launch-indexer/pkg/storage"
)

// PositionIndex is the store index of the positions of one owner.
func PositionIndex(chainID uint64, owner common.Address) string {
	return fmt.Sprintf("positions:%d:%s", chainID, strings.ToLower(owner.Hex()))
}

// PositionResult is the outcome of one position sync.
type PositionResult struct {
	PassID string
	Owner  common.Address
	// Positions is the canonical set of the owner ordered by token ID.
	Positions []entity.Position
	Path      recovery.Path
	Head      uint64
	Changes   []sink.Change
	Warnings  []error
}

// PositionIndexer maintains the position snapshots of individual owners.
type PositionIndexer struct {
	chainID   uint64
	recoverer *recovery.Recoverer
	hydrator  *decoder.Hydrator
	local     storage.Store
	remote    storage.Store
	locks     *keyedMutex
	now       func() time.Time
	newID     func() string
}

// NewPositionIndexer creates a position indexer. remote may be nil.
func NewPositionIndexer(chainID uint64, recoverer *recovery.Recoverer, hydrator *decoder.Hydrator, local, remote storage.Store) *PositionIndexer {
	return &PositionIndexer{
		chainID:   chainID,
		recoverer: recoverer,
		hydrator:  hydrator,
		local:     local,
		remote:    remote,
		locks:     newKeyedMutex(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Sync recovers the tokens owner holds, hydrates them and commits the
// merged snapshots. Positions the owner no longer holds stay in the set and
// have their live fields refreshed while they are active.
func (pi *PositionIndexer) Sync(ctx context.Context, owner common.Address) (*PositionResult, error) {
	index := PositionIndex(pi.chainID, owner)
	unlock := pi.locks.lock(index)
	defer unlock()

	started := pi.now()
	res, err := pi.sync(ctx, index, owner)
	outcome := passOutcome(err, false)
	metrics.PassDuration.WithLabelValues(pi.metricsIndex(), outcome).Observe(pi.now().Sub(started).Seconds())
	if err != nil {
		log.Error("Position sync failed", "owner", owner, "err", err)
		return nil, err
	}
	return res, nil
}

func (pi *PositionIndexer) metricsIndex() string {
	return fmt.Sprintf("positions:%d", pi.chainID)
}

func (pi *PositionIndexer) sync(ctx context.Context, index string, owner common.Address) (*PositionResult, error) {
	rec, err := pi.recoverer.Recover(ctx, owner)
	if err != nil {
		return nil, err
	}
	res := &PositionResult{
		PassID:   pi.newID(),
		Owner:    owner,
		Path:     rec.Path,
		Head:     rec.Head,
		Warnings: rec.Warnings,
	}

	local, remote, warnings, err := reconcile.Snapshots[entity.Position](ctx, pi.local, pi.remote, index)
	if err != nil {
		return nil, err
	}
	res.Warnings = append(res.Warnings, warnings...)
	prior := reconcile.Reconcile(local, remote, nil).Values()

	// a token whose read fails is retried next sync from the owned index
	fresh := make(map[string]entity.Position, len(rec.TokenIDs))
	for _, r := range pi.hydrator.HydratePositions(ctx, owner, rec.TokenIDs) {
		if r.Err != nil {
			res.Warnings = append(res.Warnings, r.Err)
			continue
		}
		fresh[r.Position.Key()] = r.Position
	}

	canonical := reconcile.Reconcile(local, remote, fresh).Values()
	var refresh []string
	for key, p := range canonical {
		if _, ok := fresh[key]; !ok && p.Live() {
			refresh = append(refresh, key)
		}
	}
	canonical, refreshWarnings := reconcile.RefreshLive(ctx, canonical, refresh, pi.hydrator.Chunk(),
		func(ctx context.Context, p entity.Position) (entity.Position, error) {
			return pi.hydrator.HydratePosition(ctx, p.Owner, p.TokenID)
		})
	res.Warnings = append(res.Warnings, refreshWarnings...)

	res.Positions = reconcile.Sorted(canonical, byTokenID)
	cursor := entity.Cursor{Block: rec.Head, UpdatedAt: pi.now()}
	commitWarnings, err := reconcile.Commit(ctx, pi.local, pi.remote, index, res.Positions, &cursor)
	if err != nil {
		return nil, err
	}
	res.Warnings = append(res.Warnings, commitWarnings...)

	res.Changes, err = diff("position", res.PassID, sink.Closed,
		func(entity.Position) uint64 { return rec.Head }, prior, canonical)
	if err != nil {
		return nil, fmt.Errorf("diff positions: %w", err)
	}

	log.Info("Positions synced", "owner", owner, "path", rec.Path, "held", len(rec.TokenIDs),
		"positions", len(res.Positions), "changes", len(res.Changes), "warnings", len(res.Warnings))
	return res, nil
}

func byTokenID(a, b entity.Position) int {
	return a.TokenID.Cmp(b.TokenID)
}
