package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/84hero/launch-indexer/pkg/contract"
	"github.com/84hero/launch-indexer/pkg/decoder"
	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/metrics"
	"github.com/84hero/launch-indexer/pkg/reconcile"
	"github.com/84hero/launch-indexer/pkg/rpc"
	"github.com/84hero/launch-indexer/pkg/scanner"
	"github.com/84hero/launch-indexer/pkg/sink"
	"github.com/84hero/launch-indexer/pkg/storage"
)

// LaunchIndex is the store index of the launch set of a chain.
func LaunchIndex(chainID uint64) string {
	return fmt.Sprintf("launches:%d", chainID)
}

// LaunchResult is the outcome of one launch pass.
type LaunchResult struct {
	PassID string
	// Launches is the canonical set, newest first.
	Launches []entity.Launch
	// Cursor is the stored cursor after the pass; HasCursor is false while
	// nothing was ever committed.
	Cursor    entity.Cursor
	HasCursor bool
	// Scanned is the range covered by this pass. Empty when the chain has
	// not advanced past the cursor.
	Scanned  *scanner.Window
	Changes  []sink.Change
	Warnings []error
}

// LaunchIndexer maintains the canonical launch set of one launchpad.
type LaunchIndexer struct {
	cfg      Config
	index    string
	client   rpc.Client
	scanner  *scanner.Scanner
	decoder  *decoder.Decoder
	hydrator *decoder.Hydrator
	local    storage.Store
	remote   storage.Store
	locks    *keyedMutex

	// forced is set once the forced start block has been used.
	forced atomic.Bool
	now    func() time.Time
	newID  func() string
}

// NewLaunchIndexer creates a launch indexer. remote may be nil.
func NewLaunchIndexer(client rpc.Client, launchpad common.Address, hydrator *decoder.Hydrator, local, remote storage.Store, cfg Config) *LaunchIndexer {
	cfg = cfg.withDefaults()
	index := LaunchIndex(cfg.ChainID)
	filter := scanner.NewFilter(launchpad).SetTopic(0, contract.LaunchCreatedTopic)
	sc := scanner.New(client, filter, scanner.Config{
		MaxRange: cfg.MaxRange,
		UseBloom: cfg.UseBloom,
		Index:    index,
	})
	return &LaunchIndexer{
		cfg:      cfg,
		index:    index,
		client:   client,
		scanner:  sc,
		decoder:  decoder.New(launchpad, common.Address{}),
		hydrator: hydrator,
		local:    local,
		remote:   remote,
		locks:    newKeyedMutex(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Index returns the store index the indexer writes to.
func (li *LaunchIndexer) Index() string {
	return li.index
}

// pass carries the state of one Pass call.
type pass struct {
	res      *LaunchResult
	prior    map[string]entity.Launch
	local    map[string]entity.Launch
	remote   map[string]entity.Launch
	cursor   entity.Cursor
	hasCur   bool
	target   uint64
	started  time.Time
	progress bool
}

// Pass scans the blocks after the cursor, merges what it finds with the
// stored snapshots and commits the canonical set.
//
// If the head cannot be read, the stored set is returned with the error.
// If a scan window fails, the completed windows are still merged and
// committed with the cursor at the last good block, and the
// *scanner.WindowError is returned together with the result.
func (li *LaunchIndexer) Pass(ctx context.Context) (*LaunchResult, error) {
	unlock := li.locks.lock(li.index)
	defer unlock()

	p := &pass{
		res:     &LaunchResult{PassID: li.newID()},
		started: li.now(),
	}
	res, err := li.run(ctx, p)
	outcome := passOutcome(err, p.progress)
	metrics.PassDuration.WithLabelValues(li.index, outcome).Observe(li.now().Sub(p.started).Seconds())
	if err != nil {
		log.Error("Launch pass failed", "index", li.index, "pass", p.res.PassID, "outcome", outcome, "err", err)
	}
	return res, err
}

func (li *LaunchIndexer) run(ctx context.Context, p *pass) (*LaunchResult, error) {
	if err := li.load(ctx, p); err != nil {
		return nil, err
	}

	head, err := li.client.BlockNumber(ctx)
	if err != nil {
		p.res.Launches = reconcile.Sorted(p.prior, reconcile.NewestFirst)
		return p.res, fmt.Errorf("read head: %w", err)
	}
	if head < li.cfg.Confirmations {
		p.res.Launches = reconcile.Sorted(p.prior, reconcile.NewestFirst)
		return p.res, nil
	}
	p.target = head - li.cfg.Confirmations

	from := li.cfg.startBlock(p.cursor, p.hasCur, li.forced.Swap(true), head)
	var (
		logs    []types.Log
		scanErr error
		commit  *entity.Cursor
	)
	if from <= p.target {
		p.res.Scanned = &scanner.Window{From: from, To: p.target}
		sess := li.scanner.Scan(ctx, from, p.target, li.cfg.BatchSize)
		logs, scanErr = sess.Collect()

		var werr *scanner.WindowError
		switch {
		case scanErr == nil:
			commit = li.advance(p, p.target)
		case errors.As(scanErr, &werr):
			if last, ok := sess.LastCompleted(); ok {
				p.progress = true
				commit = li.advance(p, last)
			}
		default:
			return nil, scanErr
		}
	} else if p.hasCur {
		// caught up; only the timestamp moves
		commit = li.advance(p, p.target)
	}

	events, decodeWarnings := li.decoder.DecodeAll(logs)
	p.res.Warnings = append(p.res.Warnings, decodeWarnings...)

	supply := li.hydrator.NewSupplyCache()
	fresh, hydrated := li.hydrate(ctx, p, decoder.Launches(events), supply)

	canonical := reconcile.Reconcile(p.local, p.remote, fresh).Values()
	var refresh []string
	for key, l := range canonical {
		if l.Live() && l.Hydrated && !hydrated[key] {
			refresh = append(refresh, key)
		}
	}
	canonical, refreshWarnings := reconcile.RefreshLive(ctx, canonical, refresh, li.hydrator.Chunk(),
		func(ctx context.Context, l entity.Launch) (entity.Launch, error) {
			return li.hydrator.RefreshLaunch(ctx, l, supply)
		})
	p.res.Warnings = append(p.res.Warnings, refreshWarnings...)

	sorted := reconcile.Sorted(canonical, reconcile.NewestFirst)
	commitWarnings, err := reconcile.Commit(ctx, li.local, li.remote, li.index, sorted, commit)
	if err != nil {
		return nil, err
	}
	p.res.Warnings = append(p.res.Warnings, commitWarnings...)
	p.res.Launches = sorted
	if commit != nil {
		p.res.Cursor, p.res.HasCursor = *commit, true
		metrics.CursorBlock.WithLabelValues(li.index).Set(float64(commit.Block))
	}

	changes, err := diff("launch", p.res.PassID, sink.Completed, li.changeBlock(p), p.prior, canonical)
	if err != nil {
		return nil, fmt.Errorf("diff launches: %w", err)
	}
	p.res.Changes = changes

	active, completed := statusCounts(canonical)
	metrics.Entities.WithLabelValues(li.index, string(entity.LaunchActive)).Set(float64(active))
	metrics.Entities.WithLabelValues(li.index, string(entity.LaunchCompleted)).Set(float64(completed))
	log.Info("Launch pass complete", "index", li.index, "pass", p.res.PassID,
		"scanned", p.res.Scanned, "events", len(events), "launches", len(sorted),
		"changes", len(changes), "warnings", len(p.res.Warnings))

	return p.res, scanErr
}

// load reads the cursor and both snapshots. Only losing both stores is fatal.
func (li *LaunchIndexer) load(ctx context.Context, p *pass) error {
	cursor, ok, warnings, err := reconcile.LoadCursor(ctx, li.local, li.remote, li.index)
	if err != nil {
		return err
	}
	p.cursor, p.hasCur = cursor, ok
	p.res.Cursor, p.res.HasCursor = cursor, ok
	p.res.Warnings = append(p.res.Warnings, warnings...)

	local, remote, warnings, err := reconcile.Snapshots[entity.Launch](ctx, li.local, li.remote, li.index)
	if err != nil {
		return err
	}
	p.local, p.remote = local, remote
	p.prior = reconcile.Reconcile(local, remote, nil).Values()
	p.res.Warnings = append(p.res.Warnings, warnings...)
	return nil
}

func (li *LaunchIndexer) advance(p *pass, block uint64) *entity.Cursor {
	c := p.cursor.Advance(block, li.now())
	return &c
}

// hydrate hydrates the launches created in the scanned range together with
// the stored stubs. A launch seen for the first time is kept as a stub when
// its reads fail; a known launch keeps its stored snapshot.
func (li *LaunchIndexer) hydrate(ctx context.Context, p *pass, created []decoder.LaunchCreated,
	supply *decoder.SupplyCache) (map[string]entity.Launch, map[string]bool) {

	seen := make(map[string]bool, len(created))
	for _, ev := range created {
		seen[entity.LaunchKey(ev.Token)] = true
	}
	for key, l := range p.prior {
		if l.Hydrated || seen[key] {
			continue
		}
		created = append(created, decoder.LaunchCreated{
			Token:      l.Token,
			Creator:    l.Creator,
			QuoteAsset: l.QuoteAsset,
			CreatedAt:  l.CreatedAt,
			Block:      l.CreatedBlock,
		})
		seen[key] = true
	}

	fresh := make(map[string]entity.Launch, len(created))
	hydrated := make(map[string]bool, len(created))
	for _, r := range li.hydrator.HydrateLaunches(ctx, created, supply) {
		key := r.Launch.Key()
		if r.Err != nil {
			p.res.Warnings = append(p.res.Warnings, r.Err)
			if _, known := p.prior[key]; !known {
				fresh[key] = r.Launch
			}
			continue
		}
		fresh[key] = r.Launch
		hydrated[key] = true
	}
	return fresh, hydrated
}

// changeBlock stamps creations with their creation block and every other
// change with the block the pass read state at.
func (li *LaunchIndexer) changeBlock(p *pass) func(entity.Launch) uint64 {
	return func(l entity.Launch) uint64 {
		if _, known := p.prior[l.Key()]; !known {
			return l.CreatedBlock
		}
		return p.target
	}
}

// Launches returns the canonical launch set, newest first. The local
// snapshot is served as is while its cursor is younger than the configured
// staleness; otherwise a pass runs first.
func (li *LaunchIndexer) Launches(ctx context.Context) ([]entity.Launch, error) {
	if li.cfg.CacheStaleness > 0 {
		cursor, ok, err := li.local.GetCursor(ctx, li.index)
		if err == nil && ok && li.now().Sub(cursor.UpdatedAt) < li.cfg.CacheStaleness {
			cached, err := storage.Load[entity.Launch](ctx, li.local, li.index)
			if err == nil {
				return reconcile.Sorted(cached, reconcile.NewestFirst), nil
			}
			log.Warn("Cached launches unreadable, running a pass", "index", li.index, "err", err)
		}
	}
	res, err := li.Pass(ctx)
	if res == nil {
		return nil, err
	}
	return res.Launches, err
}
