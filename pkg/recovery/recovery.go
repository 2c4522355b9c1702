// Package recovery reconstructs the position tokens currently held by an
// owner when no complete ownership index exists.
//
// A recovery attempt walks a small state machine:
//
//	Indexed           stored token IDs exist -> RecentDelta, else MintScan
//	MintScan          backward windows for mints to owner, stop at the first
//	                  window with a hit -> RecentDelta, nothing -> BroadScanFallback
//	BroadScanFallback backward windows for any transfer to owner, stop at the
//	                  first window with a verified hit -> RecentDelta
//	RecentDelta       short recent window in both directions -> Done
//
// Every transfer-derived candidate is verified with ownerOf before it is
// trusted.
package recovery

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/launch-indexer/pkg/contract"
	"github.com/84hero/launch-indexer/pkg/decoder"
	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/metrics"
	"github.com/84hero/launch-indexer/pkg/reconcile"
	"github.com/84hero/launch-indexer/pkg/rpc"
	"github.com/84hero/launch-indexer/pkg/scanner"
	"github.com/84hero/launch-indexer/pkg/storage"
	"github.com/84hero/launch-indexer/pkg/workpool"
)

// State is a step of one recovery attempt.
type State int

const (
	Indexed State = iota
	MintScan
	BroadScanFallback
	RecentDelta
	Done
)

func (s State) String() string {
	switch s {
	case Indexed:
		return "indexed"
	case MintScan:
		return "mint_scan"
	case BroadScanFallback:
		return "broad_scan"
	case RecentDelta:
		return "recent_delta"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Path records how the base set of an attempt was found.
type Path string

const (
	PathIndexed Path = "indexed"
	PathMint    Path = "mint_scan"
	PathBroad   Path = "broad_scan"
	// PathNone means neither scan found anything within the lookback.
	PathNone Path = "none"
)

// VerificationError reports a failed ownership check. The candidate is
// excluded from this attempt.
type VerificationError struct {
	TokenID *big.Int
	Err     error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verify owner of token %s: %v", e.TokenID, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

type Config struct {
	ChainID            uint64
	LookbackBlocks     uint64
	RecentWindowBlocks uint64
	BatchSize          uint64
	Concurrency        int
	// MaxRange and UseBloom configure the underlying scanner.
	MaxRange uint64
	UseBloom bool
}

// Result is the verified holding set of one owner.
type Result struct {
	Owner    common.Address
	TokenIDs []*big.Int
	Path     Path
	Head     uint64
	Warnings []error
}

type Recoverer struct {
	client    rpc.Client
	scanner   *scanner.Scanner
	decoder   *decoder.Decoder
	positions *contract.PositionManager
	local     storage.Store
	remote    storage.Store
	cfg       Config
	now       func() time.Time
}

// New creates a recoverer. remote may be nil.
func New(client rpc.Client, positions *contract.PositionManager, local, remote storage.Store, cfg Config) *Recoverer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = workpool.DefaultConcurrency
	}
	sc := scanner.New(client, nil, scanner.Config{
		MaxRange: cfg.MaxRange,
		UseBloom: cfg.UseBloom,
		Index:    fmt.Sprintf("positions:%d", cfg.ChainID),
	})
	cfg.BatchSize = sc.BatchSize(cfg.BatchSize)
	return &Recoverer{
		client:    client,
		scanner:   sc,
		decoder:   decoder.New(common.Address{}, positions.Address()),
		positions: positions,
		local:     local,
		remote:    remote,
		cfg:       cfg,
		now:       time.Now,
	}
}

// OwnedIndex is the store index of the owner -> token IDs entries.
func OwnedIndex(chainID uint64, owner common.Address) string {
	return fmt.Sprintf("owned:%d:%s", chainID, strings.ToLower(owner.Hex()))
}

// attempt is the mutable state of one Recover call.
type attempt struct {
	r        *Recoverer
	owner    common.Address
	head     uint64
	path     Path
	known    map[string]entity.OwnedToken
	owned    map[string]entity.OwnedToken
	released map[string]entity.OwnedToken
	warnings []error
}

// Recover returns the token IDs owner currently holds and persists them.
// A failed scan window aborts the attempt; failed ownership checks only
// exclude their candidate.
func (r *Recoverer) Recover(ctx context.Context, owner common.Address) (*Result, error) {
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}

	a := &attempt{
		r:        r,
		owner:    owner,
		head:     head,
		path:     PathNone,
		owned:    make(map[string]entity.OwnedToken),
		released: make(map[string]entity.OwnedToken),
	}
	for state := Indexed; state != Done; {
		next, err := a.step(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("recover %s (%s): %w", owner.Hex(), state, err)
		}
		log.Debug("Recovery transition", "owner", owner, "from", state, "to", next, "owned", len(a.owned))
		state = next
	}

	if err := a.persist(ctx); err != nil {
		return nil, err
	}
	metrics.RecoveryPaths.WithLabelValues(string(a.path)).Inc()

	res := &Result{Owner: owner, Path: a.path, Head: head, Warnings: a.warnings}
	for _, t := range a.owned {
		res.TokenIDs = append(res.TokenIDs, t.TokenID)
	}
	sort.Slice(res.TokenIDs, func(i, j int) bool { return res.TokenIDs[i].Cmp(res.TokenIDs[j]) < 0 })
	log.Info("Positions recovered", "owner", owner, "path", a.path, "tokens", len(res.TokenIDs), "warnings", len(a.warnings))
	return res, nil
}

func (a *attempt) step(ctx context.Context, s State) (State, error) {
	switch s {
	case Indexed:
		return a.indexed(ctx)
	case MintScan:
		return a.mintScan(ctx)
	case BroadScanFallback:
		return a.broadScan(ctx)
	case RecentDelta:
		return a.recentDelta(ctx)
	default:
		return Done, nil
	}
}

func (a *attempt) index() string {
	return OwnedIndex(a.r.cfg.ChainID, a.owner)
}

func (a *attempt) indexed(ctx context.Context) (State, error) {
	known, err := storage.Load[entity.OwnedToken](ctx, a.r.local, a.index())
	if err != nil {
		a.warnings = append(a.warnings, &reconcile.StoreReadError{Store: "local", Index: a.index(), Err: err})
	}
	if len(known) == 0 && a.r.remote != nil {
		if known, err = storage.Load[entity.OwnedToken](ctx, a.r.remote, a.index()); err != nil {
			a.warnings = append(a.warnings, &reconcile.StoreReadError{Store: "remote", Index: a.index(), Err: err})
		}
	}
	a.known = known
	for k, t := range known {
		if !t.Released {
			a.owned[k] = t
		}
	}
	if len(a.owned) > 0 {
		a.path = PathIndexed
		return RecentDelta, nil
	}
	return MintScan, nil
}

func (a *attempt) transfers(topic1, topic2 []common.Hash) *scanner.Filter {
	f := scanner.NewFilter(a.r.positions.Address()).SetTopic(0, contract.TransferTopic)
	if len(topic1) > 0 {
		f.SetTopic(1, topic1...)
	}
	if len(topic2) > 0 {
		f.SetTopic(2, topic2...)
	}
	return f
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// fetch returns the token IDs of the position transfers in w matching f.
func (a *attempt) fetch(ctx context.Context, sc *scanner.Scanner, w scanner.Window) ([]*big.Int, error) {
	logs, err := sc.FetchWindow(ctx, w)
	if err != nil {
		return nil, &scanner.WindowError{Window: w, Err: err}
	}
	events, skipped := a.r.decoder.DecodeAll(logs)
	a.warnings = append(a.warnings, skipped...)
	var ids []*big.Int
	for _, t := range decoder.Transfers(events) {
		ids = append(ids, t.TokenID)
	}
	return ids, nil
}

func (a *attempt) mintScan(ctx context.Context) (State, error) {
	sc := a.r.scanner.WithFilter(a.transfers(
		[]common.Hash{addressTopic(common.Address{})},
		[]common.Hash{addressTopic(a.owner)},
	))
	for _, w := range scanner.BackwardWindows(a.head, a.r.cfg.LookbackBlocks, a.r.cfg.BatchSize) {
		ids, err := a.fetch(ctx, sc, w)
		if err != nil {
			return Done, err
		}
		if len(ids) == 0 {
			continue
		}
		a.path = PathMint
		a.apply(a.verify(ctx, ids))
		return RecentDelta, nil
	}
	return BroadScanFallback, nil
}

func (a *attempt) broadScan(ctx context.Context) (State, error) {
	sc := a.r.scanner.WithFilter(a.transfers(nil, []common.Hash{addressTopic(a.owner)}))
	for _, w := range scanner.BackwardWindows(a.head, a.r.cfg.LookbackBlocks, a.r.cfg.BatchSize) {
		ids, err := a.fetch(ctx, sc, w)
		if err != nil {
			return Done, err
		}
		if len(ids) == 0 {
			continue
		}
		a.apply(a.verify(ctx, ids))
		if len(a.owned) > 0 {
			a.path = PathBroad
			return RecentDelta, nil
		}
	}
	return RecentDelta, nil
}

// recentDelta re-checks every token that moved to or from owner in the
// recent window, so new arrivals are added and departures released.
func (a *attempt) recentDelta(ctx context.Context) (State, error) {
	windows := scanner.BackwardWindows(a.head, a.r.cfg.RecentWindowBlocks, a.r.cfg.BatchSize)
	if len(windows) == 0 {
		return Done, nil
	}
	incoming := a.r.scanner.WithFilter(a.transfers(nil, []common.Hash{addressTopic(a.owner)}))
	outgoing := a.r.scanner.WithFilter(a.transfers([]common.Hash{addressTopic(a.owner)}, nil))

	var ids []*big.Int
	for _, w := range windows {
		for _, sc := range []*scanner.Scanner{incoming, outgoing} {
			found, err := a.fetch(ctx, sc, w)
			if err != nil {
				return Done, err
			}
			ids = append(ids, found...)
		}
	}
	a.apply(a.verify(ctx, ids))
	return Done, nil
}

type verdict struct {
	id    *big.Int
	owned bool
	err   error
}

// verify reads the current owner of every distinct id. A reverted read means
// the token no longer exists and counts as not owned.
func (a *attempt) verify(ctx context.Context, ids []*big.Int) []verdict {
	seen := make(map[string]bool, len(ids))
	var uniq []*big.Int
	for _, id := range ids {
		if !seen[id.String()] {
			seen[id.String()] = true
			uniq = append(uniq, id)
		}
	}

	out := make([]verdict, len(uniq))
	for i, id := range uniq {
		out[i] = verdict{id: id, err: context.Canceled}
	}
	_ = workpool.Run(ctx, len(uniq), a.r.cfg.Concurrency, func(ctx context.Context, i int) {
		holder, err := a.r.positions.OwnerOf(ctx, uniq[i])
		switch {
		case err == nil:
			out[i] = verdict{id: uniq[i], owned: holder == a.owner}
		case isRevert(err):
			out[i] = verdict{id: uniq[i]}
		default:
			out[i] = verdict{id: uniq[i], err: err}
		}
	})
	return out
}

func isRevert(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}

// apply folds verdicts into the owned set. A failed check leaves the current
// membership of its token unchanged.
func (a *attempt) apply(verdicts []verdict) {
	now := a.r.now()
	for _, v := range verdicts {
		key := entity.PositionKey(a.r.cfg.ChainID, a.owner, v.id)
		if v.err != nil {
			metrics.VerificationFailures.Inc()
			log.Debug("Ownership check failed", "owner", a.owner, "token", v.id, "err", v.err)
			a.warnings = append(a.warnings, &VerificationError{TokenID: v.id, Err: v.err})
			continue
		}
		t := entity.OwnedToken{ChainID: a.r.cfg.ChainID, Owner: a.owner, TokenID: v.id, VerifiedAt: now}
		if v.owned {
			a.owned[key] = t
			delete(a.released, key)
			continue
		}
		if _, was := a.owned[key]; was || a.wasKnown(key) {
			t.Released = true
			a.released[key] = t
		}
		delete(a.owned, key)
	}
}

func (a *attempt) wasKnown(key string) bool {
	t, ok := a.known[key]
	return ok && !t.Released
}

// persist writes the terminal set to the local store and upserts each token
// to the remote store on a best-effort basis.
func (a *attempt) persist(ctx context.Context) error {
	entries := make([]entity.OwnedToken, 0, len(a.owned)+len(a.released))
	for _, t := range a.owned {
		entries = append(entries, t)
	}
	for _, t := range a.released {
		entries = append(entries, t)
	}
	if err := storage.Save(ctx, a.r.local, a.index(), entries); err != nil {
		metrics.StoreWriteFailures.WithLabelValues("local").Inc()
		return fmt.Errorf("persist %s: %w", a.index(), err)
	}
	if a.r.remote == nil {
		return nil
	}
	for _, t := range entries {
		if err := storage.Save(ctx, a.r.remote, a.index(), []entity.OwnedToken{t}); err != nil {
			metrics.StoreWriteFailures.WithLabelValues("remote").Inc()
			a.warnings = append(a.warnings, &reconcile.StoreWriteError{Store: "remote", Index: a.index(), Err: err})
		}
	}
	return nil
}
