package decoder

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/84hero/launch-indexer/pkg/contract"
	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/metrics"
	"github.com/84hero/launch-indexer/pkg/workpool"
)

// HydrationError reports a failed supplemental read for one entity. The
// entity keeps its previous snapshot and is retried on the next pass.
type HydrationError struct {
	Key string
	Err error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrate %s: %v", e.Key, e.Err)
}

func (e *HydrationError) Unwrap() error { return e.Err }

// SupplyCache reads the launchpad bonding supply at most once. A new cache
// is created per pass.
type SupplyCache struct {
	once  sync.Once
	read  func(ctx context.Context) (*big.Int, error)
	value *big.Int
	err   error
}

func NewSupplyCache(read func(ctx context.Context) (*big.Int, error)) *SupplyCache {
	return &SupplyCache{read: read}
}

func (c *SupplyCache) Get(ctx context.Context) (*big.Int, error) {
	c.once.Do(func() {
		c.value, c.err = c.read(ctx)
		if c.err == nil && c.value.Sign() <= 0 {
			c.err = fmt.Errorf("bonding supply is %s", c.value)
		}
	})
	return c.value, c.err
}

// Hydrator performs the supplemental reads that turn decoded events into
// full entity snapshots.
type Hydrator struct {
	launchpad *contract.Launchpad
	tokens    *contract.Tokens
	positions *contract.PositionManager
	chainID   uint64
	chunk     int
}

func NewHydrator(launchpad *contract.Launchpad, tokens *contract.Tokens, positions *contract.PositionManager, chainID uint64, chunk int) *Hydrator {
	if chunk <= 0 {
		chunk = workpool.DefaultConcurrency
	}
	return &Hydrator{
		launchpad: launchpad,
		tokens:    tokens,
		positions: positions,
		chainID:   chainID,
		chunk:     chunk,
	}
}

// NewSupplyCache returns a per-pass cache of the launchpad bonding supply.
func (h *Hydrator) NewSupplyCache() *SupplyCache {
	return NewSupplyCache(h.launchpad.BondingSupply)
}

// Chunk is the bound on concurrent entities.
func (h *Hydrator) Chunk() int {
	return h.chunk
}

// LaunchResult is the outcome of hydrating one creation event. When Err is
// set, Launch is a stub built from the event alone with Hydrated=false.
type LaunchResult struct {
	Launch entity.Launch
	Err    error
}

// HydrateLaunches hydrates events with at most Chunk events in flight. Each
// event's reads run concurrently; a failure only affects its own result.
func (h *Hydrator) HydrateLaunches(ctx context.Context, events []LaunchCreated, supply *SupplyCache) []LaunchResult {
	out := make([]LaunchResult, len(events))
	for i, ev := range events {
		// replaced below unless cancellation skips the event
		out[i] = LaunchResult{Launch: Stub(ev), Err: &HydrationError{Key: entity.LaunchKey(ev.Token), Err: context.Canceled}}
	}
	_ = workpool.Run(ctx, len(events), h.chunk, func(ctx context.Context, i int) {
		l, err := h.HydrateLaunch(ctx, events[i], supply)
		out[i] = LaunchResult{Launch: l, Err: err}
	})
	return out
}

// Stub builds an unhydrated launch from its creation event.
func Stub(ev LaunchCreated) entity.Launch {
	return entity.Launch{
		Token:        ev.Token,
		Creator:      ev.Creator,
		QuoteAsset:   ev.QuoteAsset,
		CreatedAt:    ev.CreatedAt,
		CreatedBlock: ev.Block,
		Raised:       new(big.Int),
		Sold:         new(big.Int),
		Status:       entity.LaunchActive,
	}
}

// HydrateLaunch reads metadata and curve figures for one launch.
func (h *Hydrator) HydrateLaunch(ctx context.Context, ev LaunchCreated, supply *SupplyCache) (entity.Launch, error) {
	l := Stub(ev)
	var (
		name, symbol, image string
		raised, sold        *big.Int
		active              bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { name, err = h.tokens.Name(gctx, ev.Token); return })
	g.Go(func() (err error) { symbol, err = h.tokens.Symbol(gctx, ev.Token); return })
	g.Go(func() error {
		// optional
		var err error
		if image, err = h.tokens.ImageURI(gctx, ev.Token); err != nil {
			image = ""
		}
		return nil
	})
	g.Go(func() (err error) { raised, err = h.launchpad.Raised(gctx, ev.Token); return })
	g.Go(func() (err error) { sold, err = h.launchpad.Sold(gctx, ev.Token); return })
	g.Go(func() (err error) { active, err = h.launchpad.IsActive(gctx, ev.Token); return })
	if err := g.Wait(); err != nil {
		return l, h.fail("launch", l.Key(), err)
	}

	total, err := supply.Get(ctx)
	if err != nil {
		return l, h.fail("launch", l.Key(), fmt.Errorf("bonding supply: %w", err))
	}

	l.Name = name
	l.Symbol = symbol
	l.ImageURI = image
	l.Raised = raised
	l.Sold = sold
	l.Progress = entity.Progress(sold, total)
	if !active {
		l.Status = entity.LaunchCompleted
	}
	l.Hydrated = true
	return l, nil
}

// RefreshLaunch re-reads the live curve fields of an active launch and
// overwrites only those fields.
func (h *Hydrator) RefreshLaunch(ctx context.Context, l entity.Launch, supply *SupplyCache) (entity.Launch, error) {
	var (
		raised, sold *big.Int
		active       bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { raised, err = h.launchpad.Raised(gctx, l.Token); return })
	g.Go(func() (err error) { sold, err = h.launchpad.Sold(gctx, l.Token); return })
	g.Go(func() (err error) { active, err = h.launchpad.IsActive(gctx, l.Token); return })
	if err := g.Wait(); err != nil {
		return l, h.fail("refresh", l.Key(), err)
	}
	total, err := supply.Get(ctx)
	if err != nil {
		return l, h.fail("refresh", l.Key(), fmt.Errorf("bonding supply: %w", err))
	}

	l.Raised = raised
	l.Sold = sold
	l.Progress = entity.Progress(sold, total)
	if !active {
		l.Status = entity.LaunchCompleted
	}
	return l, nil
}

// HydratePosition reads the live state of one position token.
func (h *Hydrator) HydratePosition(ctx context.Context, owner common.Address, tokenID *big.Int) (entity.Position, error) {
	p := entity.Position{ChainID: h.chainID, Owner: owner, TokenID: tokenID}
	info, err := h.positions.Position(ctx, tokenID)
	if err != nil {
		return p, h.fail("position", p.Key(), err)
	}
	p.Token0 = info.Token0
	p.Token1 = info.Token1
	p.Fee = info.Fee
	p.TickLower = info.TickLower
	p.TickUpper = info.TickUpper
	p.Liquidity = info.Liquidity
	p.TokensOwed0 = info.TokensOwed0
	p.TokensOwed1 = info.TokensOwed1
	return p.Normalize(), nil
}

// PositionResult is the outcome of hydrating one position token.
type PositionResult struct {
	Position entity.Position
	Err      error
}

// HydratePositions hydrates tokenIDs of owner with bounded concurrency.
func (h *Hydrator) HydratePositions(ctx context.Context, owner common.Address, tokenIDs []*big.Int) []PositionResult {
	out := make([]PositionResult, len(tokenIDs))
	for i, id := range tokenIDs {
		out[i] = PositionResult{
			Position: entity.Position{ChainID: h.chainID, Owner: owner, TokenID: id},
			Err:      &HydrationError{Key: entity.PositionKey(h.chainID, owner, id), Err: context.Canceled},
		}
	}
	_ = workpool.Run(ctx, len(tokenIDs), h.chunk, func(ctx context.Context, i int) {
		p, err := h.HydratePosition(ctx, owner, tokenIDs[i])
		out[i] = PositionResult{Position: p, Err: err}
	})
	return out
}

func (h *Hydrator) fail(kind, key string, err error) error {
	metrics.HydrationFailures.WithLabelValues(kind).Inc()
	log.Debug("Hydration failed", "kind", kind, "key", key, "err", err)
	return &HydrationError{Key: key, Err: err}
}
