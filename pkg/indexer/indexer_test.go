package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/launch-indexer/internal/chaintest"
	"github.com/84hero/launch-indexer/pkg/contract"
	"github.com/84hero/launch-indexer/pkg/decoder"
	"github.com/84hero/launch-indexer/pkg/entity"
	"github.com/84hero/launch-indexer/pkg/reconcile"
	"github.com/84hero/launch-indexer/pkg/recovery"
	"github.com/84hero/launch-indexer/pkg/scanner"
	"github.com/84hero/launch-indexer/pkg/sink"
)

var (
	launchpad = common.HexToAddress("0x00000000000000000000000000000000000000F0")
	manager   = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	tokenA    = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	tokenB    = common.HexToAddress("0x00000000000000000000000000000000000000BB")
	creator   = common.HexToAddress("0x00000000000000000000000000000000000000C0")
	quote     = common.HexToAddress("0x00000000000000000000000000000000000000DD")
	alice     = common.HexToAddress("0x000000000000000000000000000000000000A11C")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
)

const chainID = 8453

type fixture struct {
	chain    *chaintest.Chain
	pad      *chaintest.Launchpad
	pm       *chaintest.PositionManager
	local    *chaintest.Store
	remote   *chaintest.Store
	hydrator *decoder.Hydrator
	now      time.Time
	passes   int
}

func newFixture(head uint64) *fixture {
	chain := chaintest.New(chainID, head)
	return &fixture{
		chain:  chain,
		pad:    chaintest.InstallLaunchpad(chain, launchpad, big.NewInt(1_000_000)),
		pm:     chaintest.InstallPositionManager(chain, manager),
		local:  chaintest.NewStore(),
		remote: chaintest.NewStore(),
		hydrator: decoder.NewHydrator(
			contract.NewLaunchpad(launchpad, chain),
			contract.NewTokens(chain),
			contract.NewPositionManager(manager, chain),
			chainID, 10,
		),
		now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) nextID() string {
	f.passes++
	return fmt.Sprintf("pass-%d", f.passes)
}

func (f *fixture) launches(cfg Config) *LaunchIndexer {
	cfg.ChainID = chainID
	li := NewLaunchIndexer(f.chain, launchpad, f.hydrator, f.local, f.remote, cfg)
	li.now = f.clock
	li.newID = f.nextID
	return li
}

func (f *fixture) positions(cfg recovery.Config) *PositionIndexer {
	cfg.ChainID = chainID
	rec := recovery.New(f.chain, contract.NewPositionManager(manager, f.chain), f.local, f.remote, cfg)
	pi := NewPositionIndexer(chainID, rec, f.hydrator, f.local, f.remote)
	pi.now = f.clock
	pi.newID = f.nextID
	return pi
}

// launch installs token on the launchpad and emits its creation at block.
func (f *fixture) launch(token common.Address, symbol string, block uint64) {
	f.pad.Set(token, chaintest.LaunchState{Name: symbol, Symbol: symbol, Active: true})
	f.emit(token, block)
}

func (f *fixture) emit(token common.Address, block uint64) {
	f.chain.AddLogs(chaintest.LaunchCreatedLog(launchpad, token, creator, quote, 1_700_000_000+block, block, 0))
}

func hasWarning[E error](warnings []error) bool {
	for _, w := range warnings {
		var target E
		if errors.As(w, &target) {
			return true
		}
	}
	return false
}

func TestPass_FreshLaunch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 300)
	li := f.launches(Config{StartBlock: 1, BatchSize: 500})

	res, err := li.Pass(ctx)
	require.NoError(t, err)
	require.Len(t, res.Launches, 1)

	l := res.Launches[0]
	assert.Equal(t, "ALP", l.Symbol)
	assert.True(t, l.Hydrated)
	assert.True(t, l.Progress.IsZero())
	assert.Equal(t, entity.LaunchActive, l.Status)
	assert.Equal(t, &scanner.Window{From: 1, To: 1_000}, res.Scanned)
	assert.True(t, res.HasCursor)
	assert.Equal(t, uint64(1_000), res.Cursor.Block)

	require.Len(t, res.Changes, 1)
	assert.Equal(t, sink.Change{
		Kind: "launch", Type: sink.Created, Key: l.Key(), Block: 300, PassID: "pass-1",
		Entity: res.Changes[0].Entity,
	}, res.Changes[0])

	for _, s := range []*chaintest.Store{f.local, f.remote} {
		c, ok, err := s.GetCursor(ctx, li.Index())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(1_000), c.Block)
	}

	// nothing new on chain: same set, no changes
	again, err := li.Pass(ctx)
	require.NoError(t, err)
	assert.Nil(t, again.Scanned)
	assert.Empty(t, again.Changes)
	require.Len(t, again.Launches, 1)
	assert.Equal(t, l.Key(), again.Launches[0].Key())
	assert.Equal(t, uint64(1_000), again.Cursor.Block)
}

func TestPass_DefaultConfigScansFromGenesis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(25_000)
	f.launch(tokenA, "FOO", 100)
	li := f.launches(Config{BatchSize: 9000})

	res, err := li.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, &scanner.Window{From: 0, To: 25_000}, res.Scanned)
	assert.Len(t, f.chain.FilterCalls(), 3)
	require.Len(t, res.Launches, 1)
	assert.Equal(t, "FOO", res.Launches[0].Symbol)
}

func TestPass_PartialFillAndGraduation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 300)
	li := f.launches(Config{StartBlock: 1})
	_, err := li.Pass(ctx)
	require.NoError(t, err)

	f.pad.Update(tokenA, func(s *chaintest.LaunchState) {
		s.Sold = big.NewInt(250_000)
		s.Raised = big.NewInt(4_000_000_000)
	})
	res, err := li.Pass(ctx)
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, sink.Updated, res.Changes[0].Type)
	assert.Equal(t, uint64(1_000), res.Changes[0].Block)
	assert.True(t, res.Launches[0].Progress.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, entity.LaunchActive, res.Launches[0].Status)

	f.pad.Update(tokenA, func(s *chaintest.LaunchState) {
		s.Sold = big.NewInt(1_000_000)
		s.Active = false
	})
	res, err = li.Pass(ctx)
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, sink.Completed, res.Changes[0].Type)
	assert.Equal(t, entity.LaunchCompleted, res.Launches[0].Status)
	assert.True(t, res.Launches[0].Progress.Equal(decimal.NewFromInt(100)))

	// completed launches are not refreshed any more
	calls := f.chain.CallCount("raised")
	res, err = li.Pass(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.Equal(t, calls, f.chain.CallCount("raised"))
}

func TestPass_ResumesAfterWindowFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 150)
	f.launch(tokenB, "BET", 650)
	boom := errors.New("provider timeout")
	f.chain.FailFilter(func(q ethereum.FilterQuery) error {
		if q.FromBlock.Uint64() == 501 {
			return boom
		}
		return nil
	})
	li := f.launches(Config{StartBlock: 1, BatchSize: 100})

	res, err := li.Pass(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var werr *scanner.WindowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, scanner.Window{From: 501, To: 600}, werr.Window)

	// completed windows are merged and the cursor stops at the last good block
	require.NotNil(t, res)
	require.Len(t, res.Launches, 1)
	assert.Equal(t, entity.LaunchKey(tokenA), res.Launches[0].Key())
	assert.Equal(t, uint64(500), res.Cursor.Block)
	c, _, _ := f.local.GetCursor(ctx, li.Index())
	assert.Equal(t, uint64(500), c.Block)

	f.chain.FailFilter(nil)
	before := len(f.chain.FilterCalls())
	res, err = li.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(501), f.chain.FilterCalls()[before].FromBlock.Uint64())
	require.Len(t, res.Launches, 2)
	// newest first
	assert.Equal(t, entity.LaunchKey(tokenB), res.Launches[0].Key())
	assert.Equal(t, uint64(1_000), res.Cursor.Block)
}

func TestPass_FirstWindowFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.chain.FailFilter(func(ethereum.FilterQuery) error { return errors.New("503") })
	li := f.launches(Config{StartBlock: 1})

	res, err := li.Pass(ctx)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.HasCursor)
	_, ok, _ := f.local.GetCursor(ctx, li.Index())
	assert.False(t, ok)
}

func TestPass_Confirmations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.launch(tokenB, "BET", 995)
	li := f.launches(Config{StartBlock: 1, Confirmations: 10})

	res, err := li.Pass(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Launches)
	assert.Equal(t, uint64(990), res.Cursor.Block)

	f.chain.SetHead(1_010)
	res, err = li.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, &scanner.Window{From: 991, To: 1_000}, res.Scanned)
	assert.Len(t, res.Launches, 1)
}

func TestPass_StubIsRehydrated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	// metadata is not readable yet
	f.emit(tokenA, 400)
	li := f.launches(Config{StartBlock: 1})

	res, err := li.Pass(ctx)
	require.NoError(t, err)
	require.Len(t, res.Launches, 1)
	assert.False(t, res.Launches[0].Hydrated)
	assert.True(t, hasWarning[*decoder.HydrationError](res.Warnings))
	require.Len(t, res.Changes, 1)
	assert.Equal(t, sink.Created, res.Changes[0].Type)

	f.pad.Set(tokenA, chaintest.LaunchState{Name: "Alpha", Symbol: "ALP", Active: true})
	res, err = li.Pass(ctx)
	require.NoError(t, err)
	assert.True(t, res.Launches[0].Hydrated)
	assert.Equal(t, "ALP", res.Launches[0].Symbol)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, sink.Updated, res.Changes[0].Type)
	assert.Empty(t, res.Warnings)
}

func TestPass_RefreshFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 300)
	li := f.launches(Config{StartBlock: 1})
	_, err := li.Pass(ctx)
	require.NoError(t, err)

	f.pad.Update(tokenA, func(s *chaintest.LaunchState) {
		s.Sold = big.NewInt(500_000)
		s.FailReads = true
	})
	res, err := li.Pass(ctx)
	require.NoError(t, err)
	assert.True(t, hasWarning[*reconcile.RefreshError](res.Warnings))
	assert.True(t, res.Launches[0].Progress.IsZero())
	assert.Empty(t, res.Changes)
}

func TestPass_HeadFailureReturnsCachedSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 300)
	li := f.launches(Config{StartBlock: 1})
	_, err := li.Pass(ctx)
	require.NoError(t, err)

	f.chain.FailHead(errors.New("503 service unavailable"))
	res, err := li.Pass(ctx)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.Launches, 1)
	assert.Empty(t, res.Changes)
}

func TestPass_RemoteWriteFailureIsWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 300)
	f.remote.FailWrites(true)
	li := f.launches(Config{StartBlock: 1})

	res, err := li.Pass(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Launches, 1)
	assert.True(t, hasWarning[*reconcile.StoreWriteError](res.Warnings))

	c, ok, _ := f.local.GetCursor(ctx, li.Index())
	assert.True(t, ok)
	assert.Equal(t, uint64(1_000), c.Block)
	_, ok, _ = f.remote.GetCursor(ctx, li.Index())
	assert.False(t, ok)
}

func TestPass_LocalWriteFailureIsFatal(t *testing.T) {
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 300)
	f.local.FailWrites(true)
	li := f.launches(Config{StartBlock: 1})

	res, err := li.Pass(context.Background())
	assert.ErrorIs(t, err, chaintest.ErrStoreDown)
	assert.Nil(t, res)
}

func TestPass_CursorNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(950)
	index := LaunchIndex(chainID)
	require.NoError(t, f.local.SetCursor(ctx, index, entity.Cursor{Block: 900}))
	li := f.launches(Config{StartBlock: 100, ForceStart: true, Confirmations: 100})

	res, err := li.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, &scanner.Window{From: 100, To: 850}, res.Scanned)
	assert.Equal(t, uint64(900), res.Cursor.Block)
	c, _, _ := f.local.GetCursor(ctx, index)
	assert.Equal(t, uint64(900), c.Block)

	// the forced start applies once
	res, err = li.Pass(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Scanned)
}

func TestStartBlock(t *testing.T) {
	cursor := entity.Cursor{Block: 500}
	tests := []struct {
		name      string
		cfg       Config
		hasCursor bool
		forced    bool
		want      uint64
	}{
		{"force start", Config{ForceStart: true, StartBlock: 100}, true, false, 100},
		{"force start consumed", Config{ForceStart: true, StartBlock: 100}, true, true, 501},
		{"resume", Config{StartBlock: 100}, true, false, 501},
		{"resume with rewind", Config{CursorRewind: 50}, true, false, 451},
		{"rewind past genesis", Config{CursorRewind: 1_000}, true, false, 0},
		{"configured start", Config{StartBlock: 100}, false, false, 100},
		{"rewind from head", Config{StartRewind: 200}, false, false, 800},
		{"head rewind past genesis", Config{StartRewind: 2_000}, false, false, 0},
		{"genesis", Config{}, false, false, 0},
		{"start block wins over head rewind", Config{StartBlock: 100, StartRewind: 200}, false, false, 100},
		{"forced genesis", Config{ForceStart: true}, true, false, 0},
		{"forced genesis consumed", Config{ForceStart: true}, true, true, 501},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.startBlock(cursor, tt.hasCursor, tt.forced, 1_000))
		})
	}
}

func TestLaunches_ServesFreshCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 100)
	li := f.launches(Config{StartBlock: 1, CacheStaleness: time.Minute})
	_, err := li.Pass(ctx)
	require.NoError(t, err)

	f.launch(tokenB, "BET", 1_005)
	f.chain.SetHead(1_010)
	calls := len(f.chain.FilterCalls())

	got, err := li.Launches(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Len(t, f.chain.FilterCalls(), calls)

	f.now = f.now.Add(2 * time.Minute)
	got, err = li.Launches(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entity.LaunchKey(tokenB), got[0].Key())
}

func TestPositionSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10_000)
	f.pm.Mint(alice, big.NewInt(1), chaintest.PositionState{
		Token0: tokenA, Token1: quote, Fee: 3000, TickLower: -600, TickUpper: 600,
		Liquidity: big.NewInt(5_000),
	}, 9_000)
	pi := f.positions(recovery.Config{LookbackBlocks: 10_000, RecentWindowBlocks: 500, BatchSize: 2_000})

	res, err := pi.Sync(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, recovery.PathMint, res.Path)
	require.Len(t, res.Positions, 1)
	p := res.Positions[0]
	assert.Equal(t, entity.PositionActive, p.Status)
	assert.Equal(t, uint32(3000), p.Fee)
	assert.Equal(t, int32(-600), p.TickLower)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, sink.Created, res.Changes[0].Type)
	assert.Equal(t, "position", res.Changes[0].Kind)
	assert.Equal(t, p.Key(), res.Changes[0].Key)

	c, ok, _ := f.local.GetCursor(ctx, PositionIndex(chainID, alice))
	assert.True(t, ok)
	assert.Equal(t, uint64(10_000), c.Block)

	f.pm.SetLiquidity(big.NewInt(1), big.NewInt(0))
	res, err = pi.Sync(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, recovery.PathIndexed, res.Path)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, sink.Closed, res.Changes[0].Type)
	assert.Equal(t, entity.PositionClosed, res.Positions[0].Status)

	// the position leaves alice but is never deleted
	f.pm.Transfer(alice, bob, big.NewInt(1), 9_800)
	res, err = pi.Sync(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, res.Positions, 1)
	assert.Empty(t, res.Changes)
}

func TestPositionSync_HydrationFailureIsWarning(t *testing.T) {
	f := newFixture(1_000)
	f.pm.Mint(alice, big.NewInt(1), chaintest.PositionState{Liquidity: big.NewInt(1)}, 500)
	// owned but positions() cannot be read
	f.pm.Transfer(common.Address{}, alice, big.NewInt(2), 600)
	pi := f.positions(recovery.Config{LookbackBlocks: 1_000, BatchSize: 1_000})

	res, err := pi.Sync(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, res.Positions, 1)
	assert.Equal(t, int64(1), res.Positions[0].TokenID.Int64())
	assert.True(t, hasWarning[*decoder.HydrationError](res.Warnings))
}

func TestPositionSync_RecoveryFailure(t *testing.T) {
	f := newFixture(1_000)
	f.chain.FailHead(errors.New("503"))
	pi := f.positions(recovery.Config{LookbackBlocks: 1_000})

	res, err := pi.Sync(context.Background(), alice)
	assert.Error(t, err)
	assert.Nil(t, res)
}

type recordingOutput struct {
	mu      sync.Mutex
	batches [][]sink.Change
}

func (r *recordingOutput) Name() string { return "recording" }

func (r *recordingOutput) Send(_ context.Context, changes []sink.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, changes)
	return nil
}

func (r *recordingOutput) Close() error { return nil }

func (r *recordingOutput) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestRunner_RoundPublishes(t *testing.T) {
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 300)
	f.pm.Mint(alice, big.NewInt(1), chaintest.PositionState{Liquidity: big.NewInt(1)}, 500)
	out := &recordingOutput{}
	r := &Runner{
		Launches:  f.launches(Config{StartBlock: 1}),
		Positions: f.positions(recovery.Config{LookbackBlocks: 1_000, BatchSize: 1_000}),
		Owners:    []common.Address{alice},
		Outputs:   []sink.Output{out},
	}

	r.Round(context.Background())
	require.Equal(t, 2, out.count())
	assert.Equal(t, "launch", out.batches[0][0].Kind)
	assert.Equal(t, "position", out.batches[1][0].Kind)

	// nothing changed, nothing published
	r.Round(context.Background())
	assert.Equal(t, 2, out.count())
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	f := newFixture(1_000)
	f.launch(tokenA, "ALP", 300)
	out := &recordingOutput{}
	r := &Runner{
		Launches: f.launches(Config{StartBlock: 1}),
		Outputs:  []sink.Output{out},
		Interval: 5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return out.count() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
