package indexer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/launch-indexer/pkg/sink"
)

// Runner drives passes on a fixed interval and publishes their changes.
type Runner struct {
	Launches  *LaunchIndexer
	Positions *PositionIndexer
	// Owners are synced after every launch pass. Ignored without Positions.
	Owners   []common.Address
	Outputs  []sink.Output
	Interval time.Duration
}

// Run performs a round immediately and then once per interval until ctx is
// done. Pass failures are logged; the next round retries from the cursor.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	log.Info("Indexer started", "interval", interval, "owners", len(r.Owners), "outputs", len(r.Outputs))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.Round(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Round runs one launch pass and one sync per owner.
func (r *Runner) Round(ctx context.Context) {
	if r.Launches != nil {
		// a failed pass may still carry the changes of its completed windows
		res, _ := r.Launches.Pass(ctx)
		if res != nil {
			r.publish(ctx, res.Changes)
		}
	}
	if r.Positions == nil {
		return
	}
	for _, owner := range r.Owners {
		if ctx.Err() != nil {
			return
		}
		res, err := r.Positions.Sync(ctx, owner)
		if err != nil {
			continue
		}
		r.publish(ctx, res.Changes)
	}
}

func (r *Runner) publish(ctx context.Context, changes []sink.Change) {
	_ = sink.Publish(ctx, r.Outputs, changes)
}
