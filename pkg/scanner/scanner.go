package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/launch-indexer/pkg/metrics"
	"github.com/84hero/launch-indexer/pkg/rpc"
)

var ErrInvalidRange = errors.New("invalid scan range")

type Config struct {
	// MaxRange is the provider's hard limit of blocks per eth_getLogs call.
	// Requested batch sizes are clamped to it. 0 disables the clamp.
	MaxRange uint64
	UseBloom bool
	// Index labels metrics and logs, e.g. "launches:8453".
	Index string
}

// Window is an inclusive block range fetched with a single call.
type Window struct {
	From uint64
	To   uint64
}

func (w Window) Size() uint64 {
	return w.To - w.From + 1
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d]", w.From, w.To)
}

// WindowError reports a failed window. LastGood is the end block of the
// last window that completed in the same session; HasProgress is false when
// the very first window failed.
type WindowError struct {
	Window      Window
	LastGood    uint64
	HasProgress bool
	Err         error
}

func (e *WindowError) Error() string {
	if e.HasProgress {
		return fmt.Sprintf("scan window %s failed (last good block %d): %v", e.Window, e.LastGood, e.Err)
	}
	return fmt.Sprintf("scan window %s failed: %v", e.Window, e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }

// Windows partitions [from, to] into ascending contiguous windows of at
// most size blocks.
func Windows(from, to, size uint64) ([]Window, error) {
	if from > to {
		return nil, fmt.Errorf("%w: from %d > to %d", ErrInvalidRange, from, to)
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1", ErrInvalidRange)
	}
	out := make([]Window, 0, (to-from)/size+1)
	for start := from; ; {
		end := start + size - 1
		if end < start || end > to {
			end = to
		}
		out = append(out, Window{From: start, To: end})
		if end == to {
			return out, nil
		}
		start = end + 1
	}
}

// BackwardWindows covers the depth blocks ending at head, newest window
// first. The range is clamped at genesis.
func BackwardWindows(head, depth, size uint64) []Window {
	if depth == 0 || size == 0 {
		return nil
	}
	lowest := uint64(0)
	if depth <= head {
		lowest = head - depth + 1
	}
	var out []Window
	for to := head; ; {
		from := lowest
		if to-lowest+1 > size {
			from = to - size + 1
		}
		out = append(out, Window{From: from, To: to})
		if from == lowest {
			return out
		}
		to = from - 1
	}
}

// Scanner fetches logs matching a filter in bounded windows.
type Scanner struct {
	client rpc.Client
	filter *Filter
	config Config
}

func New(client rpc.Client, filter *Filter, cfg Config) *Scanner {
	if filter == nil {
		filter = NewFilter()
	}
	return &Scanner{
		client: client,
		filter: filter,
		config: cfg,
	}
}

// WithFilter returns a scanner sharing client and config but matching f.
func (s *Scanner) WithFilter(f *Filter) *Scanner {
	return &Scanner{client: s.client, filter: f, config: s.config}
}

// Filter returns the scanner's filter. Callers must not mutate it.
func (s *Scanner) Filter() *Filter {
	return s.filter
}

// BatchSize clamps a requested batch size to the provider limit.
func (s *Scanner) BatchSize(requested uint64) uint64 {
	if s.config.MaxRange > 0 && (requested == 0 || requested > s.config.MaxRange) {
		return s.config.MaxRange
	}
	return requested
}

// Scan starts a lazy session over [from, to]. Nothing is fetched until the
// first call to Next.
func (s *Scanner) Scan(ctx context.Context, from, to, maxBatch uint64) *Session {
	sess := &Session{ctx: ctx, scanner: s, from: from}
	if maxBatch < 1 {
		sess.err = fmt.Errorf("%w: batch size must be >= 1", ErrInvalidRange)
		return sess
	}
	windows, err := Windows(from, to, s.BatchSize(maxBatch))
	if err != nil {
		sess.err = err
		return sess
	}
	sess.windows = windows
	return sess
}

// FetchWindow performs one bounded getLogs call. Single-block windows may be
// answered from the header's logs bloom without fetching logs.
func (s *Scanner) FetchWindow(ctx context.Context, w Window) ([]types.Log, error) {
	if w.From > w.To {
		return nil, fmt.Errorf("%w: window %s", ErrInvalidRange, w)
	}
	if s.config.MaxRange > 0 && w.Size() > s.config.MaxRange {
		return nil, fmt.Errorf("%w: window %s exceeds provider max range %d", ErrInvalidRange, w, s.config.MaxRange)
	}

	if s.config.UseBloom && w.From == w.To && !s.filter.IsHeavy() {
		header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(w.From))
		if err != nil {
			return nil, err
		}
		if !s.filter.MatchesBloom(header.Bloom) {
			metrics.WindowsSkipped.Inc()
			return nil, nil
		}
	}

	logs, err := s.client.FilterLogs(ctx, s.filter.ToQuery(w.From, w.To))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	metrics.WindowsScanned.WithLabelValues(s.config.Index).Inc()
	metrics.LogsFetched.WithLabelValues(s.config.Index).Add(float64(len(logs)))
	return logs, nil
}

// Session is a finite, non-restartable walk over the windows of one scan.
// Restart by calling Scan again from LastCompleted()+1.
type Session struct {
	ctx     context.Context
	scanner *Scanner
	from    uint64
	windows []Window
	next    int

	current  Window
	logs     []types.Log
	lastGood uint64
	progress bool
	err      error
}

// Next fetches the next window. It returns false when the range is
// exhausted or a window failed; check Err afterwards.
func (s *Session) Next() bool {
	if s.err != nil || s.next >= len(s.windows) {
		s.logs = nil
		return false
	}
	w := s.windows[s.next]
	if err := s.ctx.Err(); err != nil {
		s.fail(w, err)
		return false
	}

	logs, err := s.scanner.FetchWindow(s.ctx, w)
	if err != nil {
		s.fail(w, err)
		return false
	}

	s.next++
	s.current = w
	s.logs = logs
	s.lastGood = w.To
	s.progress = true
	return true
}

func (s *Session) fail(w Window, err error) {
	s.logs = nil
	s.err = &WindowError{Window: w, LastGood: s.lastGood, HasProgress: s.progress, Err: err}
	log.Warn("Scan window failed", "index", s.scanner.config.Index, "window", w.String(), "err", err)
}

// Window returns the window fetched by the last successful Next.
func (s *Session) Window() Window { return s.current }

// Logs returns the logs of the current window in block, then log-index order.
func (s *Session) Logs() []types.Log { return s.logs }

func (s *Session) Err() error { return s.err }

// LastCompleted returns the end block of the last completed window.
func (s *Session) LastCompleted() (uint64, bool) {
	return s.lastGood, s.progress
}

// Resume returns the block a new session should start from.
func (s *Session) Resume() uint64 {
	if s.progress {
		return s.lastGood + 1
	}
	return s.from
}

// Windows returns the planned windows of the session.
func (s *Session) Windows() []Window {
	return s.windows
}

// Collect drains the session and returns every log it yielded. On failure the
// logs of the completed windows are returned together with the error.
func (s *Session) Collect() ([]types.Log, error) {
	var all []types.Log
	for s.Next() {
		all = append(all, s.Logs()...)
	}
	return all, s.Err()
}
