package rpc

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/84hero/launch-indexer/pkg/metrics"
)

var (
	ErrNodeBusy          = errors.New("rpc node at max concurrency")
	ErrRateLimitExceeded = errors.New("rpc node rate limit exceeded")
	ErrCircuitBroken     = errors.New("rpc node circuit broken")
)

const (
	// consecutive errors before a node is taken out of rotation
	circuitThreshold = 10
	circuitCooldown  = 30 * time.Second
)

// NodeConfig represents configuration for a single RPC node
type NodeConfig struct {
	URL           string  `mapstructure:"url"`
	Priority      int     `mapstructure:"priority"`       // Initial weight (1-100), higher is more preferred
	RateLimit     float64 `mapstructure:"rate_limit"`     // Requests per second, 0 = unlimited
	MaxConcurrent int     `mapstructure:"max_concurrent"` // In-flight requests, 0 = unlimited
}

// Node wraps the underlying ethclient and provides health monitoring,
// rate limiting and a simple circuit breaker.
type Node struct {
	config NodeConfig
	client EthClient

	limiter   *rate.Limiter
	semaphore chan struct{}

	errorCount  uint64 // Consecutive error count
	totalErrors uint64
	latency     int64 // Average latency (ms)
	latestBlock uint64
	lastFailure int64 // unix nano of the last failed call
}

// NewNode dials the node URL.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}

	return NewNodeWithClient(cfg, client), nil
}

// NewNodeWithClient initializes Node with a pre-created client (Testing/DI)
func NewNodeWithClient(cfg NodeConfig, client EthClient) *Node {
	n := &Node{
		config: cfg,
		client: client,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.MaxConcurrent > 0 {
		n.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return n
}

func (n *Node) URL() string {
	return n.config.URL
}

func (n *Node) Priority() int {
	return n.config.Priority
}

// Score calculates the real-time score of the node. Higher is better.
// Formula: (Priority * 100) - (Latency / 10) - (ConsecutiveErrors * 500),
// minus 50 per block when lagging more than 5 blocks behind the global height.
func (n *Node) Score(globalMaxHeight uint64) int64 {
	score := int64(n.config.Priority) * 100

	score -= atomic.LoadInt64(&n.latency) / 10

	errs := atomic.LoadUint64(&n.errorCount)
	score -= int64(errs) * 500

	myHeight := atomic.LoadUint64(&n.latestBlock)
	if globalMaxHeight > 0 && myHeight < globalMaxHeight {
		lag := globalMaxHeight - myHeight
		if lag > 5 {
			score -= int64(lag) * 50
		}
	}

	return score
}

// TryAcquire reserves a request slot without blocking.
// Callers must Release the slot once the request is done.
func (n *Node) TryAcquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.IsCircuitBroken() {
		return ErrCircuitBroken
	}
	if n.limiter != nil && !n.limiter.Allow() {
		return ErrRateLimitExceeded
	}
	if n.semaphore != nil {
		select {
		case n.semaphore <- struct{}{}:
		default:
			return ErrNodeBusy
		}
	}
	return nil
}

// Release frees a slot taken by TryAcquire or a blocking wait.
func (n *Node) Release() {
	if n.semaphore == nil {
		return
	}
	select {
	case <-n.semaphore:
	default:
	}
}

// IsCircuitBroken reports whether the node failed too often recently.
// The breaker half-opens once the cooldown has elapsed.
func (n *Node) IsCircuitBroken() bool {
	if atomic.LoadUint64(&n.errorCount) < circuitThreshold {
		return false
	}
	last := atomic.LoadInt64(&n.lastFailure)
	return time.Since(time.Unix(0, last)) < circuitCooldown
}

// MeetsHeightRequirement reports whether the node has seen block h.
func (n *Node) MeetsHeightRequirement(h uint64) bool {
	return atomic.LoadUint64(&n.latestBlock) >= h
}

// RecordMetric records result of a call, updating latency and error count
func (n *Node) RecordMetric(start time.Time, err error) {
	duration := time.Since(start).Milliseconds()

	oldLatency := atomic.LoadInt64(&n.latency)
	if oldLatency == 0 {
		atomic.StoreInt64(&n.latency, duration)
	} else {
		// new sample weighs 20%
		atomic.StoreInt64(&n.latency, (oldLatency*8+duration*2)/10)
	}

	if err != nil {
		atomic.AddUint64(&n.errorCount, 1)
		atomic.AddUint64(&n.totalErrors, 1)
		atomic.StoreInt64(&n.lastFailure, time.Now().UnixNano())
		return
	}
	// decay slowly on success to avoid jitter
	if current := atomic.LoadUint64(&n.errorCount); current > 0 {
		atomic.StoreUint64(&n.errorCount, current-1)
	}
}

func (n *Node) observe(method string, start time.Time, err error) {
	n.RecordMetric(start, err)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequests.WithLabelValues(n.config.URL, method, status).Inc()
	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// UpdateHeight records the node's latest height, never moving backwards.
func (n *Node) UpdateHeight(h uint64) {
	for {
		current := atomic.LoadUint64(&n.latestBlock)
		if h <= current || atomic.CompareAndSwapUint64(&n.latestBlock, current, h) {
			return
		}
	}
}

func (n *Node) GetErrorCount() uint64 {
	return atomic.LoadUint64(&n.errorCount)
}

func (n *Node) GetTotalErrors() uint64 {
	return atomic.LoadUint64(&n.totalErrors)
}

func (n *Node) GetLatency() int64 {
	return atomic.LoadInt64(&n.latency)
}

func (n *Node) GetLatestBlock() uint64 {
	return atomic.LoadUint64(&n.latestBlock)
}

// Proxy methods

func (n *Node) BlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	h, err := n.client.BlockNumber(ctx)
	n.observe("eth_blockNumber", start, err)
	if err == nil {
		n.UpdateHeight(h)
	}
	return h, err
}

func (n *Node) ChainID(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	id, err := n.client.ChainID(ctx)
	n.observe("eth_chainId", start, err)
	return id, err
}

func (n *Node) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	start := time.Now()
	h, err := n.client.HeaderByNumber(ctx, number)
	n.observe("eth_getBlockByNumber", start, err)
	return h, err
}

func (n *Node) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	start := time.Now()
	logs, err := n.client.FilterLogs(ctx, q)
	n.observe("eth_getLogs", start, err)
	return logs, err
}

func (n *Node) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	start := time.Now()
	out, err := n.client.CallContract(ctx, msg, blockNumber)
	n.observe("eth_call", start, err)
	return out, err
}

func (n *Node) Close() {
	n.client.Close()
}
