package rpc

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Error definitions
var (
	ErrNoAvailableNodes  = errors.New("no available rpc nodes")
	ErrNoNodeMeetsHeight = errors.New("no node meets the required block height")
)

// MultiClient manages multiple RPC nodes, providing load balancing and failover
type MultiClient struct {
	nodes        []*Node
	globalHeight uint64

	mu sync.RWMutex
}

// NewClient initializes a multi-node client
func NewClient(ctx context.Context, configs []NodeConfig) (*MultiClient, error) {
	if len(configs) == 0 {
		return nil, errors.New("no rpc configs provided")
	}

	nodes := make([]*Node, 0, len(configs))
	for _, cfg := range configs {
		n, err := NewNode(ctx, cfg)
		if err != nil {
			// tolerated as long as one node connects
			log.Warn("Skipping unreachable rpc node", "url", cfg.URL, "err", err)
			continue
		}
		nodes = append(nodes, n)
	}

	return NewClientWithNodes(ctx, nodes)
}

// NewClientWithNodes initializes MultiClient with existing nodes (for testing or advanced usage)
func NewClientWithNodes(ctx context.Context, nodes []*Node) (*MultiClient, error) {
	if len(nodes) == 0 {
		return nil, errors.New("failed to connect to any rpc node")
	}

	mc := &MultiClient{
		nodes: nodes,
	}

	// refresh node heights every 5 seconds
	go mc.startBackgroundSync(ctx)

	return mc, nil
}

// startBackgroundSync periodically polls all nodes to update their heights and scores
func (mc *MultiClient) startBackgroundSync(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	// Initial sync
	mc.syncNodes(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.syncNodes(ctx)
		}
	}
}

func (mc *MultiClient) syncNodes(ctx context.Context) {
	var maxH uint64
	var wg sync.WaitGroup

	for _, n := range mc.nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			// maintenance traffic bypasses the limiter
			h, err := node.BlockNumber(ctx)
			if err != nil {
				return
			}
			for {
				cur := atomic.LoadUint64(&maxH)
				if h <= cur || atomic.CompareAndSwapUint64(&maxH, cur, h) {
					return
				}
			}
		}(n)
	}
	wg.Wait()

	if maxH > 0 {
		atomic.StoreUint64(&mc.globalHeight, maxH)
	}
}

// execute performs an RPC request with retry logic and auto node switching
func (mc *MultiClient) execute(ctx context.Context, op func(*Node) error) error {
	// Max attempts = number of nodes (capped at 3 to avoid long loops)
	attempts := len(mc.nodes)
	if attempts > 3 {
		attempts = 3
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		node, err := mc.pickAvailableNode(ctx)
		if err != nil {
			return err
		}

		err = op(node)
		node.Release()
		if err == nil {
			return nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// the failure lowered the node score, so the next pick may switch nodes
		log.Debug("Rpc call failed, retrying", "node", node.URL(), "attempt", i+1, "err", err)
	}

	return lastErr
}

// ChainID retrieves the chain ID from the best available node
func (mc *MultiClient) ChainID(ctx context.Context) (*big.Int, error) {
	var res *big.Int
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.ChainID(ctx)
		return e
	})
	return res, err
}

// BlockNumber retrieves the latest block height across all nodes (cached if possible)
func (mc *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	// Prefer cached global highest height
	h := atomic.LoadUint64(&mc.globalHeight)
	if h > 0 {
		return h, nil
	}
	// If cache empty (at startup), force request
	var res uint64
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.BlockNumber(ctx)
		return e
	})
	return res, err
}

// HeaderByNumber retrieves a block header from the best available node
func (mc *MultiClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var res *types.Header
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.HeaderByNumber(ctx, number)
		return e
	})
	return res, err
}

// FilterLogs retrieves logs from the best available node based on the query
func (mc *MultiClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var res []types.Log
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.FilterLogs(ctx, q)
		return e
	})
	return res, err
}

// CallContract executes a read-only call on the best available node.
// Calls pinned to a block are only routed to nodes that have seen it.
func (mc *MultiClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var res []byte
	op := func(n *Node) error {
		var e error
		res, e = n.CallContract(ctx, msg, blockNumber)
		return e
	}
	if blockNumber == nil || blockNumber.Sign() <= 0 {
		err := mc.execute(ctx, op)
		return res, err
	}
	node, err := mc.pickAvailableNodeWithHeight(ctx, blockNumber.Uint64())
	if err != nil {
		return nil, err
	}
	err = op(node)
	node.Release()
	return res, err
}

// Nodes returns the managed nodes, for health reporting.
func (mc *MultiClient) Nodes() []*Node {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]*Node, len(mc.nodes))
	copy(out, mc.nodes)
	return out
}

// Close closes all underlying RPC connections
func (mc *MultiClient) Close() {
	for _, n := range mc.nodes {
		n.Close()
	}
}

// pickAvailableNode selects an available node with auto-switching
func (mc *MultiClient) pickAvailableNode(ctx context.Context) (*Node, error) {
	return mc.pickAvailableNodeWithHeight(ctx, 0)
}

// pickAvailableNodeWithHeight selects a node that meets the height requirement
func (mc *MultiClient) pickAvailableNodeWithHeight(ctx context.Context, requiredHeight uint64) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mc.mu.RLock()
	globalH := atomic.LoadUint64(&mc.globalHeight)

	// Create a copy of candidates for sorting
	candidates := make([]*Node, len(mc.nodes))
	copy(candidates, mc.nodes)
	mc.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoAvailableNodes
	}

	// Sort by score in descending order
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score(globalH) > candidates[j].Score(globalH)
	})

	for _, node := range candidates {
		if requiredHeight > 0 && !node.MeetsHeightRequirement(requiredHeight) {
			continue
		}
		if err := node.TryAcquire(ctx); err == nil {
			return node, nil
		}
		// busy, rate limited or broken: try the next one
	}

	// nothing free right now, block on the best healthy candidate
	var best *Node
	for _, node := range candidates {
		if node.IsCircuitBroken() {
			continue
		}
		if requiredHeight > 0 && !node.MeetsHeightRequirement(requiredHeight) {
			continue
		}
		best = node
		break
	}
	if best == nil {
		if requiredHeight > 0 {
			return nil, ErrNoNodeMeetsHeight
		}
		return nil, ErrNoAvailableNodes
	}

	return mc.waitForNode(ctx, best)
}

// waitForNode blocks until the node becomes available
func (mc *MultiClient) waitForNode(ctx context.Context, node *Node) (*Node, error) {
	if node.limiter != nil {
		if err := node.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if node.semaphore != nil {
		select {
		case node.semaphore <- struct{}{}:
			return node, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return node, nil
}
