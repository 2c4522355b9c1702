package rpc

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNodeScore(t *testing.T) {
	n := &Node{
		config: NodeConfig{Priority: 10},
	}

	// 10 * 100
	assert.Equal(t, int64(1000), n.Score(0))

	n.RecordMetric(time.Now().Add(-100*time.Millisecond), nil)
	// 1000 - 100/10
	assert.Equal(t, int64(990), n.Score(0))

	n2 := &Node{config: NodeConfig{Priority: 10}}
	n2.RecordMetric(time.Now(), errors.New("fail"))
	// one consecutive error costs 500
	assert.Equal(t, int64(500), n2.Score(0))
}

func TestNode_ScoreLag(t *testing.T) {
	n := &Node{
		config: NodeConfig{Priority: 10},
	}
	n.UpdateHeight(100)
	// lag 20: 1000 - 20*50
	assert.Equal(t, int64(0), n.Score(120))
	// lag within tolerance is free
	assert.Equal(t, int64(1000), n.Score(104))
}

func TestMultiClient_Failover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock1 := new(MockEthClient)
	mock1.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("connection error")).Maybe()
	mock1.On("ChainID", mock.Anything).Return(nil, errors.New("connection error"))

	mock2 := new(MockEthClient)
	mock2.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()
	mock2.On("ChainID", mock.Anything).Return(big.NewInt(8453), nil)

	node1 := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mock1)
	node2 := NewNodeWithClient(NodeConfig{URL: "node2", Priority: 8}, mock2)

	mc, err := NewClientWithNodes(ctx, []*Node{node1, node2})
	require.NoError(t, err)

	id, err := mc.ChainID(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(8453), id.Int64())
	assert.GreaterOrEqual(t, node1.GetTotalErrors(), uint64(1))
}

func TestExecute_RetryLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("fail")).Maybe()
	mockEth.On("FilterLogs", mock.Anything, mock.Anything).Return(nil, errors.New("fail"))

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth)
	mc, err := NewClientWithNodes(ctx, []*Node{node})
	require.NoError(t, err)

	_, err = mc.FilterLogs(ctx, ethereum.FilterQuery{})
	assert.Error(t, err)
	// a single node gets a single attempt
	mockEth.AssertNumberOfCalls(t, "FilterLogs", 1)
}

func TestExecute_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth)
	mc, err := NewClientWithNodes(ctx, []*Node{node})
	require.NoError(t, err)

	cancel()
	_, err = mc.ChainID(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProxyMethods(t *testing.T) {
	ctx := context.Background()
	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(500), nil).Maybe()

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth)
	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	mc, err := NewClientWithNodes(syncCtx, []*Node{node})
	require.NoError(t, err)

	mockEth.On("ChainID", ctx).Return(big.NewInt(1), nil).Once()
	id, err := mc.ChainID(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	header := &types.Header{Number: big.NewInt(100)}
	mockEth.On("HeaderByNumber", ctx, big.NewInt(100)).Return(header, nil).Once()
	h, err := mc.HeaderByNumber(ctx, big.NewInt(100))
	assert.NoError(t, err)
	assert.Equal(t, int64(100), h.Number.Int64())

	to := common.HexToAddress("0x1234")
	msg := ethereum.CallMsg{To: &to}
	mockEth.On("CallContract", ctx, msg, (*big.Int)(nil)).Return([]byte{0x1}, nil).Once()
	out, err := mc.CallContract(ctx, msg, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x1}, out)

	q := ethereum.FilterQuery{FromBlock: big.NewInt(100)}
	mockEth.On("FilterLogs", ctx, q).Return([]types.Log{}, nil).Once()
	logs, err := mc.FilterLogs(ctx, q)
	assert.NoError(t, err)
	assert.Empty(t, logs)

	assert.Len(t, mc.Nodes(), 1)

	mockEth.On("Close").Once()
	mc.Close()
}

func TestCallContract_PinnedBlockRequiresHeight(t *testing.T) {
	ctx := context.Background()
	mockEth := new(MockEthClient)
	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth)
	node.UpdateHeight(50)

	mc := &MultiClient{nodes: []*Node{node}}

	to := common.HexToAddress("0x1234")
	_, err := mc.CallContract(ctx, ethereum.CallMsg{To: &to}, big.NewInt(60))
	assert.ErrorIs(t, err, ErrNoNodeMeetsHeight)

	mockEth.On("CallContract", ctx, ethereum.CallMsg{To: &to}, big.NewInt(40)).Return([]byte{0x2}, nil).Once()
	out, err := mc.CallContract(ctx, ethereum.CallMsg{To: &to}, big.NewInt(40))
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x2}, out)
}

func TestPickAvailableNode_AllBroken(t *testing.T) {
	node := &Node{config: NodeConfig{URL: "n", Priority: 1}}
	for i := 0; i < circuitThreshold; i++ {
		node.RecordMetric(time.Now(), assert.AnError)
	}
	mc := &MultiClient{nodes: []*Node{node}}

	_, err := mc.pickAvailableNode(context.Background())
	assert.ErrorIs(t, err, ErrNoAvailableNodes)
}

func TestMultiClient_WaitsForBusyNode(t *testing.T) {
	ctx := context.Background()
	mockEth := new(MockEthClient)
	mockEth.On("ChainID", mock.Anything).Return(big.NewInt(1), nil)

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10, MaxConcurrent: 2}, mockEth)
	mc := &MultiClient{nodes: []*Node{node}}

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mc.ChainID(ctx); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), ok)
	// every slot was handed back
	assert.Len(t, node.semaphore, 0)
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), []NodeConfig{})
	assert.Error(t, err)

	_, err = NewClientWithNodes(context.Background(), []*Node{})
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	configs := []NodeConfig{
		{URL: "invalid-scheme://", Priority: 1},
	}
	_, err := NewClient(context.Background(), configs)
	assert.Error(t, err)
}

func TestNodeGetters(t *testing.T) {
	n := &Node{config: NodeConfig{URL: "http://test", Priority: 5}}
	assert.Equal(t, "http://test", n.URL())
	assert.Equal(t, 5, n.Priority())
	assert.Equal(t, int64(0), n.GetLatency())
	assert.Equal(t, uint64(0), n.GetErrorCount())
}

func BenchmarkNode_TryAcquire(b *testing.B) {
	ctx := context.Background()
	node := NewNodeWithClient(NodeConfig{
		URL:           "test",
		Priority:      10,
		RateLimit:     1000,
		MaxConcurrent: 100,
	}, new(MockEthClient))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := node.TryAcquire(ctx); err == nil {
				node.Release()
			}
		}
	})
}
