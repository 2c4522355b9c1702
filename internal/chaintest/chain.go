// Package chaintest provides an in-memory chain reader for tests: a log
// store answering eth_getLogs and ABI-level stubs answering eth_call.
package chaintest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrRangeTooLarge = errors.New("query exceeds max block range")

// CallFunc answers a stubbed method with already unpacked arguments.
type CallFunc func(args []interface{}) ([]interface{}, error)

type stub struct {
	method abi.Method
	fn     CallFunc
}

// Chain implements rpc.Client over in-memory state.
type Chain struct {
	mu sync.Mutex

	id       *big.Int
	head     uint64
	logs     []types.Log
	stubs    map[common.Address]map[string]stub
	maxRange uint64

	headErr   error
	filterErr func(q ethereum.FilterQuery) error

	filterCalls []ethereum.FilterQuery
	callCount   map[string]int
}

func New(chainID int64, head uint64) *Chain {
	return &Chain{
		id:        big.NewInt(chainID),
		head:      head,
		stubs:     make(map[common.Address]map[string]stub),
		callCount: make(map[string]int),
	}
}

// SetHead moves the chain tip.
func (c *Chain) SetHead(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = h
}

// SetMaxRange makes FilterLogs reject ranges wider than n blocks.
func (c *Chain) SetMaxRange(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxRange = n
}

// FailHead makes BlockNumber fail with err (nil restores it).
func (c *Chain) FailHead(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headErr = err
}

// FailFilter installs a hook that may fail individual getLogs calls.
func (c *Chain) FailFilter(fn func(q ethereum.FilterQuery) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterErr = fn
}

// AddLogs appends logs to the chain. Callers set BlockNumber and Index.
func (c *Chain) AddLogs(logs ...types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, logs...)
}

// Stub answers calls of method on contract to with fn.
func (c *Chain) Stub(to common.Address, contractABI abi.ABI, method string, fn CallFunc) {
	m, ok := contractABI.Methods[method]
	if !ok {
		panic(fmt.Sprintf("chaintest: method %q not in abi", method))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stubs[to] == nil {
		c.stubs[to] = make(map[string]stub)
	}
	c.stubs[to][string(m.ID)] = stub{method: m, fn: fn}
}

// Returns is a CallFunc that always answers with outs.
func Returns(outs ...interface{}) CallFunc {
	return func([]interface{}) ([]interface{}, error) { return outs, nil }
}

// Fails is a CallFunc that always fails.
func Fails(err error) CallFunc {
	return func([]interface{}) ([]interface{}, error) { return nil, err }
}

// FilterCalls returns the getLogs queries received so far.
func (c *Chain) FilterCalls() []ethereum.FilterQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ethereum.FilterQuery(nil), c.filterCalls...)
}

// CallCount returns how often method was called on any contract.
func (c *Chain) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount[method]
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.id), nil
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

// HeaderByNumber returns a header whose bloom covers the block's logs.
func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var bloom types.Bloom
	for _, l := range c.logs {
		if l.BlockNumber != number.Uint64() {
			continue
		}
		bloom.Add(l.Address.Bytes())
		for _, t := range l.Topics {
			bloom.Add(t.Bytes())
		}
	}
	return &types.Header{Number: new(big.Int).Set(number), Bloom: bloom}, nil
}

func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterCalls = append(c.filterCalls, q)

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if c.maxRange > 0 && to-from+1 > c.maxRange {
		return nil, ErrRangeTooLarge
	}
	if c.filterErr != nil {
		if err := c.filterErr(q); err != nil {
			return nil, err
		}
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if !matchAddress(q.Addresses, l.Address) || !matchTopics(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("chaintest: malformed call")
	}
	c.mu.Lock()
	s, ok := c.stubs[*msg.To][string(msg.Data[:4])]
	if ok {
		c.callCount[s.method.Name]++
	}
	c.mu.Unlock()
	if !ok {
		// no code at the address
		return nil, nil
	}

	args, err := s.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	outs, err := s.fn(args)
	if err != nil {
		return nil, err
	}
	return s.method.Outputs.Pack(outs...)
}

func (c *Chain) Close() {}

func matchAddress(want []common.Address, got common.Address) bool {
	if len(want) == 0 {
		return true
	}
	for _, a := range want {
		if a == got {
			return true
		}
	}
	return false
}

func matchTopics(want [][]common.Hash, got []common.Hash) bool {
	for i, alts := range want {
		if len(alts) == 0 {
			continue
		}
		if i >= len(got) {
			return false
		}
		found := false
		for _, h := range alts {
			if bytes.Equal(h.Bytes(), got[i].Bytes()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
