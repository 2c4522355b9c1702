package chaintest

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/84hero/launch-indexer/pkg/contract"
)

var errNonexistentToken = errors.New("execution reverted: ERC721: invalid token ID")

// ErrReadFailed is returned by reads toggled to fail.
var ErrReadFailed = errors.New("chaintest: read failed")

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

// LaunchCreatedLog builds a launchpad creation log.
func LaunchCreatedLog(launchpad, token, creator, quote common.Address, createdAt, block uint64, index uint) types.Log {
	data, err := contract.ParsedLaunchpad.Events["LaunchCreated"].Inputs.NonIndexed().Pack(quote, new(big.Int).SetUint64(createdAt))
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     launchpad,
		Topics:      []common.Hash{contract.LaunchCreatedTopic, addressTopic(token), addressTopic(creator)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
		Index:       index,
	}
}

// NFTTransferLog builds an ERC-721 Transfer log (tokenId indexed).
func NFTTransferLog(manager, from, to common.Address, tokenID *big.Int, block uint64, index uint) types.Log {
	return types.Log{
		Address:     manager,
		Topics:      []common.Hash{contract.TransferTopic, addressTopic(from), addressTopic(to), common.BigToHash(tokenID)},
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
		Index:       index,
	}
}

// ERC20TransferLog builds an ERC-20 Transfer log (value in data).
func ERC20TransferLog(token, from, to common.Address, amount *big.Int, block uint64, index uint) types.Log {
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{contract.TransferTopic, addressTopic(from), addressTopic(to)},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: block,
		Index:       index,
	}
}

// LaunchState is the on-chain state of one launch.
type LaunchState struct {
	Name      string
	Symbol    string
	Image     string
	Raised    *big.Int
	Sold      *big.Int
	Active    bool
	FailReads bool
}

// Launchpad is a fake launchpad contract installed on a Chain.
type Launchpad struct {
	mu      sync.Mutex
	chain   *Chain
	address common.Address
	supply  *big.Int
	tokens  map[common.Address]*LaunchState
}

func InstallLaunchpad(c *Chain, address common.Address, supply *big.Int) *Launchpad {
	lp := &Launchpad{chain: c, address: address, supply: supply, tokens: make(map[common.Address]*LaunchState)}
	c.Stub(address, contract.ParsedLaunchpad, "bondingSupply", func([]interface{}) ([]interface{}, error) {
		return []interface{}{lp.supply}, nil
	})
	c.Stub(address, contract.ParsedLaunchpad, "raised", lp.read(func(s *LaunchState) interface{} { return s.Raised }))
	c.Stub(address, contract.ParsedLaunchpad, "sold", lp.read(func(s *LaunchState) interface{} { return s.Sold }))
	c.Stub(address, contract.ParsedLaunchpad, "isActive", lp.read(func(s *LaunchState) interface{} { return s.Active }))
	return lp
}

func (lp *Launchpad) Address() common.Address { return lp.address }

func (lp *Launchpad) read(field func(*LaunchState) interface{}) CallFunc {
	return func(args []interface{}) ([]interface{}, error) {
		token := args[0].(common.Address)
		lp.mu.Lock()
		defer lp.mu.Unlock()
		s, ok := lp.tokens[token]
		if !ok {
			return []interface{}{field(&LaunchState{Raised: new(big.Int), Sold: new(big.Int)})}, nil
		}
		if s.FailReads {
			return nil, ErrReadFailed
		}
		return []interface{}{field(s)}, nil
	}
}

// Set installs or replaces the state of token, including its ERC-20 metadata.
func (lp *Launchpad) Set(token common.Address, s LaunchState) {
	if s.Raised == nil {
		s.Raised = new(big.Int)
	}
	if s.Sold == nil {
		s.Sold = new(big.Int)
	}
	lp.mu.Lock()
	_, known := lp.tokens[token]
	lp.tokens[token] = &s
	lp.mu.Unlock()
	if known {
		return
	}

	meta := func(field func(*LaunchState) string) CallFunc {
		return func([]interface{}) ([]interface{}, error) {
			lp.mu.Lock()
			defer lp.mu.Unlock()
			st := lp.tokens[token]
			if st.FailReads {
				return nil, ErrReadFailed
			}
			return []interface{}{field(st)}, nil
		}
	}
	lp.chain.Stub(token, contract.ParsedToken, "name", meta(func(s *LaunchState) string { return s.Name }))
	lp.chain.Stub(token, contract.ParsedToken, "symbol", meta(func(s *LaunchState) string { return s.Symbol }))
	lp.chain.Stub(token, contract.ParsedToken, "imageUri", meta(func(s *LaunchState) string { return s.Image }))
}

// Update mutates the state of a known token.
func (lp *Launchpad) Update(token common.Address, fn func(*LaunchState)) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	fn(lp.tokens[token])
}

// PositionState is the on-chain state of one position token.
type PositionState struct {
	Token0      common.Address
	Token1      common.Address
	Fee         int64
	TickLower   int64
	TickUpper   int64
	Liquidity   *big.Int
	TokensOwed0 *big.Int
	TokensOwed1 *big.Int
}

// PositionManager is a fake ERC-721 position manager installed on a Chain.
type PositionManager struct {
	mu        sync.Mutex
	chain     *Chain
	address   common.Address
	owners    map[string]common.Address
	positions map[string]PositionState
	failOwner map[string]bool
	seq       uint
}

func InstallPositionManager(c *Chain, address common.Address) *PositionManager {
	pm := &PositionManager{
		chain:     c,
		address:   address,
		owners:    make(map[string]common.Address),
		positions: make(map[string]PositionState),
		failOwner: make(map[string]bool),
	}
	c.Stub(address, contract.ParsedPositionManager, "ownerOf", func(args []interface{}) ([]interface{}, error) {
		id := args[0].(*big.Int).String()
		pm.mu.Lock()
		defer pm.mu.Unlock()
		if pm.failOwner[id] {
			return nil, ErrReadFailed
		}
		owner, ok := pm.owners[id]
		if !ok {
			return nil, errNonexistentToken
		}
		return []interface{}{owner}, nil
	})
	c.Stub(address, contract.ParsedPositionManager, "positions", func(args []interface{}) ([]interface{}, error) {
		id := args[0].(*big.Int).String()
		pm.mu.Lock()
		defer pm.mu.Unlock()
		p, ok := pm.positions[id]
		if !ok {
			return nil, errNonexistentToken
		}
		return []interface{}{
			big.NewInt(0), common.Address{}, p.Token0, p.Token1,
			big.NewInt(p.Fee), big.NewInt(p.TickLower), big.NewInt(p.TickUpper),
			orZero(p.Liquidity), big.NewInt(0), big.NewInt(0),
			orZero(p.TokensOwed0), orZero(p.TokensOwed1),
		}, nil
	})
	return pm
}

func (pm *PositionManager) Address() common.Address { return pm.address }

// Mint creates tokenID for to and emits the mint Transfer log.
func (pm *PositionManager) Mint(to common.Address, tokenID *big.Int, state PositionState, block uint64) {
	pm.mu.Lock()
	pm.positions[tokenID.String()] = state
	pm.mu.Unlock()
	pm.Transfer(common.Address{}, to, tokenID, block)
}

// Transfer moves tokenID and emits the Transfer log.
func (pm *PositionManager) Transfer(from, to common.Address, tokenID *big.Int, block uint64) {
	pm.mu.Lock()
	pm.owners[tokenID.String()] = to
	pm.seq++
	index := pm.seq
	pm.mu.Unlock()
	pm.chain.AddLogs(NFTTransferLog(pm.address, from, to, tokenID, block, index))
}

// SetLiquidity changes the live liquidity of tokenID.
func (pm *PositionManager) SetLiquidity(tokenID *big.Int, liquidity *big.Int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p := pm.positions[tokenID.String()]
	p.Liquidity = liquidity
	pm.positions[tokenID.String()] = p
}

// FailOwnerOf makes ownerOf(tokenID) fail.
func (pm *PositionManager) FailOwnerOf(tokenID *big.Int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.failOwner[tokenID.String()] = true
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
