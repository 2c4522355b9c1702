package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PositionInfo is the decoded positions(tokenId) tuple.
type PositionInfo struct {
	Token0      common.Address
	Token1      common.Address
	Fee         uint32
	TickLower   int32
	TickUpper   int32
	Liquidity   *big.Int
	TokensOwed0 *big.Int
	TokensOwed1 *big.Int
}

// PositionManager reads the ERC-721 position manager.
type PositionManager struct {
	*bound
}

func NewPositionManager(address common.Address, caller Caller) *PositionManager {
	return &PositionManager{bind(address, ParsedPositionManager, caller)}
}

func (p *PositionManager) Address() common.Address {
	return p.address
}

// OwnerOf returns the current holder of tokenID.
func (p *PositionManager) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	return p.callAddress(ctx, "ownerOf", tokenID)
}

// Position reads the live state of tokenID.
func (p *PositionManager) Position(ctx context.Context, tokenID *big.Int) (PositionInfo, error) {
	vals, err := p.call(ctx, "positions", tokenID)
	if err != nil {
		return PositionInfo{}, err
	}
	if len(vals) != 12 {
		return PositionInfo{}, fmt.Errorf("positions: expected 12 values, got %d", len(vals))
	}

	var (
		info PositionInfo
		ok   = true
		fee  *big.Int
		lo   *big.Int
		hi   *big.Int
	)
	info.Token0, ok = vals[2].(common.Address)
	if ok {
		info.Token1, ok = vals[3].(common.Address)
	}
	if ok {
		fee, ok = vals[4].(*big.Int)
	}
	if ok {
		lo, ok = vals[5].(*big.Int)
	}
	if ok {
		hi, ok = vals[6].(*big.Int)
	}
	if ok {
		info.Liquidity, ok = vals[7].(*big.Int)
	}
	if ok {
		info.TokensOwed0, ok = vals[10].(*big.Int)
	}
	if ok {
		info.TokensOwed1, ok = vals[11].(*big.Int)
	}
	if !ok {
		return PositionInfo{}, fmt.Errorf("positions: unexpected tuple layout for token %s", tokenID)
	}

	info.Fee = uint32(fee.Uint64())
	info.TickLower = int32(lo.Int64())
	info.TickUpper = int32(hi.Int64())
	return info, nil
}
