// Package entity holds the indexed domain records and their natural keys.
package entity

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Keyed is implemented by every record the indexer persists.
type Keyed interface {
	Key() string
}

// LaunchStatus is the lifecycle of a bonding-curve launch.
type LaunchStatus string

const (
	LaunchActive    LaunchStatus = "active"
	LaunchCompleted LaunchStatus = "completed"
)

// Launch is one token launch on the bonding-curve launchpad.
type Launch struct {
	Token        common.Address  `json:"token"`
	Name         string          `json:"name"`
	Symbol       string          `json:"symbol"`
	ImageURI     string          `json:"image_uri,omitempty"`
	Creator      common.Address  `json:"creator"`
	QuoteAsset   common.Address  `json:"quote_asset"`
	CreatedAt    uint64          `json:"created_at"`
	CreatedBlock uint64          `json:"created_block"`
	Raised       *big.Int        `json:"raised"`
	Sold         *big.Int        `json:"sold"`
	Progress     decimal.Decimal `json:"progress"`
	Status       LaunchStatus    `json:"status"`

	// Hydrated is false for stubs built from the creation event alone,
	// i.e. when the metadata reads failed. Stubs are re-hydrated on the next pass.
	Hydrated bool `json:"hydrated"`
}

// Key returns the lower-case token address.
func (l Launch) Key() string {
	return LaunchKey(l.Token)
}

// Live reports whether the launch still trades on the curve.
func (l Launch) Live() bool {
	return l.Status != LaunchCompleted
}

// LaunchKey is the natural key of a launch.
func LaunchKey(token common.Address) string {
	return strings.ToLower(token.Hex())
}

var (
	bpsScale   = big.NewInt(10_000)
	maxPercent = decimal.NewFromInt(100)
)

// Progress derives the bonding-curve fill percentage from sold and the
// bonding supply. Integer math is kept until the final division by 100 and
// the result is clamped to [0, 100].
func Progress(sold, supply *big.Int) decimal.Decimal {
	if sold == nil || supply == nil || supply.Sign() <= 0 || sold.Sign() <= 0 {
		return decimal.Zero
	}
	bps := new(big.Int).Mul(sold, bpsScale)
	bps.Quo(bps, supply)
	if bps.Cmp(bpsScale) >= 0 {
		return maxPercent
	}
	return decimal.NewFromBigInt(bps, -2)
}

// PositionStatus is the lifecycle of a liquidity position.
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// Position is one concentrated-liquidity position NFT.
type Position struct {
	ChainID     uint64         `json:"chain_id"`
	Owner       common.Address `json:"owner"`
	TokenID     *big.Int       `json:"token_id"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Fee         uint32         `json:"fee"`
	TickLower   int32          `json:"tick_lower"`
	TickUpper   int32          `json:"tick_upper"`
	Liquidity   *big.Int       `json:"liquidity"`
	TokensOwed0 *big.Int       `json:"tokens_owed0"`
	TokensOwed1 *big.Int       `json:"tokens_owed1"`
	Status      PositionStatus `json:"status"`
}

func (p Position) Key() string {
	return PositionKey(p.ChainID, p.Owner, p.TokenID)
}

// Live reports whether the position still holds liquidity.
func (p Position) Live() bool {
	return p.Status == PositionActive
}

// Normalize derives Status from Liquidity: closed iff liquidity is zero.
func (p Position) Normalize() Position {
	if p.Liquidity == nil || p.Liquidity.Sign() == 0 {
		p.Status = PositionClosed
	} else {
		p.Status = PositionActive
	}
	return p
}

// PositionKey is the composite natural key chain:owner:tokenID.
func PositionKey(chainID uint64, owner common.Address, tokenID *big.Int) string {
	id := "0"
	if tokenID != nil {
		id = tokenID.String()
	}
	return fmt.Sprintf("%d:%s:%s", chainID, strings.ToLower(owner.Hex()), id)
}

// OwnedToken is an entry of the owner -> position token index. Entries are
// never deleted; a token that left the owner is kept with Released set.
type OwnedToken struct {
	ChainID    uint64         `json:"chain_id"`
	Owner      common.Address `json:"owner"`
	TokenID    *big.Int       `json:"token_id"`
	VerifiedAt time.Time      `json:"verified_at"`
	Released   bool           `json:"released,omitempty"`
}

func (o OwnedToken) Key() string {
	return PositionKey(o.ChainID, o.Owner, o.TokenID)
}

// Cursor is the last block through which all events have been merged.
type Cursor struct {
	Block     uint64    `json:"block"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Advance returns the cursor moved to block, never backwards.
func (c Cursor) Advance(block uint64, now time.Time) Cursor {
	if block < c.Block {
		block = c.Block
	}
	return Cursor{Block: block, UpdatedAt: now}
}
