package contract

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Launchpad reads bonding-curve state from the launchpad contract.
type Launchpad struct {
	*bound
}

func NewLaunchpad(address common.Address, caller Caller) *Launchpad {
	return &Launchpad{bind(address, ParsedLaunchpad, caller)}
}

func (l *Launchpad) Address() common.Address {
	return l.address
}

// BondingSupply is the fixed supply sold along the curve, shared by all launches.
func (l *Launchpad) BondingSupply(ctx context.Context) (*big.Int, error) {
	return l.callBigInt(ctx, "bondingSupply")
}

// Raised is the cumulative quote asset raised by token, in smallest units.
func (l *Launchpad) Raised(ctx context.Context, token common.Address) (*big.Int, error) {
	return l.callBigInt(ctx, "raised", token)
}

// Sold is the cumulative base amount sold by token, in smallest units.
func (l *Launchpad) Sold(ctx context.Context, token common.Address) (*big.Int, error) {
	return l.callBigInt(ctx, "sold", token)
}

// IsActive reports whether token still trades on the curve.
func (l *Launchpad) IsActive(ctx context.Context, token common.Address) (bool, error) {
	return l.callBool(ctx, "isActive", token)
}
