package contract

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Tokens reads ERC-20 metadata from arbitrary token addresses.
type Tokens struct {
	abi    abi.ABI
	caller Caller
}

func NewTokens(caller Caller) *Tokens {
	return &Tokens{abi: ParsedToken, caller: caller}
}

func (t *Tokens) at(token common.Address) *bound {
	return bind(token, t.abi, t.caller)
}

func (t *Tokens) Name(ctx context.Context, token common.Address) (string, error) {
	return t.at(token).callString(ctx, "name")
}

func (t *Tokens) Symbol(ctx context.Context, token common.Address) (string, error) {
	return t.at(token).callString(ctx, "symbol")
}

// ImageURI reads the launchpad token's media reference. Not every token
// implements it; callers treat a failure as "no image".
func (t *Tokens) ImageURI(ctx context.Context, token common.Address) (string, error) {
	return t.at(token).callString(ctx, "imageUri")
}
