// Package contract binds the read-only contract methods the indexer queries.
// Calls are packed and unpacked with go-ethereum's ABI codec against the
// chain reader; no transactions are ever sent.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrEmptyResult is returned when a call comes back with no data, which
// usually means the address has no code or the method reverted.
var ErrEmptyResult = errors.New("contract call returned no data")

// Caller is the subset of the chain reader needed for eth_call.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// bound is a contract address paired with its parsed ABI.
type bound struct {
	address common.Address
	abi     abi.ABI
	caller  Caller
}

func bind(address common.Address, parsed abi.ABI, caller Caller) *bound {
	return &bound{address: address, abi: parsed, caller: caller}
}

func mustParse(abiJSON string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}

func (b *bound) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := b.address
	out, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, b.address.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s on %s: %w", method, b.address.Hex(), ErrEmptyResult)
	}
	vals, err := b.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (b *bound) callBigInt(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	vals, err := b.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return type %T", method, vals[0])
	}
	return v, nil
}

func (b *bound) callString(ctx context.Context, method string) (string, error) {
	vals, err := b.call(ctx, method)
	if err != nil {
		return "", err
	}
	v, ok := vals[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected return type %T", method, vals[0])
	}
	return v, nil
}

func (b *bound) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	vals, err := b.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected return type %T", method, vals[0])
	}
	return v, nil
}

func (b *bound) callAddress(ctx context.Context, method string, args ...interface{}) (common.Address, error) {
	vals, err := b.call(ctx, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected return type %T", method, vals[0])
	}
	return v, nil
}
