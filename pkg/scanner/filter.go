package scanner

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// heavyThreshold is the number of alternatives at which a logs bloom
// saturates and stops being a useful prefilter.
const heavyThreshold = 20

// Filter selects the logs a scan is interested in. It builds eth_getLogs
// queries and doubles as a local bloom check.
type Filter struct {
	// Contracts restricts Log.Address; empty matches every contract.
	Contracts []common.Address

	// Topics follows eth_getLogs semantics: OR within a position, AND across
	// positions, an empty position is a wildcard.
	Topics [][]common.Hash
}

func NewFilter(contracts ...common.Address) *Filter {
	return &Filter{
		Contracts: append([]common.Address(nil), contracts...),
		Topics:    make([][]common.Hash, 0),
	}
}

// AddContract adds contract addresses to listen to
func (f *Filter) AddContract(addrs ...common.Address) *Filter {
	f.Contracts = append(f.Contracts, addrs...)
	return f
}

// SetTopic appends alternatives at position pos (0 is the event signature).
func (f *Filter) SetTopic(pos int, hashes ...common.Hash) *Filter {
	if len(f.Topics) <= pos {
		grown := make([][]common.Hash, pos+1)
		copy(grown, f.Topics)
		f.Topics = grown
	}
	f.Topics[pos] = append(f.Topics[pos], hashes...)
	return f
}

// Clone returns a deep copy so callers can narrow a shared filter.
func (f *Filter) Clone() *Filter {
	c := &Filter{
		Contracts: append([]common.Address(nil), f.Contracts...),
		Topics:    make([][]common.Hash, len(f.Topics)),
	}
	for i, pos := range f.Topics {
		c.Topics[i] = append([]common.Hash(nil), pos...)
	}
	return c
}

// ToQuery converts the filter into a bounded eth_getLogs query.
func (f *Filter) ToQuery(fromBlock, toBlock uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: f.Contracts,
		Topics:    f.Topics,
	}
}

// IsHeavy reports whether the filter has too many alternatives for the
// bloom prefilter to be worth a header fetch.
func (f *Filter) IsHeavy() bool {
	if len(f.Contracts) > heavyThreshold {
		return true
	}
	for _, alts := range f.Topics {
		if len(alts) > heavyThreshold {
			return true
		}
	}
	return false
}

// MatchesBloom returns false only when the block certainly holds no
// matching log.
func (f *Filter) MatchesBloom(bloom types.Bloom) bool {
	if len(f.Contracts) > 0 && !anyInBloom(bloom, len(f.Contracts), func(i int) []byte { return f.Contracts[i].Bytes() }) {
		return false
	}
	for _, alts := range f.Topics {
		if len(alts) == 0 {
			continue
		}
		if !anyInBloom(bloom, len(alts), func(i int) []byte { return alts[i].Bytes() }) {
			return false
		}
	}
	return true
}

func anyInBloom(bloom types.Bloom, n int, item func(int) []byte) bool {
	for i := 0; i < n; i++ {
		if bloom.Test(item(i)) {
			return true
		}
	}
	return false
}
