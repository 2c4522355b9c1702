package chain

import (
	"sync"
	"time"
)

// Preset defines the default behavior parameters for a chain
type Preset struct {
	ChainID   uint64
	BlockTime time.Duration // Average block time (affects polling interval)
	ReorgSafe uint64        // Recommended safety confirmations
	BatchSize uint64        // Recommended scan batch size
	// MaxLogRange is the widest eth_getLogs range common public providers
	// accept. 0 means no known limit.
	MaxLogRange uint64
	Endpoint    string // (Optional) Default public RPC
}

var (
	registry = make(map[string]Preset)
	mu       sync.RWMutex
)

// Register adds a new chain preset to the global registry.
func Register(name string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = p
}

// Get retrieves a preset configuration from the registry by its name.
func Get(name string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// ByChainID returns the first preset registered for id.
func ByChainID(id uint64) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	for _, p := range registry {
		if p.ChainID == id {
			return p, true
		}
	}
	return Preset{}, false
}

// Built-in presets
func init() {
	Register("eth-mainnet", Preset{
		ChainID:     1,
		BlockTime:   12 * time.Second,
		ReorgSafe:   12,
		BatchSize:   1000,
		MaxLogRange: 10_000,
	})

	Register("bsc-mainnet", Preset{
		ChainID:     56,
		BlockTime:   3 * time.Second,
		ReorgSafe:   15, // BSC reorgs are relatively frequent
		BatchSize:   2000,
		MaxLogRange: 5_000,
	})

	Register("polygon-mainnet", Preset{
		ChainID:     137,
		BlockTime:   2 * time.Second,
		ReorgSafe:   32, // Polygon recommends deeper confirmations
		BatchSize:   2000,
		MaxLogRange: 3_500,
	})

	Register("base-mainnet", Preset{
		ChainID:     8453,
		BlockTime:   2 * time.Second,
		ReorgSafe:   10,
		BatchSize:   9000,
		MaxLogRange: 10_000,
		Endpoint:    "https://mainnet.base.org",
	})

	Register("arbitrum-one", Preset{
		ChainID:     42161,
		BlockTime:   250 * time.Millisecond,
		ReorgSafe:   20,
		BatchSize:   10_000,
		MaxLogRange: 10_000,
	})
}
