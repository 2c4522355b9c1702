package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/launch-indexer/pkg/contract"
	"github.com/84hero/launch-indexer/pkg/metrics"
)

var (
	ErrNoTopics          = errors.New("log has no topics")
	ErrUnknownEvent      = errors.New("event signature not found in ABI")
	ErrTopicCount        = errors.New("topic count mismatch")
	ErrUnexpectedEmitter = errors.New("log emitted by unexpected contract")
	ErrRemoved           = errors.New("log removed by reorg")
)

// DecodeError marks a log that failed shape validation. The log is skipped
// and the rest of the batch continues.
type DecodeError struct {
	Block  uint64
	TxHash common.Hash
	Index  uint
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s#%d (block %d): %v", e.TxHash.Hex(), e.Index, e.Block, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ABIWrapper decodes logs generically against a parsed ABI.
type ABIWrapper struct {
	parsedABI abi.ABI
}

// NewFromJSON creates a decoder from a JSON ABI string
func NewFromJSON(jsonStr string) (*ABIWrapper, error) {
	parsed, err := abi.JSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, err
	}
	return &ABIWrapper{parsedABI: parsed}, nil
}

// NewFromABI wraps an already parsed ABI.
func NewFromABI(parsed abi.ABI) *ABIWrapper {
	return &ABIWrapper{parsedABI: parsed}
}

// DecodedLog holds an event name and its arguments by ABI name.
type DecodedLog struct {
	Name   string
	Inputs map[string]interface{}
}

// Decode parses a single log: topic0 selects the event, data carries the
// non-indexed arguments, the remaining topics the indexed ones.
func (w *ABIWrapper) Decode(l types.Log) (*DecodedLog, error) {
	if len(l.Topics) == 0 {
		return nil, ErrNoTopics
	}

	event, err := w.parsedABI.EventByID(l.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}

	result := &DecodedLog{
		Name:   event.Name,
		Inputs: make(map[string]interface{}),
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	// checked before unpacking so an ERC-20 Transfer never parses as ERC-721
	if len(l.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s expects %d indexed, got %d", ErrTopicCount, event.Name, len(indexed), len(l.Topics)-1)
	}

	if len(l.Data) > 0 {
		if err := w.parsedABI.UnpackIntoMap(result.Inputs, event.Name, l.Data); err != nil {
			return nil, err
		}
	}
	if err := abi.ParseTopicsIntoMap(result.Inputs, indexed, l.Topics[1:]); err != nil {
		return nil, err
	}

	return result, nil
}

// Event is a typed domain event decoded from a log.
type Event interface {
	BlockNumber() uint64
}

// LaunchCreated is emitted by the launchpad when a token launches.
type LaunchCreated struct {
	Token      common.Address
	Creator    common.Address
	QuoteAsset common.Address
	CreatedAt  uint64
	Block      uint64
	TxHash     common.Hash
	LogIndex   uint
}

func (e LaunchCreated) BlockNumber() uint64 { return e.Block }

// PositionTransferred is an ERC-721 Transfer of a position token.
type PositionTransferred struct {
	Contract common.Address
	From     common.Address
	To       common.Address
	TokenID  *big.Int
	Block    uint64
	LogIndex uint
}

func (e PositionTransferred) BlockNumber() uint64 { return e.Block }

// IsMint reports whether the transfer came from the zero address.
func (e PositionTransferred) IsMint() bool {
	return e.From == (common.Address{})
}

// Decoder maps raw logs to domain events. A zero contract address accepts
// logs from any emitter.
type Decoder struct {
	launchpad       common.Address
	positionManager common.Address
	launchABI       *ABIWrapper
	positionABI     *ABIWrapper
}

func New(launchpad, positionManager common.Address) *Decoder {
	return &Decoder{
		launchpad:       launchpad,
		positionManager: positionManager,
		launchABI:       NewFromABI(contract.ParsedLaunchpad),
		positionABI:     NewFromABI(contract.ParsedPositionManager),
	}
}

// Decode returns the domain event for l or a *DecodeError.
func (d *Decoder) Decode(l types.Log) (Event, error) {
	ev, err := d.decode(l)
	if err != nil {
		return nil, &DecodeError{Block: l.BlockNumber, TxHash: l.TxHash, Index: l.Index, Err: err}
	}
	return ev, nil
}

func (d *Decoder) decode(l types.Log) (Event, error) {
	if l.Removed {
		return nil, ErrRemoved
	}
	if len(l.Topics) == 0 {
		return nil, ErrNoTopics
	}

	switch l.Topics[0] {
	case contract.LaunchCreatedTopic:
		if !accepts(d.launchpad, l.Address) {
			return nil, ErrUnexpectedEmitter
		}
		return d.decodeLaunch(l)
	case contract.TransferTopic:
		if !accepts(d.positionManager, l.Address) {
			return nil, ErrUnexpectedEmitter
		}
		return d.decodeTransfer(l)
	default:
		return nil, ErrUnknownEvent
	}
}

func accepts(want, got common.Address) bool {
	return want == (common.Address{}) || want == got
}

func (d *Decoder) decodeLaunch(l types.Log) (Event, error) {
	decoded, err := d.launchABI.Decode(l)
	if err != nil {
		return nil, err
	}
	token, ok1 := decoded.Inputs["token"].(common.Address)
	creator, ok2 := decoded.Inputs["creator"].(common.Address)
	quote, ok3 := decoded.Inputs["quoteToken"].(common.Address)
	createdAt, ok4 := decoded.Inputs["createdAt"].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, errors.New("launch created: unexpected argument types")
	}
	if !createdAt.IsUint64() {
		return nil, fmt.Errorf("launch created: createdAt %s out of range", createdAt)
	}
	return LaunchCreated{
		Token:      token,
		Creator:    creator,
		QuoteAsset: quote,
		CreatedAt:  createdAt.Uint64(),
		Block:      l.BlockNumber,
		TxHash:     l.TxHash,
		LogIndex:   l.Index,
	}, nil
}

func (d *Decoder) decodeTransfer(l types.Log) (Event, error) {
	decoded, err := d.positionABI.Decode(l)
	if err != nil {
		return nil, err
	}
	from, ok1 := decoded.Inputs["from"].(common.Address)
	to, ok2 := decoded.Inputs["to"].(common.Address)
	id, ok3 := decoded.Inputs["tokenId"].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("transfer: unexpected argument types")
	}
	return PositionTransferred{
		Contract: l.Address,
		From:     from,
		To:       to,
		TokenID:  id,
		Block:    l.BlockNumber,
		LogIndex: l.Index,
	}, nil
}

// DecodeAll decodes logs in order, skipping the ones that fail validation.
// Skipped logs are returned as warnings.
func (d *Decoder) DecodeAll(logs []types.Log) ([]Event, []error) {
	events := make([]Event, 0, len(logs))
	var warnings []error
	for _, l := range logs {
		ev, err := d.Decode(l)
		if err != nil {
			metrics.DecodeErrors.Inc()
			log.Debug("Skipping undecodable log", "block", l.BlockNumber, "tx", l.TxHash, "index", l.Index, "err", err)
			warnings = append(warnings, err)
			continue
		}
		events = append(events, ev)
	}
	return events, warnings
}

// Launches filters the launch creations out of events.
func Launches(events []Event) []LaunchCreated {
	var out []LaunchCreated
	for _, ev := range events {
		if lc, ok := ev.(LaunchCreated); ok {
			out = append(out, lc)
		}
	}
	return out
}

// Transfers filters the position transfers out of events.
func Transfers(events []Event) []PositionTransferred {
	var out []PositionTransferred
	for _, ev := range events {
		if pt, ok := ev.(PositionTransferred); ok {
			out = append(out, pt)
		}
	}
	return out
}
