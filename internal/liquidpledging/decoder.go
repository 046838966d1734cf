package liquidpledging

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"pledgecache/internal/model"
)

type boundEvent struct {
	kind  model.EventKind
	event abi.Event
}

// Decoder turns pledge contract and vault logs into events.
type Decoder struct {
	pledging common.Address
	vault    common.Address
	hasVault bool
	byTopic  map[common.Hash]boundEvent
}

// NewDecoder builds a decoder for logs emitted by the pledge contract and,
// when vault is non-zero, the vault.
func NewDecoder(pledging, vault common.Address) (*Decoder, error) {
	lpABI, err := LiquidPledgingABI()
	if err != nil {
		return nil, fmt.Errorf("parse liquid pledging abi: %w", err)
	}
	vABI, err := VaultABI()
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}

	d := &Decoder{
		pledging: pledging,
		vault:    vault,
		hasVault: vault != (common.Address{}),
		byTopic:  make(map[common.Hash]boundEvent),
	}
	for _, kind := range model.AllKinds() {
		name := kind.String()
		if ev, ok := lpABI.Events[name]; ok {
			d.byTopic[ev.ID] = boundEvent{kind: kind, event: ev}
			continue
		}
		if ev, ok := vABI.Events[name]; ok {
			d.byTopic[ev.ID] = boundEvent{kind: kind, event: ev}
			continue
		}
		return nil, fmt.Errorf("no abi event for %s", name)
	}
	return d, nil
}

// Addresses returns the contracts whose logs the decoder accepts.
func (d *Decoder) Addresses() []common.Address {
	if d.hasVault {
		return []common.Address{d.pledging, d.vault}
	}
	return []common.Address{d.pledging}
}

// Topics returns topic0 for every decodable event.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.byTopic))
	for _, kind := range model.AllKinds() {
		for topic, bound := range d.byTopic {
			if bound.kind == kind {
				out = append(out, topic)
			}
		}
	}
	return out
}

// CanDecode reports whether the log comes from a tracked contract with a known topic0.
func (d *Decoder) CanDecode(log types.Log) bool {
	if len(log.Topics) == 0 {
		return false
	}
	if log.Address != d.pledging && (!d.hasVault || log.Address != d.vault) {
		return false
	}
	_, ok := d.byTopic[log.Topics[0]]
	return ok
}

// Decode converts a log into an Event with positional return values.
// Status and confirmations are left for the caller.
func (d *Decoder) Decode(log types.Log) (*model.Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topics")
	}
	bound, ok := d.byTopic[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	values, err := returnValues(bound.event, log.Topics[1:], log.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", bound.event.Name, err)
	}

	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}

	return &model.Event{
		ID:               model.EventID(log.BlockHash.Hex(), log.TxHash.Hex(), uint64(log.Index)),
		BlockHash:        log.BlockHash.Hex(),
		TxHash:           log.TxHash.Hex(),
		LogIndex:         uint64(log.Index),
		TransactionIndex: uint64(log.TxIndex),
		BlockNumber:      log.BlockNumber,
		Address:          log.Address.Hex(),
		Kind:             bound.kind,
		ReturnValues:     values,
		Topics:           topics,
		Data:             hexutil.Encode(log.Data),
	}, nil
}

func returnValues(event abi.Event, topics []common.Hash, data []byte) ([]string, error) {
	indexedArgs := indexedArguments(event.Inputs)
	if len(topics) != len(indexedArgs) {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexedArgs)+1, len(topics)+1)
	}
	indexed := make(map[string]interface{}, len(indexedArgs))
	if err := abi.ParseTopicsIntoMap(indexed, indexedArgs, topics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	nonIndexed, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack data: %w", err)
	}

	out := make([]string, 0, len(event.Inputs))
	next := 0
	for _, input := range event.Inputs {
		var value interface{}
		if input.Indexed {
			value = indexed[input.Name]
		} else {
			if next >= len(nonIndexed) {
				return nil, fmt.Errorf("missing value for %s", input.Name)
			}
			value = nonIndexed[next]
			next++
		}
		formatted, err := formatValue(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", input.Name, err)
		}
		out = append(out, formatted)
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func formatValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case *big.Int:
		return v.String(), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case common.Address:
		return v.Hex(), nil
	case common.Hash:
		return v.Hex(), nil
	case [32]byte:
		return hexutil.Encode(v[:]), nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

// ReturnUint parses the i-th positional value of e as an unsigned integer.
func ReturnUint(e *model.Event, i int) (uint64, error) {
	v, err := ReturnBig(e, i)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("return value %d overflows uint64: %s", i, v)
	}
	return v.Uint64(), nil
}

// ReturnBig parses the i-th positional value of e as a big integer.
func ReturnBig(e *model.Event, i int) (*big.Int, error) {
	if i >= len(e.ReturnValues) {
		return nil, fmt.Errorf("%s has no return value %d", e.Kind, i)
	}
	raw := strings.TrimSpace(e.ReturnValues[i])
	v, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return nil, fmt.Errorf("return value %d is not numeric: %q", i, raw)
	}
	return v, nil
}

// ReturnString returns the i-th positional value of e.
func ReturnString(e *model.Event, i int) (string, error) {
	if i >= len(e.ReturnValues) {
		return "", fmt.Errorf("%s has no return value %d", e.Kind, i)
	}
	return e.ReturnValues[i], nil
}
