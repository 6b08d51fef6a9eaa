// File: internal/monitor/parser.go
package monitor

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// LogDecoder decodes logs against a contract ABI
type LogDecoder struct {
	abi *abi.ABI
}

// NewLogDecoder parses abiJSON; an empty ABI yields a nil decoder and no error
func NewLogDecoder(abiJSON string) (*LogDecoder, error) {
	if strings.TrimSpace(abiJSON) == "" {
		return nil, nil
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to parse ABI", err.Error())
	}
	return &LogDecoder{abi: &parsed}, nil
}

// Decode returns the event name and its named arguments
func (d *LogDecoder) Decode(log *types.Log) (string, map[string]interface{}, error) {
	if len(log.Topics) == 0 {
		return "", nil, utils.NewAppError(utils.ErrCodeValidation, "Log has no topics", "")
	}
	event, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return "", nil, utils.NewAppError(utils.ErrCodeNotFound, "Event not in ABI", log.Topics[0].Hex())
	}

	args := make(map[string]interface{})

	topicIndex := 1
	var data abi.Arguments
	for _, input := range event.Inputs {
		if !input.Indexed {
			data = append(data, input)
			continue
		}
		if topicIndex >= len(log.Topics) {
			return "", nil, fmt.Errorf("insufficient topics for indexed parameter %s", input.Name)
		}
		args[input.Name] = topicValue(input.Type, log.Topics[topicIndex])
		topicIndex++
	}

	if len(data) > 0 && len(log.Data) > 0 {
		values, err := data.Unpack(log.Data)
		if err != nil {
			return "", nil, fmt.Errorf("failed to unpack event data: %w", err)
		}
		for i, input := range data {
			if i < len(values) {
				args[input.Name] = plainValue(values[i])
			}
		}
	}

	return event.Name, args, nil
}

// topicValue renders an indexed argument; dynamic types only carry their hash
func topicValue(typ abi.Type, topic common.Hash) interface{} {
	switch typ.T {
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes()).Hex()
	case abi.UintTy:
		return new(big.Int).SetBytes(topic.Bytes()).String()
	case abi.IntTy:
		v := new(big.Int).SetBytes(topic.Bytes())
		if topic[0]&0x80 != 0 {
			v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
		}
		return v.String()
	case abi.BoolTy:
		return topic.Big().Sign() != 0
	default:
		return topic.Hex()
	}
}

// plainValue converts ABI values to JSON-friendly ones
func plainValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return v.Hex()
	case []byte:
		return "0x" + hex.EncodeToString(v)
	case [32]byte:
		return common.Hash(v).Hex()
	case bool, string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
