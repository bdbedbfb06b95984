package delegation

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// BatchExecuteSignature is the delegate contract's multi-call entry point.
// The contract executes the tuples in order, atomically, with the authorizer
// as msg.sender.
const BatchExecuteSignature = "execute((bytes,address,uint256)[])"

// ErrEmptyBatch is returned when a batch holds no calls; an empty batch is a
// caller bug, not a no-op.
var ErrEmptyBatch = errors.New("delegation: batch must contain at least one call")

// Call is one sub-call of a batch: calldata, destination, and native value.
type Call struct {
	Data  []byte         `abi:"data"`
	To    common.Address `abi:"to"`
	Value *big.Int       `abi:"value"`
}

var (
	batchExecuteSelector [4]byte
	batchArguments       abi.Arguments
)

func init() {
	batchExecuteSelector = [4]byte(crypto.Keccak256([]byte(BatchExecuteSignature))[:4])

	callsType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "data", Type: "bytes"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
	})
	if err != nil {
		panic("delegation: building batch ABI type: " + err.Error())
	}
	batchArguments = abi.Arguments{{Name: "calls", Type: callsType}}
}

// BatchExecuteSelector returns the 4-byte function selector of the batch
// entry point.
func BatchExecuteSelector() [4]byte {
	return batchExecuteSelector
}

// EncodeBatch ABI-encodes calls under the batch entry-point selector. The
// encoding preserves call order; the delegate executes in exactly this order
// with a single combined success or revert.
func EncodeBatch(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, ErrEmptyBatch
	}

	normalized := make([]Call, len(calls))
	for i, call := range calls {
		if call.Value != nil && call.Value.Sign() < 0 {
			return nil, fmt.Errorf("delegation: call %d has negative value", i)
		}
		normalized[i] = call
		if normalized[i].Value == nil {
			normalized[i].Value = new(big.Int)
		}
		if normalized[i].Data == nil {
			normalized[i].Data = []byte{}
		}
	}

	packed, err := batchArguments.Pack(normalized)
	if err != nil {
		return nil, fmt.Errorf("delegation: packing batch calls: %w", err)
	}
	return append(batchExecuteSelector[:], packed...), nil
}

// DecodeBatch reverses EncodeBatch. Used by the devnet processor and by
// round-trip tests; rejects calldata whose selector is not the batch entry
// point.
func DecodeBatch(calldata []byte) ([]Call, error) {
	if len(calldata) < 4 || !bytes.Equal(calldata[:4], batchExecuteSelector[:]) {
		return nil, fmt.Errorf("delegation: calldata is not a batch execute call")
	}

	values, err := batchArguments.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("delegation: unpacking batch calls: %w", err)
	}

	raw := *abi.ConvertType(values[0], new([]struct {
		Data  []byte         `abi:"data"`
		To    common.Address `abi:"to"`
		Value *big.Int       `abi:"value"`
	})).(*[]struct {
		Data  []byte         `abi:"data"`
		To    common.Address `abi:"to"`
		Value *big.Int       `abi:"value"`
	})

	calls := make([]Call, len(raw))
	for i, entry := range raw {
		calls[i] = Call{Data: entry.Data, To: entry.To, Value: entry.Value}
	}
	return calls, nil
}
