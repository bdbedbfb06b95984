package token

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferSignature is the standard ERC-20 transfer entry point, the usual
// payload of sponsored batch sub-calls.
const transferSignature = "transfer(address,uint256)"

var (
	transferSelector  [4]byte
	transferArguments abi.Arguments
)

func init() {
	transferSelector = [4]byte(crypto.Keccak256([]byte(transferSignature))[:4])

	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic("token: building address ABI type: " + err.Error())
	}
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic("token: building uint256 ABI type: " + err.Error())
	}
	transferArguments = abi.Arguments{
		{Name: "to", Type: addressType},
		{Name: "amount", Type: uint256Type},
	}
}

// TransferCalldata ABI-encodes a transfer(to, amount) call against a token.
func TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	packed, err := transferArguments.Pack(to, amount)
	if err != nil {
		return nil, fmt.Errorf("token: packing transfer calldata: %w", err)
	}
	return append(transferSelector[:], packed...), nil
}

// DecodeTransferCalldata parses transfer(address,uint256) calldata. The
// devnet processor uses it to apply sponsored sub-calls to the ledger.
func DecodeTransferCalldata(calldata []byte) (common.Address, *big.Int, error) {
	if len(calldata) < 4 || !bytes.Equal(calldata[:4], transferSelector[:]) {
		return common.Address{}, nil, fmt.Errorf("token: calldata is not a transfer call")
	}
	values, err := transferArguments.Unpack(calldata[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("token: unpacking transfer calldata: %w", err)
	}
	to, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("token: unexpected destination type %T", values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("token: unexpected amount type %T", values[1])
	}
	return to, amount, nil
}
