package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TokenMetadata describes an ERC-20 contract.
type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

var (
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	symbolSelector    = crypto.Keccak256([]byte("symbol()"))[:4]
	nameSelector      = crypto.Keccak256([]byte("name()"))[:4]
	decimalsSelector  = crypto.Keccak256([]byte("decimals()"))[:4]
)

// TokenBalance reads balanceOf(holder) from the token contract.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, fmt.Errorf("chain: building address ABI type: %w", err)
	}
	packed, err := abi.Arguments{{Type: addressType}}.Pack(holder)
	if err != nil {
		return nil, fmt.Errorf("chain: packing balanceOf argument: %w", err)
	}
	out, err := c.call(ctx, token, append(append([]byte{}, balanceOfSelector...), packed...))
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("chain: short balanceOf return from %s", token.Hex())
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// TokenMetadata reads symbol, name, and decimals from the token contract.
func (c *Client) TokenMetadata(ctx context.Context, token common.Address) (*TokenMetadata, error) {
	symbol, err := c.callString(ctx, token, symbolSelector)
	if err != nil {
		return nil, err
	}
	name, err := c.callString(ctx, token, nameSelector)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, decimalsSelector)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("chain: short decimals return from %s", token.Hex())
	}
	return &TokenMetadata{
		Symbol:   symbol,
		Name:     name,
		Decimals: uint8(new(big.Int).SetBytes(out[:32]).Uint64()),
	}, nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: calling %s: %w", to.Hex(), err)
	}
	return out, nil
}

func (c *Client) callString(ctx context.Context, to common.Address, selector []byte) (string, error) {
	out, err := c.call(ctx, to, selector)
	if err != nil {
		return "", err
	}
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		return "", fmt.Errorf("chain: building string ABI type: %w", err)
	}
	values, err := abi.Arguments{{Type: stringType}}.Unpack(out)
	if err != nil || len(values) != 1 {
		return "", fmt.Errorf("chain: decoding string return from %s: %w", to.Hex(), err)
	}
	value, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("chain: unexpected string return type %T", values[0])
	}
	return value, nil
}
