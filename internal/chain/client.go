// Package chain provides the JSON-RPC client used to submit delegated
// transactions and observe their effects on a live network.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ErrReceiptNotFound indicates the transaction is not yet mined.
var ErrReceiptNotFound = errors.New("chain: receipt not found")

// Client wraps an ethclient connection with the operations the relay needs.
type Client struct {
	eth    *ethclient.Client
	logger *zap.Logger
}

// Dial connects to the JSON-RPC endpoint at rpcURL.
func Dial(ctx context.Context, rpcURL string, log *zap.Logger) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("chain: rpc url is empty")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dialing %s: %w", rpcURL, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{eth: eth, logger: log}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// ChainID queries the connected network's chain id.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: fetching chain id: %w", err)
	}
	return id.Uint64(), nil
}

// PendingNonce returns the next nonce for account including pending
// transactions. It satisfies delegation.NonceReader.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("chain: fetching pending nonce for %s: %w", account.Hex(), err)
	}
	return nonce, nil
}

// NativeBalance returns the account's native balance in wei.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: fetching balance for %s: %w", account.Hex(), err)
	}
	return balance, nil
}

// DelegationDesignator returns the code installed at account, which for a
// delegated account is the 23-byte 0xef0100 || delegate designator.
func (c *Client) DelegationDesignator(ctx context.Context, account common.Address) ([]byte, error) {
	code, err := c.eth.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: fetching code for %s: %w", account.Hex(), err)
	}
	return code, nil
}

// SuggestFees returns the suggested max priority fee and max fee per gas.
// The max fee is basefee-padded the usual way: 2*base + tip.
func (c *Client) SuggestFees(ctx context.Context) (tip, maxFee *big.Int, err error) {
	tip, err = c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: suggesting gas tip: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: fetching head header: %w", err)
	}
	maxFee = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return tip, maxFee, nil
}

// SendRawTransaction submits pre-signed transaction bytes to the network.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("chain: decoding raw transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("chain: sending transaction %s: %w", tx.Hash().Hex(), err)
	}
	c.logger.Info("Transaction submitted",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint8("tx_type", tx.Type()),
	)
	return tx.Hash(), nil
}

// Receipt fetches the receipt for txHash, returning ErrReceiptNotFound while
// the transaction is unmined.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("chain: fetching receipt for %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

// WaitForReceipt polls for the receipt with exponential backoff until the
// transaction is mined or ctx expires.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	operation := func() error {
		r, err := c.Receipt(ctx, txHash)
		if err != nil {
			if errors.Is(err, ErrReceiptNotFound) {
				return err
			}
			return backoff.Permanent(err)
		}
		receipt = r
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("chain: waiting for receipt %s: %w", txHash.Hex(), err)
	}
	c.logger.Info("Transaction mined",
		zap.String("tx_hash", txHash.Hex()),
		zap.Uint64("block_number", receipt.BlockNumber.Uint64()),
		zap.Uint64("status", receipt.Status),
	)
	return receipt, nil
}

// RevertReason re-executes a failed transaction as a call at its block and
// decodes the Error(string) revert payload when present.
func (c *Client) RevertReason(ctx context.Context, txHash common.Hash) (string, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return "", fmt.Errorf("chain: fetching transaction %s: %w", txHash.Hex(), err)
	}
	receipt, err := c.Receipt(ctx, txHash)
	if err != nil {
		return "", err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "", fmt.Errorf("chain: recovering sender of %s: %w", txHash.Hex(), err)
	}

	msg := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	_, callErr := c.eth.CallContract(ctx, msg, receipt.BlockNumber)
	if callErr == nil {
		return "", nil
	}
	return decodeRevertReason(callErr), nil
}

// decodeRevertReason extracts a human-readable reason from a call error,
// handling both structured data errors and hex-embedded messages.
func decodeRevertReason(callErr error) string {
	type dataError interface {
		ErrorData() interface{}
	}
	var de dataError
	if errors.As(callErr, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if reason := unpackErrorString(hexData); reason != "" {
				return reason
			}
		}
	}
	// Some nodes embed the hex payload in the message text.
	msg := callErr.Error()
	if idx := strings.Index(msg, "0x08c379a0"); idx >= 0 {
		if reason := unpackErrorString(msg[idx:]); reason != "" {
			return reason
		}
	}
	return msg
}

// unpackErrorString decodes the 4-byte Error(string) selector plus ABI-encoded
// message, returning "" on any mismatch.
func unpackErrorString(hexData string) string {
	data, err := hexutil.Decode(strings.TrimSpace(hexData))
	if err != nil || len(data) < 4 {
		return ""
	}
	// Error(string) selector.
	if data[0] != 0x08 || data[1] != 0xc3 || data[2] != 0x79 || data[3] != 0xa0 {
		return ""
	}
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		return ""
	}
	values, err := abi.Arguments{{Type: stringType}}.Unpack(data[4:])
	if err != nil || len(values) != 1 {
		return ""
	}
	reason, _ := values[0].(string)
	return reason
}
