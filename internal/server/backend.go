package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emberlane/sponsorkit/internal/chain"
	"github.com/emberlane/sponsorkit/internal/devnet"
	"github.com/emberlane/sponsorkit/internal/handlers"
)

// DevnetBackend adapts the in-process devnet to the handlers.Backend
// interface.
type DevnetBackend struct {
	Chain *devnet.Chain
}

// PendingNonce returns the account's next nonce on the devnet.
func (b *DevnetBackend) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return b.Chain.PendingNonce(ctx, account)
}

// SubmitRaw processes the transaction synchronously on the devnet.
func (b *DevnetBackend) SubmitRaw(ctx context.Context, raw []byte) (*handlers.TxReceipt, error) {
	receipt, err := b.Chain.SubmitRaw(ctx, raw)
	if err != nil {
		return nil, err
	}
	return devnetReceipt(receipt), nil
}

// Receipt looks up a previously processed transaction.
func (b *DevnetBackend) Receipt(_ context.Context, txHash common.Hash) (*handlers.TxReceipt, error) {
	receipt := b.Chain.Receipt(txHash)
	if receipt == nil {
		return nil, handlers.ErrReceiptNotFound
	}
	return devnetReceipt(receipt), nil
}

func devnetReceipt(receipt *devnet.Receipt) *handlers.TxReceipt {
	return &handlers.TxReceipt{
		TxHash:            receipt.TxHash,
		Status:            receipt.Status,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		BlockNumber:       receipt.BlockNumber,
		RevertReason:      receipt.RevertReason,
	}
}

// RPCBackend adapts the JSON-RPC chain client to the handlers.Backend
// interface. Submissions block until the transaction is mined.
type RPCBackend struct {
	Client *chain.Client
}

// PendingNonce returns the account's pending nonce from the node.
func (b *RPCBackend) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return b.Client.PendingNonce(ctx, account)
}

// SubmitRaw sends the transaction and waits for its receipt. Failed
// transactions get their revert reason resolved before returning.
func (b *RPCBackend) SubmitRaw(ctx context.Context, raw []byte) (*handlers.TxReceipt, error) {
	txHash, err := b.Client.SendRawTransaction(ctx, raw)
	if err != nil {
		return nil, err
	}
	receipt, err := b.Client.WaitForReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("transaction %s submitted but receipt unavailable: %w", txHash.Hex(), err)
	}

	out := &handlers.TxReceipt{
		TxHash:            receipt.TxHash,
		Status:            receipt.Status,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		BlockNumber:       receipt.BlockNumber.Uint64(),
	}
	if receipt.Status == 0 {
		if reason, reasonErr := b.Client.RevertReason(ctx, txHash); reasonErr == nil {
			out.RevertReason = reason
		}
	}
	return out, nil
}

// Receipt fetches the receipt from the node.
func (b *RPCBackend) Receipt(ctx context.Context, txHash common.Hash) (*handlers.TxReceipt, error) {
	receipt, err := b.Client.Receipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrReceiptNotFound) {
			return nil, handlers.ErrReceiptNotFound
		}
		return nil, err
	}
	return &handlers.TxReceipt{
		TxHash:            receipt.TxHash,
		Status:            receipt.Status,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		BlockNumber:       receipt.BlockNumber.Uint64(),
	}, nil
}
