// Package devnet implements an in-process stand-in for a live network. It
// maintains account nonces, native balances, and delegation designators, and
// processes signed delegated transactions against a token ledger, which makes
// the full sponsored-batch flow testable without an RPC endpoint.
package devnet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/delegation"
	"github.com/emberlane/sponsorkit/internal/token"
)

var (
	// ErrInvalidTransaction covers structurally bad submissions.
	ErrInvalidTransaction = errors.New("devnet: invalid transaction")
	// ErrNonceMismatch indicates the sender nonce does not match the account.
	ErrNonceMismatch = errors.New("devnet: nonce mismatch")
	// ErrInsufficientFunds indicates the payer cannot cover gas.
	ErrInsufficientFunds = errors.New("devnet: insufficient funds for gas")
)

// delegationPrefix marks installed delegation designators in account code.
var delegationPrefix = []byte{0xef, 0x01, 0x00}

// Gas accounting constants. Values follow mainline costs closely enough for
// balance assertions in tests.
const (
	gasIntrinsic        = 21_000
	gasPerAuthorization = 12_500
	gasPerCall          = 30_000
)

// baseFee is the devnet's flat base fee in wei.
var baseFee = big.NewInt(1_000_000_000)

// Receipt records the outcome of a processed transaction.
type Receipt struct {
	TxHash            common.Hash
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	BlockNumber       uint64
	RevertReason      string
}

// Chain is a single-node in-memory chain. All state transitions happen under
// one lock; block production is one transaction per block.
type Chain struct {
	mu sync.Mutex

	chainID     uint64
	nonces      map[common.Address]uint64
	balances    map[common.Address]*big.Int
	delegations map[common.Address]common.Address
	receipts    map[common.Hash]*Receipt
	blockHeight uint64

	token  *token.Token
	logger *zap.Logger
}

// New creates a devnet chain whose token sub-calls execute against tok.
func New(chainID uint64, tok *token.Token, log *zap.Logger) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{
		chainID:     chainID,
		nonces:      make(map[common.Address]uint64),
		balances:    make(map[common.Address]*big.Int),
		delegations: make(map[common.Address]common.Address),
		receipts:    make(map[common.Hash]*Receipt),
		token:       tok,
		logger:      log,
	}
}

// ChainID returns the devnet chain id.
func (c *Chain) ChainID() uint64 { return c.chainID }

// Token returns the ledger backing delegated sub-calls.
func (c *Chain) Token() *token.Token { return c.token }

// PendingNonce returns the account's next nonce. It satisfies
// delegation.NonceReader.
func (c *Chain) PendingNonce(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

// NativeBalance returns the account's native balance in wei.
func (c *Chain) NativeBalance(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceOf(account)
}

// FundNative credits the account with amount wei.
func (c *Chain) FundNative(account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = new(big.Int).Add(c.balanceOf(account), amount)
}

// DelegationDesignator returns the account's installed code: empty for plain
// accounts, 0xef0100 || delegate for delegated ones.
func (c *Chain) DelegationDesignator(account common.Address) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	delegate, ok := c.delegations[account]
	if !ok {
		return nil
	}
	return append(append([]byte{}, delegationPrefix...), delegate.Bytes()...)
}

// Receipt returns the recorded receipt for txHash, or nil when unknown.
func (c *Chain) Receipt(txHash common.Hash) *Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[txHash]
}

// SubmitRaw decodes and processes a serialized delegated transaction. The
// decode path goes through the reference transaction codec, so anything the
// builder emits that a real node would reject is rejected here too.
func (c *Chain) SubmitRaw(ctx context.Context, raw []byte) (*Receipt, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if tx.Type() != types.SetCodeTxType {
		return nil, fmt.Errorf("%w: type 0x%02x is not a delegated transaction", ErrInvalidTransaction, tx.Type())
	}
	if tx.ChainId().Uint64() != c.chainID {
		return nil, fmt.Errorf("%w: chain id %d, want %d", ErrInvalidTransaction, tx.ChainId().Uint64(), c.chainID)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: recovering sender: %v", ErrInvalidTransaction, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.Nonce() != c.nonces[sender] {
		return nil, fmt.Errorf("%w: sender %s has nonce %d, tx carries %d",
			ErrNonceMismatch, sender.Hex(), c.nonces[sender], tx.Nonce())
	}

	auths := tx.SetCodeAuthorizations()
	gasUsed := uint64(gasIntrinsic + gasPerAuthorization*len(auths))

	effectivePrice := new(big.Int).Add(baseFee, tx.GasTipCap())
	if effectivePrice.Cmp(tx.GasFeeCap()) > 0 {
		effectivePrice.Set(tx.GasFeeCap())
	}
	if effectivePrice.Cmp(baseFee) < 0 {
		return nil, fmt.Errorf("%w: max fee below base fee", ErrInvalidTransaction)
	}

	// Upfront cost check against the gas limit, before any state mutates.
	maxCost := new(big.Int).Mul(effectivePrice, new(big.Int).SetUint64(tx.Gas()))
	if c.balanceOf(sender).Cmp(maxCost) < 0 {
		return nil, fmt.Errorf("%w: payer %s holds %s wei, gas limit costs up to %s",
			ErrInsufficientFunds, sender.Hex(), c.balanceOf(sender), maxCost)
	}

	// Authorizations apply regardless of how execution fares, matching the
	// live protocol: the designator install is part of transaction validity,
	// not of the call frame.
	for i := range auths {
		if err := c.applyAuthorization(&auths[i], sender, tx.Nonce()); err != nil {
			return nil, err
		}
	}
	c.nonces[sender]++

	receipt := &Receipt{
		TxHash:            tx.Hash(),
		Status:            types.ReceiptStatusSuccessful,
		EffectiveGasPrice: effectivePrice,
	}

	if to := tx.To(); to != nil && len(tx.Data()) > 0 {
		callGas, execErr := c.execute(ctx, *to, tx.Data())
		gasUsed += callGas
		if execErr != nil {
			receipt.Status = types.ReceiptStatusFailed
			receipt.RevertReason = execErr.Error()
		}
	}

	cost := new(big.Int).Mul(effectivePrice, new(big.Int).SetUint64(gasUsed))
	c.balances[sender] = new(big.Int).Sub(c.balanceOf(sender), cost)

	c.blockHeight++
	receipt.GasUsed = gasUsed
	receipt.BlockNumber = c.blockHeight
	c.receipts[receipt.TxHash] = receipt

	c.logger.Info("Processed delegated transaction",
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.String("payer", sender.Hex()),
		zap.Uint64("status", receipt.Status),
		zap.Uint64("gas_used", gasUsed),
		zap.Int("authorizations", len(auths)),
	)
	return receipt, nil
}

// applyAuthorization validates one authorization entry and installs (or
// clears) the delegation. Callers hold c.mu.
func (c *Chain) applyAuthorization(auth *types.SetCodeAuthorization, sender common.Address, senderTxNonce uint64) error {
	if auth.ChainID.Uint64() != 0 && auth.ChainID.Uint64() != c.chainID {
		return fmt.Errorf("%w: authorization chain id %d, want %d or 0",
			ErrInvalidTransaction, auth.ChainID.Uint64(), c.chainID)
	}
	authority, err := auth.Authority()
	if err != nil {
		return fmt.Errorf("%w: recovering authority: %v", ErrInvalidTransaction, err)
	}

	// The self-sponsored case embeds nonce+1 because the sender's own nonce
	// increments before authorization processing.
	expected := c.nonces[authority]
	if authority == sender {
		expected = senderTxNonce + 1
	}
	if auth.Nonce != expected {
		return fmt.Errorf("%w: authority %s expects authorization nonce %d, entry carries %d",
			ErrNonceMismatch, authority.Hex(), expected, auth.Nonce)
	}

	if auth.Address == (common.Address{}) {
		delete(c.delegations, authority)
	} else {
		c.delegations[authority] = auth.Address
	}
	c.nonces[authority]++
	return nil
}

// execute runs batch calldata in the context of the delegated account. The
// whole batch is validated before any ledger write, so a failing sub-call
// leaves the token untouched.
func (c *Chain) execute(ctx context.Context, account common.Address, data []byte) (uint64, error) {
	if _, delegated := c.delegations[account]; !delegated {
		return 0, fmt.Errorf("account %s has no delegation installed", account.Hex())
	}
	calls, err := delegation.DecodeBatch(data)
	if err != nil {
		return 0, err
	}
	gas := uint64(gasPerCall * len(calls))

	type transfer struct {
		to     common.Address
		amount *big.Int
	}
	transfers := make([]transfer, 0, len(calls))
	required := new(big.Int)
	for i, call := range calls {
		if call.To != c.token.Address() {
			return gas, fmt.Errorf("call %d targets %s, only the token contract is deployed", i, call.To.Hex())
		}
		to, amount, err := token.DecodeTransferCalldata(call.Data)
		if err != nil {
			return gas, fmt.Errorf("call %d: %w", i, err)
		}
		transfers = append(transfers, transfer{to: to, amount: amount})
		required.Add(required, amount)
	}

	balance, err := c.token.BalanceOf(ctx, account)
	if err != nil {
		return gas, err
	}
	if balance.Cmp(required) < 0 {
		return gas, fmt.Errorf("batch moves %s from %s, balance is %s", required, account.Hex(), balance)
	}
	for _, t := range transfers {
		if err := c.token.Transfer(ctx, account, t.to, t.amount); err != nil {
			return gas, err
		}
	}
	return gas, nil
}

func (c *Chain) balanceOf(account common.Address) *big.Int {
	if balance, ok := c.balances[account]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}
