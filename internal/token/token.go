// Package token implements the consuming side of the sponsorship flow: an
// ERC-20-style ledger with one-time, typed-data transfer authorizations. The
// ledger lives in an explicit Store so tests and tools can instantiate
// independent instances instead of sharing ambient state.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/logger"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the source
	// balance. No state changes on failure.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	// ErrInsufficientAllowance is returned by TransferFrom when the caller's
	// allowance does not cover the amount.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")

	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = errors.New("token: amount must be a non-negative integer")
)

// Config describes a token instance. ChainID and Address bind the typed-data
// domain; Name doubles as the domain name and must match what signers use.
type Config struct {
	Name     string
	Symbol   string
	Decimals uint8
	ChainID  uint64
	Address  common.Address

	// Now supplies the current time for authorization windows. Defaults to
	// time.Now; fixed in tests.
	Now func() time.Time
}

// Token is one deployed token instance over a Store. All operations are
// serialized by a single mutex, matching the serial single-writer execution
// model of the hosting chain.
type Token struct {
	cfg    Config
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	sinks []EventSink
}

// New creates a token over store. The store may be empty or may carry state
// from a previous instance.
func New(cfg Config, store Store) (*Token, error) {
	if cfg.Name == "" || cfg.Symbol == "" {
		return nil, fmt.Errorf("token: name and symbol are required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("token: contract address is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Token{cfg: cfg, store: store, logger: logger.Log}, nil
}

// Name returns the token name.
func (tok *Token) Name() string { return tok.cfg.Name }

// Symbol returns the token symbol.
func (tok *Token) Symbol() string { return tok.cfg.Symbol }

// Decimals returns the token's decimal places.
func (tok *Token) Decimals() uint8 { return tok.cfg.Decimals }

// Address returns the verifying contract address.
func (tok *Token) Address() common.Address { return tok.cfg.Address }

// ChainID returns the chain the token is bound to.
func (tok *Token) ChainID() uint64 { return tok.cfg.ChainID }

// BalanceOf returns holder's balance.
func (tok *Token) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return tok.store.Balance(ctx, holder)
}

// Allowance returns the amount spender may move from owner.
func (tok *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return tok.store.Allowance(ctx, owner, spender)
}

// Mint credits amount to recipient.
func (tok *Token) Mint(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	tok.mu.Lock()
	defer tok.mu.Unlock()

	balance, err := tok.store.Balance(ctx, to)
	if err != nil {
		return err
	}
	if err := tok.store.SetBalance(ctx, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	tok.emit(TransferEvent{To: to, Value: new(big.Int).Set(amount)})
	return nil
}

// Transfer moves amount from caller to recipient. The caller identity is the
// capability here: entry points resolve it from a verified signature or, in
// the devnet, from the executing transaction's authority.
func (tok *Token) Transfer(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	tok.mu.Lock()
	defer tok.mu.Unlock()
	return tok.move(ctx, tok.store, caller, to, amount)
}

// Approve sets spender's allowance over the caller's balance.
func (tok *Token) Approve(ctx context.Context, caller, spender common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	tok.mu.Lock()
	defer tok.mu.Unlock()

	if err := tok.store.SetAllowance(ctx, caller, spender, amount); err != nil {
		return err
	}
	tok.emit(ApprovalEvent{Owner: caller, Spender: spender, Value: new(big.Int).Set(amount)})
	return nil
}

// TransferFrom moves amount from owner to recipient, drawing down the
// caller's allowance.
func (tok *Token) TransferFrom(ctx context.Context, caller, owner, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	tok.mu.Lock()
	defer tok.mu.Unlock()

	allowance, err := tok.store.Allowance(ctx, owner, caller)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}

	if err := tok.move(ctx, tok.store, owner, to, amount); err != nil {
		return err
	}
	return tok.store.SetAllowance(ctx, owner, caller, new(big.Int).Sub(allowance, amount))
}

// move performs the balance arithmetic shared by every transfer path.
// Callers hold the token mutex.
func (tok *Token) move(ctx context.Context, store Store, from, to common.Address, amount *big.Int) error {
	fromBalance, err := store.Balance(ctx, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientBalance, fromBalance, amount)
	}
	toBalance, err := store.Balance(ctx, to)
	if err != nil {
		return err
	}

	if err := store.SetBalance(ctx, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := store.SetBalance(ctx, to, new(big.Int).Add(toBalance, amount)); err != nil {
		return err
	}

	tok.emit(TransferEvent{From: from, To: to, Value: new(big.Int).Set(amount)})
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (tok *Token) log() *zap.Logger {
	if tok.logger == nil {
		return zap.NewNop()
	}
	return tok.logger
}
