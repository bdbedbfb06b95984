package token

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AuthState is the lifecycle state of a transfer authorization record.
// Unused is the implicit initial state; Used and Canceled are terminal.
type AuthState uint8

const (
	AuthStateUnused AuthState = iota
	AuthStateUsed
	AuthStateCanceled
)

// String returns the lowercase state name.
func (s AuthState) String() string {
	switch s {
	case AuthStateUnused:
		return "unused"
	case AuthStateUsed:
		return "used"
	case AuthStateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Store is the key-addressed persistent state behind a token instance:
// balances, allowances, and authorization records. Reads of missing keys
// return zero values, mirroring default-initialized contract storage.
//
// Implementations must make each individual read/write atomic; the token
// serializes whole operations above this interface.
type Store interface {
	Balance(ctx context.Context, holder common.Address) (*big.Int, error)
	SetBalance(ctx context.Context, holder common.Address, amount *big.Int) error

	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	SetAllowance(ctx context.Context, owner, spender common.Address, amount *big.Int) error

	AuthorizationState(ctx context.Context, key [32]byte) (AuthState, error)
	SetAuthorizationState(ctx context.Context, key [32]byte, state AuthState) error
}

// TxStore is implemented by stores that can group several writes into one
// atomic unit. The token uses it so a state transition and its transfer can
// never be separated by a partial failure.
type TxStore interface {
	Store
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// MemoryStore is an in-process Store for tests and the devnet.
type MemoryStore struct {
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	authStates map[[32]byte]AuthState
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		authStates: make(map[[32]byte]AuthState),
	}
}

func (s *MemoryStore) Balance(_ context.Context, holder common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount, ok := s.balances[holder]; ok {
		return new(big.Int).Set(amount), nil
	}
	return new(big.Int), nil
}

func (s *MemoryStore) SetBalance(_ context.Context, holder common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[holder] = new(big.Int).Set(amount)
	return nil
}

func (s *MemoryStore) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount, ok := s.allowances[allowanceKey{owner, spender}]; ok {
		return new(big.Int).Set(amount), nil
	}
	return new(big.Int), nil
}

func (s *MemoryStore) SetAllowance(_ context.Context, owner, spender common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[allowanceKey{owner, spender}] = new(big.Int).Set(amount)
	return nil
}

func (s *MemoryStore) AuthorizationState(_ context.Context, key [32]byte) (AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authStates[key], nil
}

func (s *MemoryStore) SetAuthorizationState(_ context.Context, key [32]byte, state AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authStates[key] = state
	return nil
}
