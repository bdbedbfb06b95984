package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists token state in Postgres. One store instance serves
// one token contract address; the address namespaces every row so several
// tokens can share a database.
type PostgresStore struct {
	db    pgxQuerier
	pool  *pgxpool.Pool
	token common.Address
}

// pgxQuerier is the subset of pgx used by the store, satisfied by both a pool
// and a transaction.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool, tokenAddr common.Address) *PostgresStore {
	return &PostgresStore{db: poolQuerier{pool}, pool: pool, token: tokenAddr}
}

// Migrate creates the backing tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS token_balances (
    token   BYTEA NOT NULL,
    holder  BYTEA NOT NULL,
    amount  NUMERIC(78, 0) NOT NULL DEFAULT 0,
    PRIMARY KEY (token, holder)
);
CREATE TABLE IF NOT EXISTS token_allowances (
    token   BYTEA NOT NULL,
    owner   BYTEA NOT NULL,
    spender BYTEA NOT NULL,
    amount  NUMERIC(78, 0) NOT NULL DEFAULT 0,
    PRIMARY KEY (token, owner, spender)
);
CREATE TABLE IF NOT EXISTS token_authorization_states (
    token BYTEA NOT NULL,
    key   BYTEA NOT NULL,
    state SMALLINT NOT NULL DEFAULT 0,
    PRIMARY KEY (token, key)
);`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("token: migrating postgres store: %w", err)
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, holder common.Address) (*big.Int, error) {
	return s.readAmount(ctx,
		`SELECT amount::TEXT FROM token_balances WHERE token = $1 AND holder = $2`,
		s.token.Bytes(), holder.Bytes())
}

func (s *PostgresStore) SetBalance(ctx context.Context, holder common.Address, amount *big.Int) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_balances (token, holder, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (token, holder) DO UPDATE SET amount = EXCLUDED.amount`,
		s.token.Bytes(), holder.Bytes(), amount.String())
	if err != nil {
		return fmt.Errorf("token: writing balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return s.readAmount(ctx,
		`SELECT amount::TEXT FROM token_allowances WHERE token = $1 AND owner = $2 AND spender = $3`,
		s.token.Bytes(), owner.Bytes(), spender.Bytes())
}

func (s *PostgresStore) SetAllowance(ctx context.Context, owner, spender common.Address, amount *big.Int) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_allowances (token, owner, spender, amount) VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (token, owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
		s.token.Bytes(), owner.Bytes(), spender.Bytes(), amount.String())
	if err != nil {
		return fmt.Errorf("token: writing allowance: %w", err)
	}
	return nil
}

func (s *PostgresStore) AuthorizationState(ctx context.Context, key [32]byte) (AuthState, error) {
	var state int16
	err := s.db.QueryRow(ctx,
		`SELECT state FROM token_authorization_states WHERE token = $1 AND key = $2`,
		s.token.Bytes(), key[:]).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuthStateUnused, nil
	}
	if err != nil {
		return AuthStateUnused, fmt.Errorf("token: reading authorization state: %w", err)
	}
	return AuthState(state), nil
}

func (s *PostgresStore) SetAuthorizationState(ctx context.Context, key [32]byte, state AuthState) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_authorization_states (token, key, state) VALUES ($1, $2, $3)
		 ON CONFLICT (token, key) DO UPDATE SET state = EXCLUDED.state`,
		s.token.Bytes(), key[:], int16(state))
	if err != nil {
		return fmt.Errorf("token: writing authorization state: %w", err)
	}
	return nil
}

// WithinTx runs fn against a store bound to a single database transaction,
// committing only if fn succeeds.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fmt.Errorf("token: store is already transaction-bound")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bound := &PostgresStore{db: txQuerier{tx}, token: s.token}
	if err := fn(bound); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: committing transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) readAmount(ctx context.Context, query string, args ...any) (*big.Int, error) {
	var text string
	err := s.db.QueryRow(ctx, query, args...).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("token: reading amount: %w", err)
	}
	amount, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("token: stored amount %q is not an integer", text)
	}
	return amount, nil
}

type poolQuerier struct{ pool *pgxpool.Pool }

func (q poolQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return q.pool.Exec(ctx, sql, args...)
}

func (q poolQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return q.pool.QueryRow(ctx, sql, args...)
}

type txQuerier struct{ tx pgx.Tx }

func (q txQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return q.tx.Exec(ctx, sql, args...)
}

func (q txQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return q.tx.QueryRow(ctx, sql, args...)
}
