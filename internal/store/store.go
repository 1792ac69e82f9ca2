// Package store is the Postgres-backed ledger store: accounts, balances,
// append-only ledger entries, the UTXO table, check lifecycle, hot-wallet
// and peer registries, exchange-rate history, and the bitcoin-block index.
// It exposes the transactional operations the executor and poller compose.
package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/chain"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a pgx connection pool with the ledger's schema and operations.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Entry

	minConfirmations int64
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithMinConfirmations sets the confirmation depth a block must reach before
// its outputs are materialized as UTXOs (SPEC_FULL.md §4.4(c)).
func WithMinConfirmations(n int64) Option {
	return func(s *Store) { s.minConfirmations = n }
}

// New constructs a Store over an already-open pool and applies the schema.
func New(ctx context.Context, pool *pgxpool.Pool, log *logrus.Entry, opts ...Option) (*Store, error) {
	s := &Store{
		pool:             pool,
		log:              log,
		minConfirmations: 6,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return s, nil
}

// Pool exposes the underlying pool for callers that need to run their own
// statements against the same schema.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// MinConfirmations returns the configured UTXO finality depth.
func (s *Store) MinConfirmations() int64 {
	return s.minConfirmations
}

// AccountID inserts-or-gets the surrogate id for a stable address.
func AccountID(ctx context.Context, q Queryer, addr address.Address) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, "SELECT account_id($1)", addr[:]).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: account_id: %w", err)
	}
	return id, nil
}

// Queryer is the subset of pgx's transaction/pool interface the store's
// helpers need; it lets callers pass either a *pgxpool.Pool or a pgx.Tx.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// BeginFunc runs fn inside a single database transaction, committing on a
// nil return and rolling back otherwise. Mirrors pgx.BeginTxFunc but keeps
// the Store's default isolation level (read committed, per SPEC_FULL.md
// §5 — row-level locks do the concurrency work, not the isolation level).
func (s *Store) BeginFunc(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// GetBalance returns the current balance of addr in currency, 0 if the
// account has never been referenced.
func (s *Store) GetBalance(ctx context.Context, addr address.Address, currency chain.Currency) (int64, error) {
	accountID, err := AccountID(ctx, s.pool, addr)
	if err != nil {
		return 0, err
	}
	var balance int64
	err = s.pool.QueryRow(ctx,
		"SELECT COALESCE((SELECT value FROM balances WHERE account_id = $1 AND currency = $2), 0)",
		accountID, uint8(currency)).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("store: get_balance: %w", err)
	}
	return balance, nil
}

// Utxo is an unredeemed or redeemed UTXO row as read back for a given
// address.
type Utxo struct {
	Txid  [32]byte
	Vout  int32
	Value int64
}

// GetUtxos returns every unredeemed UTXO credited to addr.
func (s *Store) GetUtxos(ctx context.Context, addr address.Address) ([]Utxo, error) {
	accountID, err := AccountID(ctx, s.pool, addr)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		"SELECT txid, vout, value FROM utxos WHERE account_id = $1 AND redeemed = false ORDER BY txid, vout",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("store: get_utxos: %w", err)
	}
	defer rows.Close()

	var out []Utxo
	for rows.Next() {
		var txidBytes []byte
		var u Utxo
		if err := rows.Scan(&txidBytes, &u.Vout, &u.Value); err != nil {
			return nil, fmt.Errorf("store: scanning utxo row: %w", err)
		}
		copy(u.Txid[:], txidBytes)
		out = append(out, u)
	}
	return out, rows.Err()
}

// AccountAddress returns the stable address for a surrogate account id.
func AccountAddress(ctx context.Context, q Queryer, accountID int64) (address.Address, error) {
	var b []byte
	err := q.QueryRow(ctx, "SELECT account_address($1)", accountID).Scan(&b)
	if err != nil {
		return address.Address{}, fmt.Errorf("store: account_address: %w", err)
	}
	var a address.Address
	copy(a[:], b)
	return a, nil
}

// NextNonce returns the nonce a new signature from addr must carry: one
// past the highest nonce previously recorded for it, or 0 if none exists.
func (s *Store) NextNonce(ctx context.Context, addr address.Address) (int64, error) {
	var nonce int64
	err := s.pool.QueryRow(ctx, "SELECT nonce FROM accounts WHERE address = $1", addr[:]).Scan(&nonce)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("store: reading account nonce: %w", err)
	}
	return nonce + 1, nil
}

// LockSignerNonce locks addr's account row for the remainder of the
// enclosing transaction and returns its currently recorded nonce (-1 if the
// account has never signed). The executor calls this, inside the same
// transaction that will later insert the signature, to make nonce
// validation authoritative: a second concurrent submission for the same
// signer+nonce blocks on this lock until the first commits, then observes
// the advanced nonce and is rejected, rather than racing the unlocked
// pre-check on the pool.
func LockSignerNonce(ctx context.Context, q Queryer, addr address.Address) (int64, error) {
	accountID, err := AccountID(ctx, q, addr)
	if err != nil {
		return 0, err
	}
	var nonce int64
	err = q.QueryRow(ctx, "SELECT nonce FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("store: locking account nonce: %w", err)
	}
	return nonce, nil
}
