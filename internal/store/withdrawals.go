package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stabledger/stabled/internal/chain"
)

// PendingWithdrawal is a write-ahead intent for a Bitcoin payout, recorded
// in the same database transaction as the burn ledger entry so the outbox
// drainer can issue the RPC call outside the executor's critical section
// (SPEC_FULL.md §4.4, the §9 two-phase redesign).
type PendingWithdrawal struct {
	ID             int64
	TransactionID  int64
	LedgerID       int64
	Currency       chain.Currency
	BtcAddress     string
	Sats           int64
	IdempotencyKey uuid.UUID
	Status         string
	Txid           string
}

// InsertPendingWithdrawal records a withdrawal intent within the caller's
// transaction. Call this in the same database transaction as the burn
// ledger entry it pays out.
func InsertPendingWithdrawal(ctx context.Context, q Queryer, txID, ledgerID int64, currency chain.Currency, btcAddress string, sats int64) (*PendingWithdrawal, error) {
	key := uuid.New()
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO pending_withdrawals (transaction_id, ledger_id, currency, btc_address, sats, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		txID, ledgerID, uint8(currency), btcAddress, sats, key).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("store: insert pending withdrawal: %w", err)
	}
	return &PendingWithdrawal{
		ID: id, TransactionID: txID, LedgerID: ledgerID, Currency: currency,
		BtcAddress: btcAddress, Sats: sats, IdempotencyKey: key, Status: "pending",
	}, nil
}

// ListPendingWithdrawals returns every withdrawal still awaiting an RPC
// call, oldest first, for the outbox drainer to process.
func (s *Store) ListPendingWithdrawals(ctx context.Context, limit int) ([]PendingWithdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, transaction_id, ledger_id, currency, btc_address, sats, idempotency_key, status, COALESCE(txid, '')
		 FROM pending_withdrawals WHERE status = 'pending' ORDER BY id ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []PendingWithdrawal
	for rows.Next() {
		var w PendingWithdrawal
		var currency uint8
		if err := rows.Scan(&w.ID, &w.TransactionID, &w.LedgerID, &currency, &w.BtcAddress, &w.Sats, &w.IdempotencyKey, &w.Status, &w.Txid); err != nil {
			return nil, fmt.Errorf("store: scanning pending withdrawal: %w", err)
		}
		w.Currency = chain.Currency(currency)
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkWithdrawalSent records the txid returned by sendtoaddress and moves
// the row to the sent terminal state.
func (s *Store) MarkWithdrawalSent(ctx context.Context, id int64, txid string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE pending_withdrawals SET status = 'sent', txid = $2, completed_at = now() WHERE id = $1",
		id, txid)
	if err != nil {
		return fmt.Errorf("store: marking withdrawal sent: %w", err)
	}
	return nil
}

// MarkWithdrawalFailed moves a withdrawal to the failed terminal state;
// the outbox calls it on the first failed send, with no retry. A failed withdrawal
// requires operator intervention; the ledger-side burn already committed
// and is not reversed automatically.
func (s *Store) MarkWithdrawalFailed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE pending_withdrawals SET status = 'failed', completed_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("store: marking withdrawal failed: %w", err)
	}
	return nil
}
