package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/chain"
)

// ErrNoRowsUpdated is returned by the atomic UPDATE...RETURNING guards (the
// UTXO redeem claim and the check-cashed claim) when no row matched —
// either the target never existed or a concurrent claim already won.
var ErrNoRowsUpdated = errors.New("store: no rows updated")

// InsertTransactionBlob persists the opaque canonical encoding of a
// SignedTransaction, returning its assigned id.
func InsertTransactionBlob(ctx context.Context, q Queryer, data []byte) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, "INSERT INTO transactions (data) VALUES ($1) RETURNING id", data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert transaction blob: %w", err)
	}
	return id, nil
}

// InsertLedgerEntry appends a double-entry row crediting recipient and
// debiting payor by value in currency, tagged with the owning transaction.
func InsertLedgerEntry(ctx context.Context, q Queryer, txID int64, payor, recipient address.Address, currency chain.Currency, value int64) (int64, error) {
	payorID, err := AccountID(ctx, q, payor)
	if err != nil {
		return 0, err
	}
	recipientID, err := AccountID(ctx, q, recipient)
	if err != nil {
		return 0, err
	}
	var ledgerID int64
	err = q.QueryRow(ctx,
		`INSERT INTO ledger (transaction_id, payor_id, recipient_id, currency, value)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		txID, payorID, recipientID, uint8(currency), value).Scan(&ledgerID)
	if err != nil {
		return 0, fmt.Errorf("store: insert ledger entry: %w", err)
	}
	return ledgerID, nil
}

// InsertSignature appends the signature row closing out a transaction's
// authentication. It must be the last write before commit, per the
// executor's commit sequence.
func InsertSignature(ctx context.Context, q Queryer, txID int64, signer address.Address, nonce int64, sig [chain.SignatureLength]byte) error {
	signerID, err := AccountID(ctx, q, signer)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO signatures (transaction_id, account_id, nonce, signature) VALUES ($1, $2, $3, $4)`,
		txID, signerID, nonce, sig[:])
	if err != nil {
		return fmt.Errorf("store: insert signature: %w", err)
	}
	_, err = q.Exec(ctx, "UPDATE accounts SET nonce = $1 WHERE id = $2", nonce, signerID)
	if err != nil {
		return fmt.Errorf("store: advancing account nonce: %w", err)
	}
	return nil
}

// CreateMagicLinkAccount marks the account for addr as a magic-link (check)
// account, creating it if it does not yet exist.
func CreateMagicLinkAccount(ctx context.Context, q Queryer, addr address.Address) error {
	_, err := q.Exec(ctx,
		`INSERT INTO accounts (address, is_magic_link) VALUES ($1, true)
		 ON CONFLICT (address) DO UPDATE SET is_magic_link = true`,
		addr[:])
	if err != nil {
		return fmt.Errorf("store: create magic-link account: %w", err)
	}
	return nil
}

// CheckLedgerEntry is the ledger row a CreateCheck produced, as looked up
// by CashCheck.
type CheckLedgerEntry struct {
	LedgerID      int64
	RecipientID   int64
	IsMagicLink   bool
	Cashed        bool
	Currency      chain.Currency
	Value         int64
}

// LookupCheckLedgerEntry finds the ledger row created by the CreateCheck
// whose transaction id is checkTxID.
func LookupCheckLedgerEntry(ctx context.Context, q Queryer, checkTxID int64) (*CheckLedgerEntry, error) {
	var e CheckLedgerEntry
	var currency uint8
	err := q.QueryRow(ctx,
		`SELECT l.id, l.recipient_id, a.is_magic_link, l.cashed, l.currency, l.value
		 FROM ledger l JOIN accounts a ON a.id = l.recipient_id
		 WHERE l.transaction_id = $1`,
		checkTxID).Scan(&e.LedgerID, &e.RecipientID, &e.IsMagicLink, &e.Cashed, &currency, &e.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, chain.NewStateError(err, "no ledger entry for check transaction %d", checkTxID)
		}
		return nil, fmt.Errorf("store: looking up check ledger entry: %w", err)
	}
	e.Currency = chain.Currency(currency)
	return &e, nil
}

// MarkCashed atomically flips a check's ledger row from uncashed to cashed,
// the same UPDATE-WHERE-RETURNING linearization pattern the UTXO table
// uses, closing the double-cash gap the original design left open.
func MarkCashed(ctx context.Context, q Queryer, ledgerID int64) error {
	var id int64
	err := q.QueryRow(ctx,
		"UPDATE ledger SET cashed = true WHERE id = $1 AND cashed = false RETURNING id",
		ledgerID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: %w: check already cashed", ErrNoRowsUpdated)
		}
		return fmt.Errorf("store: marking check cashed: %w", err)
	}
	return nil
}

// ClaimedUtxo is the value released by a successful ClaimUtxoRow call.
type ClaimedUtxo struct {
	Value int64
}

// ClaimUtxoRow atomically marks an unredeemed UTXO belonging to accountID
// as redeemed, returning its value. Returns ErrNoRowsUpdated if no such
// unredeemed row exists — either it was never seen, belongs to a different
// account, or a concurrent claim already won.
func ClaimUtxoRow(ctx context.Context, q Queryer, accountID int64, txid [32]byte, vout int32) (*ClaimedUtxo, error) {
	var c ClaimedUtxo
	err := q.QueryRow(ctx,
		`UPDATE utxos SET redeemed = true
		 WHERE account_id = $1 AND txid = $2 AND vout = $3 AND redeemed = false
		 RETURNING value`,
		accountID, txid[:], vout).Scan(&c.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: %w: utxo does not exist for this address or has already been redeemed", ErrNoRowsUpdated)
		}
		return nil, fmt.Errorf("store: claiming utxo: %w", err)
	}
	return &c, nil
}

// CurrencyToSatoshis converts a currency-minor-unit value to satoshis using
// the latest exchange rate, enforcing the staleness bound in maxAge.
func (s *Store) CurrencyToSatoshis(ctx context.Context, q Queryer, currency chain.Currency, value int64, maxAge int64) (int64, error) {
	if err := s.checkExchangeRateFresh(ctx, q, currency, maxAge); err != nil {
		return 0, err
	}
	var sats int64
	err := q.QueryRow(ctx, "SELECT currency_to_satoshis($1, $2)", uint8(currency), value).Scan(&sats)
	if err != nil {
		return 0, fmt.Errorf("store: currency_to_satoshis: %w", err)
	}
	return sats, nil
}

// SatoshisToCurrency converts satoshis to a currency-minor-unit credit
// using the latest exchange rate, enforcing the staleness bound in maxAge.
func (s *Store) SatoshisToCurrency(ctx context.Context, q Queryer, currency chain.Currency, sats int64, maxAge int64) (int64, error) {
	if err := s.checkExchangeRateFresh(ctx, q, currency, maxAge); err != nil {
		return 0, err
	}
	var value int64
	err := q.QueryRow(ctx, "SELECT satoshis_to_currency($1, $2)", uint8(currency), sats).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("store: satoshis_to_currency: %w", err)
	}
	return value, nil
}

// checkExchangeRateFresh requires a currency's latest exchange_rates row to
// be within maxAge blocks of current_block(), the highest block the poller
// has ingested (SPEC_FULL.md §4.4(b)).
// maxAge is expressed in blocks, not wall-clock time, since block height is
// the only clock the poller and executor share.
func (s *Store) checkExchangeRateFresh(ctx context.Context, q Queryer, currency chain.Currency, maxAgeBlocks int64) error {
	var latestRateBlock, currentBlock *int64
	err := q.QueryRow(ctx,
		"SELECT (SELECT max(block_height) FROM exchange_rates WHERE currency = $1), current_block()",
		uint8(currency)).Scan(&latestRateBlock, &currentBlock)
	if err != nil {
		return fmt.Errorf("store: checking exchange rate freshness: %w", err)
	}
	if latestRateBlock == nil {
		return chain.NewStateError(nil, "no exchange rate on record for %s", currency)
	}
	if currentBlock != nil && *currentBlock-*latestRateBlock > maxAgeBlocks {
		return chain.NewStateError(nil, "exchange rate for %s is stale (last updated at block %d, current block %d)", currency, *latestRateBlock, *currentBlock)
	}
	return nil
}
