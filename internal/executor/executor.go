// Package executor implements the transaction executor: Run, the
// single-entry-point dispatcher that validates a SignedTransaction,
// recovers its signer, and applies its ledger effect under one database
// transaction.
package executor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/bus"
	"github.com/stabledger/stabled/internal/chain"
	"github.com/stabledger/stabled/internal/store"
)

// Executor dispatches signed transactions to their ledger effects.
type Executor struct {
	store              *store.Store
	bus                *bus.Bus
	log                *logrus.Entry
	maxExchangeRateAge int64 // blocks
}

// New constructs an Executor over store s. b may be nil, in which case
// committed transactions publish no update-bus notifications (useful in
// tests that don't care about live subscribers).
func New(s *store.Store, b *bus.Bus, log *logrus.Entry, maxExchangeRateAgeBlocks int64) *Executor {
	return &Executor{store: s, bus: b, log: log, maxExchangeRateAge: maxExchangeRateAgeBlocks}
}

// Result is what Run returns on success: the assigned transaction id and
// the addresses whose balances changed (for a Transfer/Bitcoin withdrawal,
// only the signer), which Run publishes on the update bus after commit.
type Result struct {
	TransactionID int64
	Affected      []address.Address
}

// Run validates and applies signed, returning the id assigned to its
// persisted blob. All ledger mutations commit atomically; any error before
// the final commit leaves no trace, including the transaction id itself.
func (e *Executor) Run(ctx context.Context, signed *chain.SignedTransaction) (*Result, error) {
	signer, err := chain.RecoverSigner(signed)
	if err != nil {
		return nil, chain.NewAuthorizationError(err, "recovering signer")
	}

	// Cheap, unlocked fast-path: reject an obviously stale/future nonce
	// before opening a transaction. This is not authoritative — a
	// concurrent submission can still race past it — so the real check
	// happens again below, inside the transaction, against a locked row.
	expectedNonce, err := e.store.NextNonce(ctx, signer)
	if err != nil {
		return nil, chain.NewInfrastructureError(err, "reading signer nonce")
	}
	if signed.Nonce != expectedNonce {
		return nil, chain.NewAuthorizationError(nil, "nonce %d does not match expected %d for signer %s", signed.Nonce, expectedNonce, signer)
	}

	var result Result
	err = e.store.BeginFunc(ctx, func(tx pgx.Tx) error {
		// Locks the signer's account row for the rest of this transaction,
		// serializing concurrent submissions from the same signer. Only
		// after acquiring the lock is the nonce check authoritative: a
		// racing duplicate blocks here until the winner commits, then sees
		// the advanced nonce and is rejected instead of both proceeding.
		lockedNonce, err := store.LockSignerNonce(ctx, tx, signer)
		if err != nil {
			return err
		}
		if signed.Nonce != lockedNonce+1 {
			return chain.NewAuthorizationError(nil, "nonce %d does not match expected %d for signer %s", signed.Nonce, lockedNonce+1, signer)
		}

		txID, err := store.InsertTransactionBlob(ctx, tx, signed.EncodeBytes())
		if err != nil {
			return err
		}
		result.TransactionID = txID

		affected, err := e.dispatch(ctx, tx, txID, signer, signed.Transaction)
		if err != nil {
			return err
		}
		result.Affected = affected

		if err := store.InsertSignature(ctx, tx, txID, signer, signed.Nonce, signed.Signature); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.PublishAll(result.Affected)
	}
	return &result, nil
}

func (e *Executor) dispatch(ctx context.Context, tx pgx.Tx, txID int64, signer address.Address, transaction chain.Transaction) ([]address.Address, error) {
	switch t := transaction.(type) {
	case chain.Transfer:
		return e.runTransfer(ctx, tx, txID, signer, t)
	case chain.CreateCheck:
		return e.runCreateCheck(ctx, tx, txID, signer, t)
	case chain.CashCheck:
		return e.runCashCheck(ctx, tx, txID, signer, t)
	case chain.ClaimUtxo:
		return e.runClaimUtxo(ctx, tx, txID, signer, t)
	default:
		return nil, chain.NewValidationError(nil, "unknown transaction variant %T", transaction)
	}
}

func (e *Executor) runTransfer(ctx context.Context, tx pgx.Tx, txID int64, signer address.Address, t chain.Transfer) ([]address.Address, error) {
	switch t.To.Kind {
	case chain.DestinationStable:
		if _, err := store.InsertLedgerEntry(ctx, tx, txID, signer, t.To.Stable, t.Currency, t.Value); err != nil {
			return nil, err
		}
		if err := e.checkNonNegative(ctx, tx, signer, t.Currency); err != nil {
			return nil, err
		}
		return []address.Address{signer, t.To.Stable}, nil

	case chain.DestinationBitcoin:
		ledgerID, err := store.InsertLedgerEntry(ctx, tx, txID, signer, address.SystemAddress(), t.Currency, t.Value)
		if err != nil {
			return nil, err
		}
		if err := e.checkNonNegative(ctx, tx, signer, t.Currency); err != nil {
			return nil, err
		}
		sats, err := e.store.CurrencyToSatoshis(ctx, tx, t.Currency, t.Value, e.maxExchangeRateAge)
		if err != nil {
			return nil, err
		}
		if _, err := store.InsertPendingWithdrawal(ctx, tx, txID, ledgerID, t.Currency, t.To.Bitcoin, sats); err != nil {
			return nil, err
		}
		return []address.Address{signer}, nil

	default:
		return nil, chain.NewValidationError(nil, "unknown transfer destination kind %d", t.To.Kind)
	}
}

func (e *Executor) runCreateCheck(ctx context.Context, tx pgx.Tx, txID int64, signer address.Address, t chain.CreateCheck) ([]address.Address, error) {
	if err := store.CreateMagicLinkAccount(ctx, tx, t.Signer); err != nil {
		return nil, err
	}
	if _, err := store.InsertLedgerEntry(ctx, tx, txID, signer, t.Signer, t.Currency, t.Value); err != nil {
		return nil, err
	}
	if err := e.checkNonNegative(ctx, tx, signer, t.Currency); err != nil {
		return nil, err
	}
	return []address.Address{signer, t.Signer}, nil
}

func (e *Executor) runCashCheck(ctx context.Context, tx pgx.Tx, txID int64, signer address.Address, t chain.CashCheck) ([]address.Address, error) {
	entry, err := store.LookupCheckLedgerEntry(ctx, tx, t.TransactionID)
	if err != nil {
		return nil, err
	}
	if !entry.IsMagicLink {
		return nil, chain.NewStateError(nil, "transaction %d does not target a magic-link account", t.TransactionID)
	}
	if entry.Cashed {
		return nil, chain.NewStateError(nil, "check from transaction %d already cashed", t.TransactionID)
	}

	innerPreimage := chain.CashCheckPreimage(t.TransactionID, signer)
	checkPub, err := chain.Recover(innerPreimage, t.Signature)
	if err != nil {
		return nil, chain.NewAuthorizationError(err, "recovering check signer")
	}
	checkAddr, err := address.DeriveFromPubKey(checkPub)
	if err != nil {
		return nil, chain.NewAuthorizationError(err, "deriving check address")
	}
	checkAccountID, err := store.AccountID(ctx, tx, checkAddr)
	if err != nil {
		return nil, err
	}
	if checkAccountID != entry.RecipientID {
		return nil, chain.NewAuthorizationError(nil, "check signature does not match the check account for transaction %d", t.TransactionID)
	}

	if err := store.MarkCashed(ctx, tx, entry.LedgerID); err != nil {
		return nil, chain.NewStateError(err, "check already cashed")
	}

	if _, err := store.InsertLedgerEntry(ctx, tx, txID, checkAddr, signer, entry.Currency, entry.Value); err != nil {
		return nil, err
	}
	return []address.Address{checkAddr, signer}, nil
}

func (e *Executor) runClaimUtxo(ctx context.Context, tx pgx.Tx, txID int64, signer address.Address, t chain.ClaimUtxo) ([]address.Address, error) {
	accountID, err := store.AccountID(ctx, tx, signer)
	if err != nil {
		return nil, err
	}
	claimed, err := store.ClaimUtxoRow(ctx, tx, accountID, t.Txid, t.Vout)
	if err != nil {
		return nil, chain.NewStateError(err, "claiming utxo")
	}
	credit, err := e.store.SatoshisToCurrency(ctx, tx, t.Currency, claimed.Value, e.maxExchangeRateAge)
	if err != nil {
		return nil, err
	}
	if _, err := store.InsertLedgerEntry(ctx, tx, txID, address.SystemAddress(), signer, t.Currency, credit); err != nil {
		return nil, err
	}
	return []address.Address{signer}, nil
}

// checkNonNegative enforces the non-system-account balance floor after a
// debit. The system account (the issuer/sink) is exempt.
func (e *Executor) checkNonNegative(ctx context.Context, tx pgx.Tx, acct address.Address, currency chain.Currency) error {
	if acct == address.SystemAddress() {
		return nil
	}
	balance, err := balanceInTx(ctx, tx, acct, currency)
	if err != nil {
		return err
	}
	if balance < 0 {
		return chain.NewStateError(nil, "insufficient balance for %s in %s", acct, currency)
	}
	return nil
}

func balanceInTx(ctx context.Context, tx pgx.Tx, acct address.Address, currency chain.Currency) (int64, error) {
	accountID, err := store.AccountID(ctx, tx, acct)
	if err != nil {
		return 0, err
	}
	var balance int64
	err = tx.QueryRow(ctx,
		"SELECT COALESCE((SELECT value FROM balances WHERE account_id = $1 AND currency = $2), 0)",
		accountID, uint8(currency)).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("executor: reading balance inside transaction: %w", err)
	}
	return balance, nil
}
