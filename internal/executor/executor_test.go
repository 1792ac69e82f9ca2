package executor

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/bus"
	"github.com/stabledger/stabled/internal/chain"
	"github.com/stabledger/stabled/internal/store"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping executor integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	log := logrus.NewEntry(logrus.New())
	s, err := store.New(ctx, pool, log, store.WithMinConfirmations(6))
	require.NoError(t, err)
	return New(s, bus.New(), log, 1000)
}

func mustPrivateKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func mustAddress(t *testing.T, priv *btcec.PrivateKey) address.Address {
	t.Helper()
	addr, err := address.DeriveFromPubKey(priv.PubKey())
	require.NoError(t, err)
	return addr
}

// seedBalance credits addr with value in currency via a signerless system
// mint, bypassing the executor (tests set up fixtures this way; minting is
// not itself a client-facing transaction kind).
func seedBalance(t *testing.T, e *Executor, addr address.Address, currency chain.Currency, value int64) {
	t.Helper()
	ctx := context.Background()
	err := e.store.BeginFunc(ctx, func(tx pgx.Tx) error {
		txID, err := store.InsertTransactionBlob(ctx, tx, []byte("seed"))
		if err != nil {
			return err
		}
		_, err = store.InsertLedgerEntry(ctx, tx, txID, address.SystemAddress(), addr, currency, value)
		return err
	})
	require.NoError(t, err)
}

func TestTransferCreditsRecipient(t *testing.T) {
	e := newTestExecutor(t)
	alicePriv := mustPrivateKey(t)
	alice := mustAddress(t, alicePriv)
	bob := mustAddress(t, mustPrivateKey(t))

	seedBalance(t, e, alice, chain.CurrencyUSD, 10000)

	tx := chain.Transfer{Currency: chain.CurrencyUSD, To: chain.NewStableDestination(bob), Value: 10000}
	signed, err := chain.Sign(alicePriv, tx, 0)
	require.NoError(t, err)

	result, err := e.Run(context.Background(), signed)
	require.NoError(t, err)
	require.NotZero(t, result.TransactionID)

	aliceBalance, err := e.store.GetBalance(context.Background(), alice, chain.CurrencyUSD)
	require.NoError(t, err)
	require.Equal(t, int64(0), aliceBalance)

	bobBalance, err := e.store.GetBalance(context.Background(), bob, chain.CurrencyUSD)
	require.NoError(t, err)
	require.Equal(t, int64(10000), bobBalance)
}

func TestReplayedNonceIsRejected(t *testing.T) {
	e := newTestExecutor(t)
	alicePriv := mustPrivateKey(t)
	alice := mustAddress(t, alicePriv)
	bob := mustAddress(t, mustPrivateKey(t))
	seedBalance(t, e, alice, chain.CurrencyUSD, 20000)

	tx := chain.Transfer{Currency: chain.CurrencyUSD, To: chain.NewStableDestination(bob), Value: 10000}
	signed, err := chain.Sign(alicePriv, tx, 0)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), signed)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), signed)
	require.Error(t, err)
}

// TestConcurrentSubmissionsWithSameNonceOnlyOneCommits races several
// identical (same signer, same nonce) submissions through Run —
// regression coverage for the account-row lock: without it, racing
// submissions can read the same "next nonce" before either commits and
// more than one succeeds, duplicating the transfer.
func TestConcurrentSubmissionsWithSameNonceOnlyOneCommits(t *testing.T) {
	e := newTestExecutor(t)
	alicePriv := mustPrivateKey(t)
	alice := mustAddress(t, alicePriv)
	bob := mustAddress(t, mustPrivateKey(t))
	seedBalance(t, e, alice, chain.CurrencyUSD, 20000)

	tx := chain.Transfer{Currency: chain.CurrencyUSD, To: chain.NewStableDestination(bob), Value: 10000}
	signed, err := chain.Sign(alicePriv, tx, 0)
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.Run(context.Background(), signed)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes, "exactly one of the racing identical submissions should commit")

	balance, err := e.store.GetBalance(context.Background(), bob, chain.CurrencyUSD)
	require.NoError(t, err)
	require.Equal(t, int64(10000), balance)
}

func TestCheckCanBeCashedOnceOnly(t *testing.T) {
	e := newTestExecutor(t)
	drawerPriv := mustPrivateKey(t)
	drawer := mustAddress(t, drawerPriv)
	checkPriv := mustPrivateKey(t)
	checkAddr := mustAddress(t, checkPriv)
	bobPriv := mustPrivateKey(t)
	bob := mustAddress(t, bobPriv)

	seedBalance(t, e, drawer, chain.CurrencyUSD, 10000)

	createTx := chain.CreateCheck{Signer: checkAddr, Currency: chain.CurrencyUSD, Value: 10000}
	signedCreate, err := chain.Sign(drawerPriv, createTx, 0)
	require.NoError(t, err)
	createResult, err := e.Run(context.Background(), signedCreate)
	require.NoError(t, err)

	innerPreimage := chain.CashCheckPreimage(createResult.TransactionID, bob)
	innerSig, err := chain.SignPreimage(checkPriv, innerPreimage)
	require.NoError(t, err)

	cashTx := chain.CashCheck{TransactionID: createResult.TransactionID, Signature: innerSig}
	signedCash, err := chain.Sign(bobPriv, cashTx, 0)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), signedCash)
	require.NoError(t, err)

	bobBalance, err := e.store.GetBalance(context.Background(), bob, chain.CurrencyUSD)
	require.NoError(t, err)
	require.Equal(t, int64(10000), bobBalance)

	signedCash2, err := chain.Sign(bobPriv, cashTx, 1)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), signedCash2)
	require.Error(t, err)
}

func TestClaimUtxoCreditsAtExchangeRate(t *testing.T) {
	e := newTestExecutor(t)
	burnsPriv := mustPrivateKey(t)
	burns := mustAddress(t, burnsPriv)

	var txid [32]byte
	txid[0] = 0xEE
	require.NoError(t, e.store.IngestBlock(context.Background(), 877380, [32]byte{1}, []store.ExchangeRateSample{
		{Currency: chain.CurrencyUSD, Value: 100000},
	}, []store.DepositOutput{
		{Txid: txid, Vout: 0, Value: 1000, Recipient: burns},
	}))

	claimTx := chain.ClaimUtxo{Currency: chain.CurrencyUSD, Txid: txid, Vout: 0}
	signed, err := chain.Sign(burnsPriv, claimTx, 0)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), signed)
	require.NoError(t, err)

	balance, err := e.store.GetBalance(context.Background(), burns, chain.CurrencyUSD)
	require.NoError(t, err)
	require.Equal(t, int64(1), balance)

	signed2, err := chain.Sign(burnsPriv, claimTx, 1)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), signed2)
	require.Error(t, err)
}
