package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/bus"
	"github.com/stabledger/stabled/internal/chain"
	"github.com/stabledger/stabled/internal/codec"
	"github.com/stabledger/stabled/internal/executor"
	"github.com/stabledger/stabled/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *bus.Bus) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping api integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	log := logrus.NewEntry(logrus.New())
	s, err := store.New(ctx, pool, log, store.WithMinConfirmations(6))
	require.NoError(t, err)
	b := bus.New()
	e := executor.New(s, b, log, 1000)

	srv := httptest.NewServer(NewRouter(e, s, b, log))
	t.Cleanup(srv.Close)
	return srv, s, b
}

func mustSigner(t *testing.T) (*btcec.PrivateKey, address.Address) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := address.DeriveFromPubKey(priv.PubKey())
	require.NoError(t, err)
	return priv, addr
}

func seedBalance(t *testing.T, s *store.Store, addr address.Address, currency chain.Currency, value int64) {
	t.Helper()
	ctx := context.Background()
	err := s.BeginFunc(ctx, func(tx pgx.Tx) error {
		txID, err := store.InsertTransactionBlob(ctx, tx, []byte("seed"))
		if err != nil {
			return err
		}
		_, err = store.InsertLedgerEntry(ctx, tx, txID, address.SystemAddress(), addr, currency, value)
		return err
	})
	require.NoError(t, err)
}

func TestPostTransactionCreditsRecipient(t *testing.T) {
	srv, s, _ := newTestServer(t)

	alicePriv, alice := mustSigner(t)
	_, bob := mustSigner(t)
	seedBalance(t, s, alice, chain.CurrencyUSD, 5000)

	tx := chain.Transfer{Currency: chain.CurrencyUSD, To: chain.NewStableDestination(bob), Value: 5000}
	signed, err := chain.Sign(alicePriv, tx, 0)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/transactions", "application/octet-stream", strings.NewReader(string(signed.EncodeBytes())))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	r := codec.NewReader(body)
	txID, err := r.ReadI64()
	require.NoError(t, err)
	require.NotZero(t, txID)

	balance, err := s.GetBalance(context.Background(), bob, chain.CurrencyUSD)
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance)
}

func TestPostTransactionRejectsMalformedBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/transactions", "application/octet-stream", strings.NewReader("not a signed transaction"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetBalanceReturnsCanonicalEncodedValue(t *testing.T) {
	srv, s, _ := newTestServer(t)

	_, alice := mustSigner(t)
	seedBalance(t, s, alice, chain.CurrencyUSD, 4200)

	resp, err := http.Get(srv.URL + "/balances/USD/" + alice.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	r := codec.NewReader(body)
	balance, err := r.ReadI64()
	require.NoError(t, err)
	require.Equal(t, int64(4200), balance)
}

func TestGetUtxosReturnsEmptySequenceForUnknownAddress(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, addr := mustSigner(t)
	resp, err := http.Get(srv.URL + "/utxos/" + addr.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	r := codec.NewReader(body)
	n, err := r.ReadSeqLen()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSSEPushesUpdateOnTransfer(t *testing.T) {
	srv, s, _ := newTestServer(t)

	alicePriv, alice := mustSigner(t)
	_, bob := mustSigner(t)
	seedBalance(t, s, alice, chain.CurrencyUSD, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse?currency=USD&address="+bob.String(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	// first push is the initial snapshot (balance 0, no utxos).
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	require.Contains(t, line, `"balance":"0"`)

	tx := chain.Transfer{Currency: chain.CurrencyUSD, To: chain.NewStableDestination(bob), Value: 100}
	signed, err := chain.Sign(alicePriv, tx, 0)
	require.NoError(t, err)
	_, err = http.Post(srv.URL+"/transactions", "application/octet-stream", strings.NewReader(string(signed.EncodeBytes())))
	require.NoError(t, err)

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			if strings.Contains(line, `"balance":"100"`) {
				break
			}
		}
	}
}
