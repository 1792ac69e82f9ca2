// Command stabled runs the custodial ledger: the HTTP API, the Bitcoin
// block poller, and the withdrawal outbox drainer, all sharing one database
// pool and one in-process update bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/stabledger/stabled/internal/api"
	"github.com/stabledger/stabled/internal/btcrpc"
	"github.com/stabledger/stabled/internal/bus"
	"github.com/stabledger/stabled/internal/config"
	"github.com/stabledger/stabled/internal/exchangerate"
	"github.com/stabledger/stabled/internal/executor"
	"github.com/stabledger/stabled/internal/multisig"
	"github.com/stabledger/stabled/internal/outbox"
	"github.com/stabledger/stabled/internal/poller"
	"github.com/stabledger/stabled/internal/store"
)

func main() {
	log := logrus.New()
	if err := run(log); err != nil {
		log.WithError(err).Fatal("stabled exited")
	}
}

func run(log *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	entry := log.WithField("env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	s, err := store.New(ctx, pool, entry, store.WithMinConfirmations(cfg.MinConfirmations))
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}

	rpc := btcrpc.New(cfg.BitcoindURL)
	info, err := rpc.GetBlockchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("reaching bitcoind: %w", err)
	}
	entry.WithField("chain", info.Chain).Info("connected to bitcoind")

	priv, err := cfg.PrivateKeyECDSA()
	if err != nil {
		return fmt.Errorf("parsing node private key: %w", err)
	}
	net := netParamsForChain(info.Chain)
	hotWalletAddr, err := multisig.HotWalletAddress([]*btcec.PublicKey{priv.PubKey()}, net)
	if err != nil {
		return fmt.Errorf("deriving hot wallet address: %w", err)
	}
	selfAddress := fmt.Sprintf("%s:%d", cfg.PublicIP, cfg.Port)
	if err := s.Initialize(ctx, selfAddress, hotWalletAddr.String()); err != nil {
		return fmt.Errorf("initializing peer/hot-wallet registration: %w", err)
	}

	b := bus.New()
	rates := exchangerate.New(cfg.CoinMarketCapKey)
	exec := executor.New(s, b, entry, cfg.MaxExchangeRateAgeBlocks)
	pol := poller.New(rpc, rates, s, b, entry, cfg.PollInterval)
	drainer := outbox.New(rpc, s, entry, cfg.PollInterval)

	go pol.Run(ctx)
	go drainer.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewRouter(exec, s, b, entry),
	}

	errCh := make(chan error, 1)
	go func() {
		entry.WithField("port", cfg.Port).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func netParamsForChain(name string) *chaincfg.Params {
	switch name {
	case "test":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "signet":
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
