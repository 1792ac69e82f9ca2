// Package poller watches the configured Bitcoin node for new blocks,
// ingesting each one's stable-marked deposit outputs and a fresh exchange
// rate snapshot into the store once it has cleared the configured
// confirmation depth.
package poller

import (
	"bytes"
	"context"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/btcrpc"
	"github.com/stabledger/stabled/internal/bus"
	"github.com/stabledger/stabled/internal/chain"
	"github.com/stabledger/stabled/internal/exchangerate"
	"github.com/stabledger/stabled/internal/store"
)

// Poller drives the block-ingest loop.
type Poller struct {
	rpc    *btcrpc.Client
	rates  *exchangerate.Client
	store  *store.Store
	bus    *bus.Bus
	log    *logrus.Entry
	period time.Duration
}

// New constructs a Poller. b may be nil to disable update-bus notifications.
func New(rpc *btcrpc.Client, rates *exchangerate.Client, s *store.Store, b *bus.Bus, log *logrus.Entry, period time.Duration) *Poller {
	return &Poller{rpc: rpc, rates: rates, store: s, bus: b, log: log, period: period}
}

// Run ticks every p.period, calling Poll, until ctx is cancelled. Errors
// from a single poll are logged and do not stop the loop — a transient RPC
// or exchange-rate failure should not take the node down, only delay the
// next successful ingest.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.log.WithError(err).Warn("poll failed")
			}
		}
	}
}

// Poll ingests every block that has newly cleared the store's configured
// confirmation depth since the last successful ingest, oldest first. It is
// a no-op once the node's tip has not advanced far enough to confirm a new
// block.
func (p *Poller) Poll(ctx context.Context) error {
	info, err := p.rpc.GetBlockchainInfo(ctx)
	if err != nil {
		return err
	}

	confirmedTip := info.Blocks - p.store.MinConfirmations() + 1
	if confirmedTip < 0 {
		return nil
	}

	lastIngested, ok, err := p.store.CurrentBlockHeight(ctx)
	if err != nil {
		return err
	}
	// On a node's very first poll there is nothing to catch up from; start
	// at the current confirmed tip rather than replaying the whole chain
	// from genesis one block at a time.
	nextHeight := confirmedTip
	if ok {
		nextHeight = lastIngested + 1
	}

	for height := nextHeight; height <= confirmedTip; height++ {
		if err := p.ingestHeight(ctx, height); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) ingestHeight(ctx context.Context, height int64) error {
	hashHex, err := p.rpc.GetBlockHash(ctx, height)
	if err != nil {
		return err
	}
	hash, err := decodeBlockHash(hashHex)
	if err != nil {
		return err
	}

	blockHex, err := p.rpc.GetBlockHex(ctx, hashHex)
	if err != nil {
		return err
	}
	block, err := decodeBlock(blockHex)
	if err != nil {
		return err
	}

	price, err := p.rates.Quote(ctx, chain.CurrencyUSD)
	if err != nil {
		return err
	}
	rateValue := int64(price * float64(chain.CurrencyUSD.DecimalMultiplier()))

	deposits, affected := extractDeposits(block)

	if err := p.store.IngestBlock(ctx, height, hash,
		[]store.ExchangeRateSample{{Currency: chain.CurrencyUSD, Value: rateValue}},
		deposits); err != nil {
		return err
	}

	p.log.WithFields(logrus.Fields{"height": height, "hash": hashHex, "deposits": len(deposits)}).Info("ingested bitcoin block")
	if p.bus != nil {
		p.bus.PublishAll(affected)
	}
	return nil
}

func decodeBlockHash(s string) ([32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, chain.NewExternalError(err, "decoding block hash")
	}
	if len(b) != 32 {
		return [32]byte{}, chain.NewExternalError(nil, "block hash must be 32 bytes, got %d", len(b))
	}
	var h [32]byte
	// bitcoind reports hashes in big-endian display order; reverse to the
	// internal little-endian byte order used as the store's primary key.
	for i := range b {
		h[i] = b[len(b)-1-i]
	}
	return h, nil
}

func decodeBlock(hexBlock string) (*wire.MsgBlock, error) {
	raw, err := hex.DecodeString(hexBlock)
	if err != nil {
		return nil, chain.NewExternalError(err, "decoding block hex")
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, chain.NewExternalError(err, "parsing block")
	}
	return &block, nil
}

func extractDeposits(block *wire.MsgBlock) ([]store.DepositOutput, []address.Address) {
	var deposits []store.DepositOutput
	var affected []address.Address
	for _, tx := range block.Transactions {
		txHash := tx.TxHash()
		for vout, out := range tx.TxOut {
			addr, ok := address.FromScriptPubKey(out.PkScript)
			if !ok {
				continue
			}
			deposits = append(deposits, store.DepositOutput{
				Txid:      txHash,
				Vout:      int32(vout),
				Value:     out.Value,
				Recipient: addr,
			})
			affected = append(affected, addr)
		}
	}
	return deposits, affected
}
