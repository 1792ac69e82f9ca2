// Package outbox drains the pending_withdrawals table the executor writes
// to, issuing the deferred sendtoaddress calls so a client-facing Transfer
// never blocks on (or rolls back behind) a Bitcoin RPC round-trip.
package outbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stabledger/stabled/internal/btcrpc"
	"github.com/stabledger/stabled/internal/store"
)

// batchSize bounds how many withdrawals a single Drain pass issues, so one
// slow poll period can't pile up an unbounded number of in-flight sends.
const batchSize = 50

// Drainer periodically issues the outbound payments recorded by the
// executor's two-phase withdrawal writes.
type Drainer struct {
	rpc    *btcrpc.Client
	store  *store.Store
	log    *logrus.Entry
	period time.Duration
}

// New constructs a Drainer.
func New(rpc *btcrpc.Client, s *store.Store, log *logrus.Entry, period time.Duration) *Drainer {
	return &Drainer{rpc: rpc, store: s, log: log, period: period}
}

// Run ticks every d.period, calling Drain, until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				d.log.WithError(err).Warn("drain failed")
			}
		}
	}
}

// Drain issues sendtoaddress for every still-pending withdrawal, oldest
// first. A row only ever leaves the pending state through MarkWithdrawalSent
// or MarkWithdrawalFailed, so a crash between a successful RPC call and the
// status update is the one case this cannot make idempotent — the ledger's
// burn has already committed by the time a withdrawal reaches here, and
// bitcoind itself has no notion of a deduplicated broadcast. A failed send
// is left for operator intervention rather than retried automatically.
func (d *Drainer) Drain(ctx context.Context) error {
	pending, err := d.store.ListPendingWithdrawals(ctx, batchSize)
	if err != nil {
		return err
	}
	for _, w := range pending {
		if err := d.send(ctx, w); err != nil {
			d.log.WithError(err).WithField("withdrawal_id", w.ID).Warn("withdrawal failed")
			if markErr := d.store.MarkWithdrawalFailed(ctx, w.ID); markErr != nil {
				d.log.WithError(markErr).Error("failed to record withdrawal failure")
			}
			continue
		}
	}
	return nil
}

func (d *Drainer) send(ctx context.Context, w store.PendingWithdrawal) error {
	amount := btcrpc.FormatSats(w.Sats)
	txid, err := d.rpc.SendToAddress(ctx, w.BtcAddress, amount)
	if err != nil {
		return err
	}
	if err := d.store.MarkWithdrawalSent(ctx, w.ID, txid); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "txid": txid, "sats": w.Sats}).Info("sent withdrawal")
	return nil
}
