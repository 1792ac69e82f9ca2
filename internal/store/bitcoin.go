package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/chain"
)

// DepositOutput is a stable-marked p2wpkh output the poller found in a
// block, ready to be materialized as a UTXO row.
type DepositOutput struct {
	Txid      [32]byte
	Vout      int32
	Value     int64
	Recipient address.Address
}

// ExchangeRateSample is a single currency's price of 1 BTC in currency
// minor units, i.e. the major-unit price times the currency's decimal
// multiplier (100000 for 1000.00 USD) — the value exchange_rates.value
// stores directly.
type ExchangeRateSample struct {
	Currency chain.Currency
	Value    int64
}

// BestBlockHash returns the hash of the highest-height row in
// bitcoin_blocks, or ok=false if the table is empty (poller has not yet
// ingested anything).
func (s *Store) BestBlockHash(ctx context.Context) (hash [32]byte, ok bool, err error) {
	var hashBytes []byte
	err = s.pool.QueryRow(ctx,
		"SELECT hash FROM bitcoin_blocks ORDER BY height DESC LIMIT 1").Scan(&hashBytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return [32]byte{}, false, nil
		}
		return [32]byte{}, false, fmt.Errorf("store: reading best block hash: %w", err)
	}
	copy(hash[:], hashBytes)
	return hash, true, nil
}

// IngestBlock records a newly confirmed block, its per-currency
// exchange-rate samples, and the stable-marked deposit outputs it
// contains, all within one database transaction. Only blocks that have
// already cleared the store's configured confirmation depth should be
// passed here — the poller is responsible for that check, since it alone
// knows the node's live tip height.
func (s *Store) IngestBlock(ctx context.Context, height int64, hash [32]byte, rates []ExchangeRateSample, deposits []DepositOutput) error {
	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		var blockID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO bitcoin_blocks (hash, height) VALUES ($1, $2)
			 ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash RETURNING id`,
			hash[:], height).Scan(&blockID)
		if err != nil {
			return fmt.Errorf("store: insert bitcoin block: %w", err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO blocks (bitcoin_block_id) VALUES ($1)", blockID); err != nil {
			return fmt.Errorf("store: insert block join row: %w", err)
		}

		for _, rate := range rates {
			if _, err := tx.Exec(ctx,
				`INSERT INTO exchange_rates (block_height, currency, value) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				height, uint8(rate.Currency), rate.Value); err != nil {
				return fmt.Errorf("store: insert exchange rate: %w", err)
			}
		}

		for _, d := range deposits {
			accountID, err := AccountID(ctx, tx, d.Recipient)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO utxos (block_height, account_id, txid, vout, value) VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (txid, vout) DO NOTHING`,
				height, accountID, d.Txid[:], d.Vout, d.Value); err != nil {
				return fmt.Errorf("store: insert utxo: %w", err)
			}
		}
		return nil
	})
}

// CurrentBlockHeight returns the height of the highest block ingested so
// far, or ok=false if none has been ingested yet.
func (s *Store) CurrentBlockHeight(ctx context.Context) (height int64, ok bool, err error) {
	var h *int64
	err = s.pool.QueryRow(ctx, "SELECT current_block()").Scan(&h)
	if err != nil {
		return 0, false, fmt.Errorf("store: reading current block height: %w", err)
	}
	if h == nil {
		return 0, false, nil
	}
	return *h, true, nil
}

// InsertHotWallet registers a node-owned payout address.
func (s *Store) InsertHotWallet(ctx context.Context, btcAddress string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO hot_wallets (address) VALUES ($1) ON CONFLICT DO NOTHING", btcAddress)
	if err != nil {
		return fmt.Errorf("store: insert hot wallet: %w", err)
	}
	return nil
}

// HotWallets lists every registered payout address.
func (s *Store) HotWallets(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT address FROM hot_wallets ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("store: listing hot wallets: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Peer is a federation peer row; only is_self=true peers exist today.
type Peer struct {
	Address string
	IsSelf  bool
}

// InsertPeer registers a peer, ignoring a duplicate address.
func (s *Store) InsertPeer(ctx context.Context, p Peer) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO peers (address, is_self) VALUES ($1, $2) ON CONFLICT DO NOTHING", p.Address, p.IsSelf)
	if err != nil {
		return fmt.Errorf("store: insert peer: %w", err)
	}
	return nil
}

// Peers lists every known peer.
func (s *Store) Peers(ctx context.Context) ([]Peer, error) {
	rows, err := s.pool.Query(ctx, "SELECT address, is_self FROM peers ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("store: listing peers: %w", err)
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.Address, &p.IsSelf); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Initialize performs first-run bootstrap: if no peer is registered yet, it
// registers this node as its own (is_self) peer and registers the given
// 1-of-n multisig payout address (a no-op if that address is already
// registered). Once any peer exists it does nothing.
func (s *Store) Initialize(ctx context.Context, selfAddress, hotWalletAddress string) error {
	peers, err := s.Peers(ctx)
	if err != nil {
		return err
	}
	if len(peers) > 0 {
		return nil
	}
	if err := s.InsertPeer(ctx, Peer{Address: selfAddress, IsSelf: true}); err != nil {
		return err
	}
	return s.InsertHotWallet(ctx, hotWalletAddress)
}
