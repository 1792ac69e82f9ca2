// Package api exposes the ledger over HTTP: a canonical-codec transaction
// submission endpoint, canonical-codec balance/UTXO reads, and a
// Server-Sent-Events stream driven by the in-process update bus.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/bus"
	"github.com/stabledger/stabled/internal/chain"
	"github.com/stabledger/stabled/internal/codec"
	"github.com/stabledger/stabled/internal/executor"
	"github.com/stabledger/stabled/internal/store"
)

// Server holds the dependencies every handler needs.
type Server struct {
	executor *executor.Executor
	store    *store.Store
	bus      *bus.Bus
	log      *logrus.Entry
}

// NewRouter builds the chi router exposing the full HTTP surface.
func NewRouter(e *executor.Executor, s *store.Store, b *bus.Bus, log *logrus.Entry) http.Handler {
	srv := &Server{executor: e, store: s, bus: b, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Post("/transactions", srv.handlePostTransaction)
	r.Get("/balances/{currency}/{address}", srv.handleGetBalance)
	r.Get("/utxos/{address}", srv.handleGetUtxos)
	r.Get("/sse", srv.handleSSE)
	return r
}

func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start),
			}).Info("handled request")
		})
	}
}

// writeError renders err as the uniform 500-plus-reason-text body every
// error kind surfaces as on this interface (SPEC_FULL.md §6/§7): the
// taxonomy decides whether the enclosing transaction rolled back, not the
// HTTP status code.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	log.WithError(err).Warn("request failed")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprint(w, err.Error())
}

func parseAddress(hexAddr string) (address.Address, error) {
	raw, err := hex.DecodeString(hexAddr)
	if err != nil {
		return address.Address{}, chain.NewValidationError(err, "decoding hex address")
	}
	if len(raw) != address.Length {
		return address.Address{}, chain.NewValidationError(nil, "address must be %d bytes, got %d", address.Length, len(raw))
	}
	var a address.Address
	copy(a[:], raw)
	return a, nil
}

func (s *Server) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, s.log, chain.NewValidationError(err, "reading request body"))
		return
	}
	signed, err := chain.DecodeSignedTransactionBytes(body)
	if err != nil {
		writeError(w, s.log, chain.NewValidationError(err, "decoding signed transaction"))
		return
	}

	result, err := s.executor.Run(r.Context(), signed)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	out := codec.NewWriter(8)
	out.WriteI64(result.TransactionID)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(out.Bytes())
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	currency, err := chain.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, s.log, chain.NewValidationError(err, "parsing currency"))
		return
	}
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	balance, err := s.store.GetBalance(r.Context(), addr, currency)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	out := codec.NewWriter(8)
	out.WriteI64(balance)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(out.Bytes())
}

func (s *Server) handleGetUtxos(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	utxos, err := s.store.GetUtxos(r.Context(), addr)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	out := codec.NewWriter(8 + len(utxos)*44)
	out.WriteSeqLen(len(utxos))
	for _, u := range utxos {
		out.WriteFixed(u.Txid[:])
		out.WriteI32(u.Vout)
		out.WriteI64(u.Value)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(out.Bytes())
}

// sseUpdate is the JSON payload pushed over the SSE stream whenever the
// update bus fires for the subscribed address (SPEC_FULL.md §6).
type sseUpdate struct {
	Balance string        `json:"balance"`
	Utxos   []sseUtxoView `json:"utxos"`
}

type sseUtxoView struct {
	TransactionID string `json:"transaction_id"`
	Vout          int32  `json:"vout"`
	Value         int64  `json:"value"`
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	currency, err := chain.ParseCurrency(r.URL.Query().Get("currency"))
	if err != nil {
		writeError(w, s.log, chain.NewValidationError(err, "parsing currency"))
		return
	}
	addr, err := parseAddress(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.log, chain.NewInfrastructureError(nil, "streaming unsupported by response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(addr)
	defer sub.Close()

	ctx := r.Context()
	if err := s.pushUpdate(ctx, w, addr, currency); err != nil {
		s.log.WithError(err).Warn("sse: initial push failed")
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.C():
			if err := s.pushUpdate(ctx, w, addr, currency); err != nil {
				s.log.WithError(err).Warn("sse: push failed")
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) pushUpdate(ctx context.Context, w http.ResponseWriter, addr address.Address, currency chain.Currency) error {
	balance, err := s.store.GetBalance(ctx, addr, currency)
	if err != nil {
		return err
	}
	utxos, err := s.store.GetUtxos(ctx, addr)
	if err != nil {
		return err
	}

	view := sseUpdate{Balance: fmt.Sprintf("%d", balance)}
	for _, u := range utxos {
		view.Utxos = append(view.Utxos, sseUtxoView{
			TransactionID: hex.EncodeToString(u.Txid[:]),
			Vout:          u.Vout,
			Value:         u.Value,
		})
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("api: marshaling sse update: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
