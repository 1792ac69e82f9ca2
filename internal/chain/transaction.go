// Package chain implements the signed-transaction module: the transaction
// variant enumeration, canonical preimage construction, and
// ECDSA-recoverable signing and signer recovery described for the ledger's
// wire protocol.
package chain

import (
	"fmt"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/codec"
)

// Currency identifies a fiat denomination tracked by the ledger. It is
// extensible — USD is the only value defined today, but the discriminant
// byte leaves room for more without breaking the wire format.
type Currency uint8

// CurrencyUSD is the sole currency in production use today.
const CurrencyUSD Currency = 0

// String renders the currency's conventional ticker.
func (c Currency) String() string {
	switch c {
	case CurrencyUSD:
		return "USD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// DecimalMultiplier is the positive integer scale between a currency's
// major and minor units (100 for USD's cents), mirroring the store's
// currency_decimal_multiplier SQL helper.
func (c Currency) DecimalMultiplier() int64 {
	switch c {
	case CurrencyUSD:
		return 100
	default:
		return 0
	}
}

// ParseCurrency maps a ticker string to its Currency discriminant.
func ParseCurrency(s string) (Currency, error) {
	switch s {
	case "USD":
		return CurrencyUSD, nil
	default:
		return 0, fmt.Errorf("chain: unsupported currency %q", s)
	}
}

func (c Currency) encode(w *codec.Writer) {
	w.WriteU8(uint8(c))
}

func decodeCurrency(r *codec.Reader) (Currency, error) {
	v, err := r.ReadU8()
	if err != nil {
		return 0, err
	}
	switch Currency(v) {
	case CurrencyUSD:
		return Currency(v), nil
	default:
		return 0, fmt.Errorf("chain: %w: currency discriminant %d", codec.ErrDiscriminant, v)
	}
}

// DestinationKind discriminates a Transfer's recipient.
type DestinationKind uint8

const (
	// DestinationStable targets an on-ledger stable address.
	DestinationStable DestinationKind = 0
	// DestinationBitcoin targets a Bitcoin address string, triggering a
	// burn and an on-chain payout.
	DestinationBitcoin DestinationKind = 1
)

// Destination is the tagged union Transfer.To — either a stable address
// or a Bitcoin address string.
type Destination struct {
	Kind    DestinationKind
	Stable  address.Address
	Bitcoin string
}

// NewStableDestination builds a Destination targeting an on-ledger address.
func NewStableDestination(addr address.Address) Destination {
	return Destination{Kind: DestinationStable, Stable: addr}
}

// NewBitcoinDestination builds a Destination targeting a Bitcoin address.
func NewBitcoinDestination(btcAddr string) Destination {
	return Destination{Kind: DestinationBitcoin, Bitcoin: btcAddr}
}

func (d Destination) encode(w *codec.Writer) {
	w.WriteU8(uint8(d.Kind))
	switch d.Kind {
	case DestinationStable:
		w.WriteFixed(d.Stable[:])
	case DestinationBitcoin:
		w.WriteBytes([]byte(d.Bitcoin))
	}
}

func decodeDestination(r *codec.Reader) (Destination, error) {
	kind, err := r.ReadU8()
	if err != nil {
		return Destination{}, err
	}
	switch DestinationKind(kind) {
	case DestinationStable:
		b, err := r.ReadFixed(address.Length)
		if err != nil {
			return Destination{}, err
		}
		var a address.Address
		copy(a[:], b)
		return NewStableDestination(a), nil
	case DestinationBitcoin:
		b, err := r.ReadBytes()
		if err != nil {
			return Destination{}, err
		}
		return NewBitcoinDestination(string(b)), nil
	default:
		return Destination{}, fmt.Errorf("chain: %w: destination discriminant %d", codec.ErrDiscriminant, kind)
	}
}

// TxKind is the single-byte discriminant identifying a Transaction variant.
// Values follow the declaration order in the canonical enum and must never
// be reordered once issued transactions exist.
type TxKind uint8

const (
	TxClaimUtxo   TxKind = 0
	TxCreateCheck TxKind = 1
	TxCashCheck   TxKind = 2
	TxTransfer    TxKind = 3
)

// Transaction is any of the four variants the executor dispatches on.
type Transaction interface {
	Kind() TxKind
	encode(w *codec.Writer)
}

// Transfer moves value from the signer to a destination. A Bitcoin
// destination burns the signer's balance and triggers an outbound payout.
type Transfer struct {
	Currency Currency
	To       Destination
	Value    int64
}

// Kind implements Transaction.
func (t Transfer) Kind() TxKind { return TxTransfer }

func (t Transfer) encode(w *codec.Writer) {
	t.Currency.encode(w)
	t.To.encode(w)
	w.WriteI64(t.Value)
}

func decodeTransfer(r *codec.Reader) (Transfer, error) {
	cur, err := decodeCurrency(r)
	if err != nil {
		return Transfer{}, err
	}
	to, err := decodeDestination(r)
	if err != nil {
		return Transfer{}, err
	}
	val, err := r.ReadI64()
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{Currency: cur, To: to, Value: val}, nil
}

// CreateCheck allocates value to a disposable account (a "check") whose
// private key the drawer controls, transferable to whoever can later
// produce that key's signature via CashCheck.
type CreateCheck struct {
	Signer   address.Address
	Currency Currency
	Value    int64
}

// Kind implements Transaction.
func (c CreateCheck) Kind() TxKind { return TxCreateCheck }

func (c CreateCheck) encode(w *codec.Writer) {
	w.WriteFixed(c.Signer[:])
	c.Currency.encode(w)
	w.WriteI64(c.Value)
}

func decodeCreateCheck(r *codec.Reader) (CreateCheck, error) {
	signerBytes, err := r.ReadFixed(address.Length)
	if err != nil {
		return CreateCheck{}, err
	}
	var signer address.Address
	copy(signer[:], signerBytes)
	cur, err := decodeCurrency(r)
	if err != nil {
		return CreateCheck{}, err
	}
	val, err := r.ReadI64()
	if err != nil {
		return CreateCheck{}, err
	}
	return CreateCheck{Signer: signer, Currency: cur, Value: val}, nil
}

// CashCheck claims a previously-created check into the outer signer's
// account. Signature is the check-key's 65-byte signature over the
// canonical encoding of (TransactionID, recipient) where recipient is the
// outer SignedTransaction's recovered signer.
type CashCheck struct {
	TransactionID int64
	Signature     [65]byte
}

// Kind implements Transaction.
func (c CashCheck) Kind() TxKind { return TxCashCheck }

func (c CashCheck) encode(w *codec.Writer) {
	w.WriteI64(c.TransactionID)
	w.WriteFixed(c.Signature[:])
}

func decodeCashCheck(r *codec.Reader) (CashCheck, error) {
	txID, err := r.ReadI64()
	if err != nil {
		return CashCheck{}, err
	}
	sigBytes, err := r.ReadFixed(65)
	if err != nil {
		return CashCheck{}, err
	}
	var sig [65]byte
	copy(sig[:], sigBytes)
	return CashCheck{TransactionID: txID, Signature: sig}, nil
}

// ClaimUtxo consumes a specific Bitcoin UTXO and credits the signer in
// Currency at the prevailing exchange rate.
type ClaimUtxo struct {
	Currency Currency
	Txid     [32]byte
	Vout     int32
}

// Kind implements Transaction.
func (c ClaimUtxo) Kind() TxKind { return TxClaimUtxo }

func (c ClaimUtxo) encode(w *codec.Writer) {
	c.Currency.encode(w)
	w.WriteFixed(c.Txid[:])
	w.WriteI32(c.Vout)
}

func decodeClaimUtxo(r *codec.Reader) (ClaimUtxo, error) {
	cur, err := decodeCurrency(r)
	if err != nil {
		return ClaimUtxo{}, err
	}
	txidBytes, err := r.ReadFixed(32)
	if err != nil {
		return ClaimUtxo{}, err
	}
	var txid [32]byte
	copy(txid[:], txidBytes)
	vout, err := r.ReadI32()
	if err != nil {
		return ClaimUtxo{}, err
	}
	return ClaimUtxo{Currency: cur, Txid: txid, Vout: vout}, nil
}

// EncodeTransaction appends tx's discriminant and fields to w.
func EncodeTransaction(w *codec.Writer, tx Transaction) {
	w.WriteU8(uint8(tx.Kind()))
	tx.encode(w)
}

// DecodeTransaction reads a discriminant-prefixed Transaction from r.
func DecodeTransaction(r *codec.Reader) (Transaction, error) {
	kind, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	switch TxKind(kind) {
	case TxClaimUtxo:
		return decodeClaimUtxo(r)
	case TxCreateCheck:
		return decodeCreateCheck(r)
	case TxCashCheck:
		return decodeCashCheck(r)
	case TxTransfer:
		return decodeTransfer(r)
	default:
		return nil, fmt.Errorf("chain: %w: transaction discriminant %d", codec.ErrDiscriminant, kind)
	}
}
