package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/codec"
)

// SignatureLength is the size in bytes of a SignedTransaction's signature:
// a 64-byte compact ECDSA signature (r||s) followed by one recovery-id byte.
const SignatureLength = 65

// SignedTransaction is the triple (transaction, nonce, signature) that a
// client submits. Its signature recovers the signer's public key from the
// canonical encoding of (nonce, transaction) alone — no separate public key
// field is transmitted.
type SignedTransaction struct {
	Transaction Transaction
	Nonce       int64
	Signature   [SignatureLength]byte
}

// Preimage returns the canonical encoding of the 2-tuple (nonce,
// transaction) that a SignedTransaction's signature is computed over.
func Preimage(nonce int64, tx Transaction) []byte {
	w := codec.NewWriter(64)
	w.WriteI64(nonce)
	EncodeTransaction(w, tx)
	return w.Bytes()
}

// Encode appends the full (transaction, nonce, signature) triple to w.
func (s *SignedTransaction) Encode(w *codec.Writer) {
	EncodeTransaction(w, s.Transaction)
	w.WriteI64(s.Nonce)
	w.WriteFixed(s.Signature[:])
}

// EncodeBytes returns the standalone encoding of s, as submitted by clients
// and stored in the transactions table.
func (s *SignedTransaction) EncodeBytes() []byte {
	w := codec.NewWriter(128)
	s.Encode(w)
	return w.Bytes()
}

// DecodeSignedTransaction parses a (transaction, nonce, signature) triple
// from r.
func DecodeSignedTransaction(r *codec.Reader) (*SignedTransaction, error) {
	tx, err := DecodeTransaction(r)
	if err != nil {
		return nil, err
	}
	nonce, err := r.ReadI64()
	if err != nil {
		return nil, err
	}
	sigBytes, err := r.ReadFixed(SignatureLength)
	if err != nil {
		return nil, err
	}
	var sig [SignatureLength]byte
	copy(sig[:], sigBytes)
	return &SignedTransaction{Transaction: tx, Nonce: nonce, Signature: sig}, nil
}

// DecodeSignedTransactionBytes parses a full-message encoding, rejecting
// trailing bytes beyond the triple.
func DecodeSignedTransactionBytes(b []byte) (*SignedTransaction, error) {
	r := codec.NewReader(b)
	stx, err := DecodeSignedTransaction(r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, fmt.Errorf("chain: trailing bytes after signed transaction")
	}
	return stx, nil
}

// digest is the hash signed and recovered over. A single SHA-256 is used —
// the preimage is already a compact, self-describing canonical encoding, not
// raw unstructured data, so a second hashing pass buys nothing a Bitcoin
// transaction's double-SHA256 buys against length-extension ambiguity.
func digest(preimage []byte) [32]byte {
	return sha256.Sum256(preimage)
}

// Sign produces a SignedTransaction for tx at nonce, signed by priv.
func Sign(priv *btcec.PrivateKey, tx Transaction, nonce int64) (*SignedTransaction, error) {
	preimage := Preimage(nonce, tx)
	sig, err := SignPreimage(priv, preimage)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{Transaction: tx, Nonce: nonce, Signature: sig}, nil
}

// SignPreimage signs an already-built preimage, returning the wire-format
// 65-byte signature (r || s || recovery-id).
func SignPreimage(priv *btcec.PrivateKey, preimage []byte) ([SignatureLength]byte, error) {
	h := digest(preimage)
	// isCompressedKey=false keeps the header byte in 27..30 so recid is a
	// plain 0..3 value; the repack below strips the header regardless.
	compact := ecdsa.SignCompact(priv, h[:], false)
	header := compact[0]
	recID := header - 27
	if recID >= 4 {
		recID -= 4
	}
	var sig [SignatureLength]byte
	copy(sig[0:64], compact[1:65])
	sig[64] = recID
	return sig, nil
}

// Recover recovers the public key that produced sig over preimage.
func Recover(preimage []byte, sig [SignatureLength]byte) (*btcec.PublicKey, error) {
	if sig[64] > 3 {
		return nil, fmt.Errorf("chain: recovery id %d out of range [0,3]", sig[64])
	}
	h := digest(preimage)
	compact := make([]byte, 65)
	compact[0] = 27 + sig[64]
	copy(compact[1:], sig[0:64])
	pub, _, err := ecdsa.RecoverCompact(compact, h[:])
	if err != nil {
		return nil, fmt.Errorf("chain: signature recovery failed: %w", err)
	}
	return pub, nil
}

// RecoverSigner recovers the stable address of whoever signed s.
func RecoverSigner(s *SignedTransaction) (address.Address, error) {
	preimage := Preimage(s.Nonce, s.Transaction)
	pub, err := Recover(preimage, s.Signature)
	if err != nil {
		return address.Address{}, err
	}
	return address.DeriveFromPubKey(pub)
}
