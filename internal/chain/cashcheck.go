package chain

import (
	"github.com/stabledger/stabled/internal/address"
	"github.com/stabledger/stabled/internal/codec"
)

// CashCheckPreimage returns the canonical encoding of (checkTransactionID,
// recipient) that a CashCheck's inner signature — produced by the check
// account's own key — is computed over.
func CashCheckPreimage(checkTransactionID int64, recipient address.Address) []byte {
	w := codec.NewWriter(8 + address.Length)
	w.WriteI64(checkTransactionID)
	w.WriteFixed(recipient[:])
	return w.Bytes()
}
