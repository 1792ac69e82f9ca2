// Package address derives and parses stable addresses: the 17-byte account
// identifiers used throughout the ledger, and the Bitcoin witness-output
// encoding that marks a deposit as credited to one.
package address

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

// Length is the size in bytes of a stable address.
const Length = 17

// PubKeyLength is the size in bytes of a SEC1-compressed secp256k1 public key.
const PubKeyLength = 33

// StableMagic is the three-byte prefix that marks a 20-byte p2wpkh witness
// payload as a stable deposit destination, rather than an ordinary address.
var StableMagic = [3]byte{0x4F, 0x60, 0xBA}

// Address is a 17-byte stable account identifier.
type Address [Length]byte

// String renders the address as lowercase hex, the form used in the HTTP
// surface's path segments.
func (a Address) String() string {
	return fmt.Sprintf("%x", a[:])
}

// Derive computes the stable address for a SEC1-compressed public key:
// SHA256(pubkey)[15..32]. pubkey must be exactly PubKeyLength bytes.
func Derive(pubkey []byte) (Address, error) {
	if len(pubkey) != PubKeyLength {
		return Address{}, fmt.Errorf("address: public key must be %d bytes, got %d", PubKeyLength, len(pubkey))
	}
	sum := sha256.Sum256(pubkey)
	var a Address
	copy(a[:], sum[15:32])
	return a, nil
}

// DeriveFromPubKey is a convenience wrapper over Derive for a parsed
// secp256k1 public key.
func DeriveFromPubKey(pub *btcec.PublicKey) (Address, error) {
	return Derive(pub.SerializeCompressed())
}

var systemAddress Address

func init() {
	zero := make([]byte, PubKeyLength)
	addr, err := Derive(zero)
	if err != nil {
		// Derive only fails on wrong input length; zero is always
		// PubKeyLength bytes, so this can never happen.
		panic(err)
	}
	systemAddress = addr
}

// SystemAddress returns the process-wide sentinel address representing the
// issuer/sink side of mint and burn ledger entries. It is derived from an
// all-zero 33-byte input using the same rule as any real key, so it remains
// collision-free with real addresses short of a SHA-256 preimage attack.
func SystemAddress() Address {
	return systemAddress
}

// FromStableWitnessProgram decodes a 20-byte p2wpkh witness payload into a
// stable address, requiring the first three bytes to equal StableMagic.
func FromStableWitnessProgram(payload []byte) (Address, error) {
	if len(payload) != 20 {
		return Address{}, fmt.Errorf("address: witness payload must be 20 bytes, got %d", len(payload))
	}
	if payload[0] != StableMagic[0] || payload[1] != StableMagic[1] || payload[2] != StableMagic[2] {
		return Address{}, fmt.Errorf("address: witness payload missing stable magic prefix")
	}
	var a Address
	copy(a[:], payload[3:20])
	return a, nil
}

// FromScriptPubKey inspects a Bitcoin output script, returning its stable
// address if and only if the script is a p2wpkh output whose 20-byte
// witness program carries the stable magic prefix. Any other script shape
// (p2pkh, p2sh, p2wpkh without the magic, p2tr, etc.) reports ok=false with
// no error — it is simply not a stable deposit, not a malformed one.
func FromScriptPubKey(pkScript []byte) (addr Address, ok bool) {
	scriptClass, pushed, err := extractWitnessV0Payload(pkScript)
	if err != nil || scriptClass != txscript.WitnessV0PubKeyHashTy {
		return Address{}, false
	}
	a, err := FromStableWitnessProgram(pushed)
	if err != nil {
		return Address{}, false
	}
	return a, true
}

func extractWitnessV0Payload(pkScript []byte) (txscript.ScriptClass, []byte, error) {
	class := txscript.GetScriptClass(pkScript)
	if class != txscript.WitnessV0PubKeyHashTy {
		return class, nil, nil
	}
	// A p2wpkh script is exactly OP_0 <20-byte-push>: opcode byte, push-size
	// byte, then the 20-byte program.
	if len(pkScript) != 22 {
		return class, nil, fmt.Errorf("address: malformed p2wpkh script length %d", len(pkScript))
	}
	return class, pkScript[2:], nil
}
