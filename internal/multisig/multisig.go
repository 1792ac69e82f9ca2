// Package multisig builds the 1-of-n P2WSH hot-wallet redeem script the
// node uses for outbound Bitcoin payouts.
package multisig

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// RedeemScript builds the 1-of-n multisig redeem script over pubKeys.
func RedeemScript(pubKeys []*btcec.PublicKey) ([]byte, error) {
	if len(pubKeys) == 0 {
		return nil, fmt.Errorf("multisig: at least one public key required")
	}
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_1)
	for _, pk := range pubKeys {
		builder.AddData(pk.SerializeCompressed())
	}
	builder.AddInt64(int64(len(pubKeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// HotWalletAddress derives the P2WSH address for a 1-of-n redeem script
// over pubKeys, on the given network.
func HotWalletAddress(pubKeys []*btcec.PublicKey, net *chaincfg.Params) (btcutil.Address, error) {
	redeem, err := RedeemScript(pubKeys)
	if err != nil {
		return nil, err
	}
	witnessProgram := sha256.Sum256(redeem)
	addr, err := btcutil.NewAddressWitnessScriptHash(witnessProgram[:], net)
	if err != nil {
		return nil, fmt.Errorf("multisig: deriving p2wsh address: %w", err)
	}
	return addr, nil
}
