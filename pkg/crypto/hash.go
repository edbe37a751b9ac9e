// Package crypto provides the hashing and Schnorr/secp256k1 signing
// primitives used by the wallet engine.
package crypto

import (
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// AddressFromPubKey derives a pay-to-pubkey-hash address from a
// compressed public key: BLAKE3(pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var a [types.AddressHashSize]byte
	copy(a[:], h[:types.AddressHashSize])
	return types.NewPubKeyAddress(a)
}

// ScriptHashAddress derives the pay-to-script-hash address of a redeem
// script: BLAKE3(script)[:20].
func ScriptHashAddress(script []byte) types.Address {
	h := Hash(script)
	var a [types.AddressHashSize]byte
	copy(a[:], h[:types.AddressHashSize])
	return types.NewScriptHashAddress(a)
}
