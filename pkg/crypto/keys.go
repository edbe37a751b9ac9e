package crypto

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Key and hash sizes.
const (
	PrivateKeySize = 32
	PublicKeySize  = 33
	HashSize       = types.HashSize
)

var (
	ErrHashSize       = errors.New("hash must be 32 bytes")
	ErrPrivateKeySize = errors.New("private key must be 32 bytes")
)

// Signer produces Schnorr signatures for one key. Wallets hand a Signer to
// the transaction builder and the message signer; the key never leaves it.
type Signer interface {
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the compressed public key.
	PublicKey() []byte
}

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey returns a random key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes loads a key from its 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("%w, got %d", ErrPrivateKeySize, len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != HashSize {
		return nil, fmt.Errorf("%w, got %d", ErrHashSize, len(hash))
	}
	sig, err := schnorr.Sign(pk.key, hash)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Address is the pay-to-pubkey-hash address of the key.
func (pk *PrivateKey) Address() types.Address {
	return AddressFromPubKey(pk.PublicKey())
}

// Serialize returns the 32-byte scalar. Callers own the copy and should
// wipe it once done.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero overwrites the key in memory. The key is unusable afterwards.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// ParsePublicKey checks that b is a valid compressed secp256k1 point.
func ParsePublicKey(b []byte) error {
	if len(b) != PublicKeySize {
		return fmt.Errorf("public key must be %d bytes compressed, got %d", PublicKeySize, len(b))
	}
	if _, err := secp256k1.ParsePubKey(b); err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	return nil
}

// VerifySignature reports whether signature is a valid Schnorr signature
// of hash by the compressed publicKey.
func VerifySignature(hash, signature, publicKey []byte) bool {
	if len(hash) != HashSize {
		return false
	}
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pub)
}
