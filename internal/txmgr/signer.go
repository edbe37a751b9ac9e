package txmgr

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Signer signs the inputs of generated transactions.
type Signer interface {
	// SignStandard signs every unsigned input paying to the signer.
	SignStandard(p *tx.PendingTransaction) error
	// SignScriptUnlock signs the input locked to redeemScript.
	SignScriptUnlock(p *tx.PendingTransaction, redeemScript []byte) error
}

// KeySigner is a Signer backed by a single private key.
type KeySigner struct {
	key *crypto.PrivateKey
}

// NewKeySigner returns a Signer for key.
func NewKeySigner(key *crypto.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// Address returns the address of the signing key.
func (s *KeySigner) Address() types.Address {
	return s.key.Address()
}

// PublicKey returns the compressed public key.
func (s *KeySigner) PublicKey() []byte {
	return s.key.PublicKey()
}

// SignStandard implements Signer. It fails with tx.ErrNoOwnedInputs when
// no input belongs to the key.
func (s *KeySigner) SignStandard(p *tx.PendingTransaction) error {
	n, err := p.SignStandard(s.key)
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.ErrNoOwnedInputs
	}
	return nil
}

// SignScriptUnlock implements Signer.
func (s *KeySigner) SignScriptUnlock(p *tx.PendingTransaction, redeemScript []byte) error {
	return p.SignScriptUnlock(s.key, redeemScript)
}

// SignMessage signs an arbitrary message with the key.
func (s *KeySigner) SignMessage(message string) (string, error) {
	return crypto.SignMessage(s.key, message)
}

// signingStrategy signs one transaction of a generated chain.
type signingStrategy interface {
	sign(s Signer, p *tx.PendingTransaction) error
}

// standardSigning signs wallet-owned inputs only.
type standardSigning struct{}

func (standardSigning) sign(s Signer, p *tx.PendingTransaction) error {
	return s.SignStandard(p)
}

// scriptUnlockSigning signs the wallet-owned inputs, then unlocks the
// input locked to the redeem script. A transaction spending only the
// script input has no wallet-owned inputs to sign.
type scriptUnlockSigning struct {
	redeemScript []byte
}

func (u scriptUnlockSigning) sign(s Signer, p *tx.PendingTransaction) error {
	if err := s.SignStandard(p); err != nil && !errors.Is(err, tx.ErrNoOwnedInputs) {
		return err
	}
	if err := s.SignScriptUnlock(p, u.redeemScript); err != nil {
		return fmt.Errorf("unlock script input: %w", err)
	}
	return nil
}

// strategyFor selects the strategy by the role of p in its chain: only
// the final transaction spends the priority entries.
func strategyFor(p *tx.PendingTransaction, redeemScript []byte) signingStrategy {
	if p.IsFinal && len(redeemScript) > 0 && p.SpendsScript(redeemScript) {
		return scriptUnlockSigning{redeemScript: redeemScript}
	}
	return standardSigning{}
}
