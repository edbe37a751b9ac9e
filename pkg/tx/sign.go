package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
)

// Signing errors.
var (
	ErrNoOwnedInputs  = errors.New("no inputs owned by signing key")
	ErrNoScriptInput  = errors.New("no unsigned input locked to redeem script")
	ErrEntryMismatch  = errors.New("entries do not match inputs")
	ErrNotFullySigned = errors.New("transaction not fully signed")
)

// SignStandard signs every unsigned input whose entry pays to the key's
// address. It returns the number of inputs signed.
func (p *PendingTransaction) SignStandard(key *crypto.PrivateKey) (int, error) {
	if len(p.Entries) != len(p.Tx.Inputs) {
		return 0, ErrEntryMismatch
	}
	hash := p.Tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return 0, fmt.Errorf("sign tx: %w", err)
	}
	addr := key.Address()
	pub := key.PublicKey()

	signed := 0
	for i := range p.Tx.Inputs {
		if p.Tx.Inputs[i].IsSigned() || !p.Entries[i].Script.PaysTo(addr) {
			continue
		}
		p.Tx.Inputs[i].Signature = sig
		p.Tx.Inputs[i].PubKey = pub
		signed++
	}
	return signed, nil
}

// SignScriptUnlock fills the first unsigned input locked to redeemScript
// with a signature from key and the script itself.
func (p *PendingTransaction) SignScriptUnlock(key *crypto.PrivateKey, redeemScript []byte) error {
	if len(p.Entries) != len(p.Tx.Inputs) {
		return ErrEntryMismatch
	}
	scriptAddr := crypto.ScriptHashAddress(redeemScript)
	for i := range p.Tx.Inputs {
		if p.Tx.Inputs[i].IsSigned() || !p.Entries[i].Script.PaysTo(scriptAddr) {
			continue
		}
		hash := p.Tx.Hash()
		sig, err := key.Sign(hash[:])
		if err != nil {
			return fmt.Errorf("sign script input %d: %w", i, err)
		}
		p.Tx.Inputs[i].Signature = sig
		p.Tx.Inputs[i].RedeemScript = append([]byte(nil), redeemScript...)
		return nil
	}
	return ErrNoScriptInput
}

// SpendsScript reports whether any input spends an output locked to
// redeemScript.
func (p *PendingTransaction) SpendsScript(redeemScript []byte) bool {
	scriptAddr := crypto.ScriptHashAddress(redeemScript)
	for _, e := range p.Entries {
		if e.Script.PaysTo(scriptAddr) {
			return true
		}
	}
	return false
}

// IsFullySigned reports whether every input carries a signature.
func (p *PendingTransaction) IsFullySigned() bool {
	for _, in := range p.Tx.Inputs {
		if !in.IsSigned() {
			return false
		}
	}
	return true
}

// Verify checks the signed transaction against its own entries and that
// the recorded fee balances it exactly.
func (p *PendingTransaction) Verify() error {
	if !p.IsFullySigned() {
		return ErrNotFullySigned
	}
	fee, err := p.Tx.ValidateWithEntries(NewEntrySet(p.Entries))
	if err != nil {
		return err
	}
	if fee != p.Fee {
		return fmt.Errorf("fee mismatch: computed %d, recorded %d", fee, p.Fee)
	}
	return nil
}
