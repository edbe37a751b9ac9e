package tx

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
	"github.com/btcsuite/btcd/txscript"
)

// Structural limits.
const (
	MaxTxInputs  = 1000
	MaxTxOutputs = 1000
)

// Validation errors.
var (
	ErrNoInputs          = errors.New("transaction has no inputs")
	ErrNoOutputs         = errors.New("transaction has no outputs")
	ErrDuplicateInput    = errors.New("duplicate input")
	ErrOutputOverflow    = errors.New("output values overflow")
	ErrZeroOutput        = errors.New("output value is zero")
	ErrInvalidScript     = errors.New("invalid script")
	ErrMissingPubKey     = errors.New("input missing public key")
	ErrMissingSig        = errors.New("input missing signature")
	ErrInvalidSig        = errors.New("invalid signature")
	ErrTooManyInputs     = errors.New("too many inputs")
	ErrTooManyOutputs    = errors.New("too many outputs")
	ErrInputNotFound     = errors.New("input UTXO not found")
	ErrInputOverflow     = errors.New("input values overflow")
	ErrInsufficientInput = errors.New("inputs do not cover outputs")
	ErrScriptMismatch    = errors.New("unlocking data does not match UTXO script")
)

// Validate checks transaction structure and basic rules.
// This does NOT check UTXO existence or signatures.
func (tx *Transaction) Validate() error {
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(tx.Inputs) > MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), MaxTxInputs)
	}
	if len(tx.Outputs) > MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), MaxTxOutputs)
	}

	seen := make(map[types.Outpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true
	}

	var totalOutput uint64
	for i, out := range tx.Outputs {
		if out.Value == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if _, ok := out.Script.Address(); !ok {
			return fmt.Errorf("output %d: %w: %s", i, ErrInvalidScript, out.Script.Type)
		}
		if totalOutput > math.MaxUint64-out.Value {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += out.Value
	}

	return nil
}

// VerifySignatures checks that every input is signed by the key its
// unlocking data names. It does not check the keys against spent scripts.
func (tx *Transaction) VerifySignatures() error {
	hash := tx.Hash()
	for i, in := range tx.Inputs {
		if !in.IsSigned() {
			return fmt.Errorf("input %d: %w", i, ErrMissingSig)
		}
		pub := in.PubKey
		if len(in.RedeemScript) > 0 {
			var err error
			if pub, err = RedeemScriptKey(in.RedeemScript); err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
		}
		if len(pub) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		}
		if !crypto.VerifySignature(hash[:], in.Signature, pub) {
			return fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}
	}
	return nil
}

// ValidateWithEntries performs full validation against the spent entries:
// structure, script ownership, signatures and value balance. It returns
// the fee (inputs - outputs).
func (tx *Transaction) ValidateWithEntries(lookup EntryLookup) (uint64, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		entry, ok := lookup.Entry(in.PrevOut)
		if !ok {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}
		if err := verifyOwnership(in, entry.Script); err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if totalInput > math.MaxUint64-entry.Amount {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += entry.Amount
	}

	if err := tx.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, err := tx.TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutputOverflow, err)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientInput, totalInput, totalOutput)
	}
	return totalInput - totalOutput, nil
}

// verifyOwnership checks that the unlocking data hashes to the address
// the spent script commits to.
func verifyOwnership(in Input, script types.Script) error {
	switch script.Type {
	case types.ScriptTypeP2PKH:
		if len(in.PubKey) == 0 {
			return ErrMissingPubKey
		}
		if !script.PaysTo(crypto.AddressFromPubKey(in.PubKey)) {
			return fmt.Errorf("%w: pubkey hash", ErrScriptMismatch)
		}
	case types.ScriptTypeP2SH:
		if len(in.RedeemScript) == 0 {
			return fmt.Errorf("%w: missing redeem script", ErrScriptMismatch)
		}
		if !script.PaysTo(crypto.ScriptHashAddress(in.RedeemScript)) {
			return fmt.Errorf("%w: script hash", ErrScriptMismatch)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidScript, script.Type)
	}
	return nil
}

// RedeemScriptKey returns the spending key of a redeem script: its first
// data push, which must be a compressed public key.
func RedeemScriptKey(redeemScript []byte) ([]byte, error) {
	pushes, err := txscript.PushedData(redeemScript)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if len(pushes) == 0 || len(pushes[0]) != compressedPubKeySize {
		return nil, fmt.Errorf("%w: redeem script does not start with a public key", ErrInvalidScript)
	}
	return bytes.Clone(pushes[0]), nil
}
