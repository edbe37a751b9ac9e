// Package tx defines transactions, their mass and fee accounting, and the
// construction and signing primitives used to build chained payments.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Transaction represents a chain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent.
//
// Pay-to-pubkey-hash inputs carry Signature and PubKey. Script-locked
// inputs carry Signature and the RedeemScript whose hash the spent output
// commits to; the key is taken from the script.
type Input struct {
	PrevOut      types.Outpoint `json:"prevout"`
	Signature    []byte         `json:"signature"`
	PubKey       []byte         `json:"pubkey"`
	RedeemScript []byte         `json:"redeem_script,omitempty"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut      types.Outpoint `json:"prevout"`
	Signature    *string        `json:"signature"`
	PubKey       *string        `json:"pubkey"`
	RedeemScript string         `json:"redeem_script,omitempty"`
}

// MarshalJSON encodes the input with hex-encoded byte fields.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	if len(in.RedeemScript) > 0 {
		j.RedeemScript = hex.EncodeToString(in.RedeemScript)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded byte fields.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Signature, in.PubKey, in.RedeemScript = nil, nil, nil
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return fmt.Errorf("signature: %w", err)
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return fmt.Errorf("pubkey: %w", err)
		}
		in.PubKey = b
	}
	if j.RedeemScript != "" {
		b, err := hex.DecodeString(j.RedeemScript)
		if err != nil {
			return fmt.Errorf("redeem script: %w", err)
		}
		in.RedeemScript = b
	}
	return nil
}

// IsSigned reports whether the input carries a signature.
func (in Input) IsSigned() bool {
	return len(in.Signature) > 0
}

// Output defines a new UTXO.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// Hash computes the transaction ID (BLAKE3 hash of the signing bytes).
// Signatures, public keys and redeem scripts are excluded, so the id is
// known before signing.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | input_count(4) | [prevout(36)]... | output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data]... | locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// SerializedSize returns the size of the signing bytes plus the
// length-prefixed unlocking data of every input.
func (tx *Transaction) SerializedSize() int {
	size := len(tx.SigningBytes())
	for _, in := range tx.Inputs {
		size += 3*4 + len(in.Signature) + len(in.PubKey) + len(in.RedeemScript)
	}
	return size
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

// Clone returns a deep copy of the transaction.
func (tx *Transaction) Clone() *Transaction {
	c := &Transaction{Version: tx.Version, LockTime: tx.LockTime}
	c.Inputs = make([]Input, len(tx.Inputs))
	for i, in := range tx.Inputs {
		c.Inputs[i] = Input{
			PrevOut:      in.PrevOut,
			Signature:    append([]byte(nil), in.Signature...),
			PubKey:       append([]byte(nil), in.PubKey...),
			RedeemScript: append([]byte(nil), in.RedeemScript...),
		}
	}
	c.Outputs = make([]Output, len(tx.Outputs))
	for i, out := range tx.Outputs {
		c.Outputs[i] = Output{
			Value:  out.Value,
			Script: types.Script{Type: out.Script.Type, Data: append([]byte(nil), out.Script.Data...)},
		}
	}
	return c
}
