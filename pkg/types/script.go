package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking script.
type ScriptType uint8

const (
	ScriptTypeP2PKH ScriptType = 0x01 // Pay to public key hash
	ScriptTypeP2SH  ScriptType = 0x02 // Pay to script hash
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeP2SH:
		return "P2SH"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for a UTXO.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// PayToAddress returns the locking script paying to addr.
func PayToAddress(addr Address) Script {
	st := ScriptTypeP2PKH
	if addr.IsScriptHash() {
		st = ScriptTypeP2SH
	}
	data := make([]byte, AddressHashSize)
	copy(data, addr.Hash[:])
	return Script{Type: st, Data: data}
}

// Address returns the address a script pays to. The second result is
// false for scripts that do not carry a 20-byte hash.
func (s Script) Address() (Address, bool) {
	if len(s.Data) != AddressHashSize {
		return Address{}, false
	}
	var h [AddressHashSize]byte
	copy(h[:], s.Data)
	switch s.Type {
	case ScriptTypeP2PKH:
		return NewPubKeyAddress(h), true
	case ScriptTypeP2SH:
		return NewScriptHashAddress(h), true
	default:
		return Address{}, false
	}
}

// PaysTo reports whether the script locks to addr.
func (s Script) PaysTo(addr Address) bool {
	got, ok := s.Address()
	return ok && got == addr
}

// scriptJSON is the JSON representation of a Script with hex-encoded data.
type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	s.Data = nil
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
