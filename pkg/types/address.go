package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// AddressHashSize is the length of the hash carried by an address.
const AddressHashSize = 20

// Address HRP (human-readable part) constants for bech32 encoding.
const (
	MainnetHRP = "kgx"
	TestnetHRP = "tkgx"
)

// activeHRP is the address HRP used by String() and MarshalJSON().
// Set once at startup via SetAddressHRP(). Default is mainnet.
var activeHRP = MainnetHRP

// SetAddressHRP sets the active address HRP (call once at startup).
func SetAddressHRP(hrp string) {
	activeHRP = hrp
}

// GetAddressHRP returns the currently active address HRP.
func GetAddressHRP() string {
	return activeHRP
}

// AddressVersion selects what an address hash commits to.
type AddressVersion uint8

const (
	AddressVersionPubKey     AddressVersion = 0x00 // hash of a compressed public key
	AddressVersionScriptHash AddressVersion = 0x08 // hash of a redeem script
)

// String returns a short name for the address version.
func (v AddressVersion) String() string {
	switch v {
	case AddressVersionPubKey:
		return "pubkey"
	case AddressVersionScriptHash:
		return "scripthash"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// Address identifies a spender: a public key hash or a script hash.
type Address struct {
	Version AddressVersion
	Hash    [AddressHashSize]byte
}

// NewPubKeyAddress returns a pay-to-pubkey-hash address.
func NewPubKeyAddress(hash [AddressHashSize]byte) Address {
	return Address{Version: AddressVersionPubKey, Hash: hash}
}

// NewScriptHashAddress returns a pay-to-script-hash address.
func NewScriptHashAddress(hash [AddressHashSize]byte) Address {
	return Address{Version: AddressVersionScriptHash, Hash: hash}
}

// IsZero returns true for the zero-value address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// IsScriptHash reports whether the address locks to a script.
func (a Address) IsScriptHash() bool {
	return a.Version == AddressVersionScriptHash
}

// payload is version || hash.
func (a Address) payload() []byte {
	b := make([]byte, 0, 1+AddressHashSize)
	b = append(b, byte(a.Version))
	return append(b, a.Hash[:]...)
}

// String returns the bech32-encoded address (e.g. "kgx1...").
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.payload(), 8, 5, true)
	if err != nil {
		return activeHRP + ":" + a.Hex()
	}
	s, err := bech32.Encode(activeHRP, conv)
	if err != nil {
		return activeHRP + ":" + a.Hex()
	}
	return s
}

// Hex returns version || hash, hex-encoded, without prefix.
func (a Address) Hex() string {
	return hex.EncodeToString(a.payload())
}

// MarshalJSON encodes the address as a bech32 string.
func (a Address) MarshalJSON() ([]byte, error) {
	if a.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a bech32 or raw hex string into an address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText lets addresses be used as JSON object keys.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an address used as a JSON object key.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses a bech32 address ("kgx1...", "tkgx1...") or the raw
// 42-character hex form returned by Hex.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	var raw []byte
	if isHex(s, 2*(1+AddressHashSize)) {
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid address: %w", err)
		}
		raw = decoded
	} else {
		hrp, data, err := bech32.Decode(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid bech32 address: %w", err)
		}
		if hrp != MainnetHRP && hrp != TestnetHRP {
			return Address{}, fmt.Errorf("unknown address prefix %q", hrp)
		}
		conv, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return Address{}, fmt.Errorf("invalid bech32 payload: %w", err)
		}
		raw = conv
	}

	if len(raw) != 1+AddressHashSize {
		return Address{}, fmt.Errorf("address payload must be %d bytes, got %d", 1+AddressHashSize, len(raw))
	}
	v := AddressVersion(raw[0])
	if v != AddressVersionPubKey && v != AddressVersionScriptHash {
		return Address{}, fmt.Errorf("unknown address version %d", raw[0])
	}
	var a Address
	a.Version = v
	copy(a.Hash[:], raw[1:])
	return a, nil
}

// IsValidAddress reports whether s parses as an address of the active network.
func IsValidAddress(s string) bool {
	if !strings.HasPrefix(s, activeHRP+"1") {
		return false
	}
	_, err := ParseAddress(s)
	return err == nil
}

// isHex returns true if s is exactly n hex characters.
func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
