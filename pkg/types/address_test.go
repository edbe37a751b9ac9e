package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func testAddress() Address {
	return NewPubKeyAddress([AddressHashSize]byte{0x8f, 0x3a, 0x44, 0xb8, 0x05, 0x6c, 0xaf, 0xec, 0x36, 0x8d,
		0xea, 0x0c, 0xbe, 0x0a, 0xd1, 0xd9, 0xbc, 0x3f, 0x43, 0x05})
}

func TestAddress_IsZero(t *testing.T) {
	var zero Address
	if !zero.IsZero() {
		t.Error("zero-value Address should be zero")
	}
	if testAddress().IsZero() {
		t.Error("non-zero Address should not be zero")
	}
	if (Address{Version: AddressVersionScriptHash}).IsZero() {
		t.Error("script hash version with zero hash should not be zero")
	}
}

func TestAddress_String(t *testing.T) {
	oldHRP := activeHRP
	defer func() { activeHRP = oldHRP }()

	SetAddressHRP(MainnetHRP)
	if s := testAddress().String(); !strings.HasPrefix(s, "kgx1") {
		t.Errorf("String() should start with 'kgx1', got %s", s)
	}

	SetAddressHRP(TestnetHRP)
	if s := testAddress().String(); !strings.HasPrefix(s, "tkgx1") {
		t.Errorf("String() should start with 'tkgx1', got %s", s)
	}
}

func TestAddress_VersionsDiffer(t *testing.T) {
	h := testAddress().Hash
	pk := NewPubKeyAddress(h)
	sh := NewScriptHashAddress(h)
	if pk.String() == sh.String() {
		t.Error("pubkey and script hash addresses with the same hash must encode differently")
	}
	if !sh.IsScriptHash() || pk.IsScriptHash() {
		t.Error("IsScriptHash mismatch")
	}
}

func TestAddress_Bech32_Roundtrip(t *testing.T) {
	for _, a := range []Address{testAddress(), NewScriptHashAddress(testAddress().Hash)} {
		s := a.String()
		parsed, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", s, err)
		}
		if parsed != a {
			t.Errorf("roundtrip mismatch: got %s, want %s", parsed, a)
		}
	}
}

func TestAddress_Hex(t *testing.T) {
	a := NewScriptHashAddress([AddressHashSize]byte{0xab, 0xcd})
	h := a.Hex()
	if len(h) != 42 {
		t.Errorf("Hex() length = %d, want 42", len(h))
	}
	if !strings.HasPrefix(h, "08abcd") {
		t.Errorf("Hex() should start with version byte, got %s", h[:6])
	}
	parsed, err := ParseAddress(h)
	if err != nil {
		t.Fatalf("ParseAddress(hex): %v", err)
	}
	if parsed != a {
		t.Errorf("hex roundtrip = %s, want %s", parsed, a)
	}
}

func TestParseAddress_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"invalid bech32", "kgx1invalid!!!"},
		{"unknown hrp", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"},
		{"unknown version", "07" + strings.Repeat("00", AddressHashSize)},
		{"short hex", "00abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAddress(tt.input); err == nil {
				t.Errorf("ParseAddress(%q) should have returned error", tt.input)
			}
		})
	}
}

func TestIsValidAddress(t *testing.T) {
	oldHRP := activeHRP
	defer func() { activeHRP = oldHRP }()

	SetAddressHRP(MainnetHRP)
	s := testAddress().String()
	if !IsValidAddress(s) {
		t.Errorf("IsValidAddress(%q) = false", s)
	}

	SetAddressHRP(TestnetHRP)
	if IsValidAddress(s) {
		t.Error("mainnet address should be invalid on testnet")
	}
	if IsValidAddress("") {
		t.Error("empty address should be invalid")
	}
}

func TestAddress_JSON_RoundTrip(t *testing.T) {
	original := testAddress()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Address
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if original != decoded {
		t.Errorf("roundtrip mismatch: original=%s, decoded=%s", original, decoded)
	}

	var zero Address
	data, _ = json.Marshal(zero)
	if string(data) != `""` {
		t.Errorf("zero address JSON = %s, want empty string", data)
	}
}

func TestAddress_MapKeyJSON(t *testing.T) {
	m := map[Address]uint64{testAddress(): 7}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[Address]uint64
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded[testAddress()] != 7 {
		t.Errorf("decoded map = %v", decoded)
	}
}
