package tx

import (
	"errors"
	"math"
	"testing"

	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// signedSpend builds a signed one-input transaction spending value from key.
func signedSpend(t *testing.T, key *crypto.PrivateKey, value, out uint64) (*Transaction, EntrySet) {
	t.Helper()
	entry := UtxoEntry{
		Outpoint: types.Outpoint{TxID: types.Hash{0x01}},
		Amount:   value,
		Script:   types.PayToAddress(key.Address()),
	}
	tx := NewBuilder().AddInput(entry.Outpoint).AddPayment(out, testAddr(0x02)).Build()
	p := &PendingTransaction{Tx: tx, Entries: []UtxoEntry{entry}}
	if _, err := p.SignStandard(key); err != nil {
		t.Fatalf("SignStandard: %v", err)
	}
	return tx, NewEntrySet([]UtxoEntry{entry})
}

func TestValidate(t *testing.T) {
	op := types.Outpoint{TxID: types.Hash{0x01}}
	pay := types.PayToAddress(testAddr(0x01))

	tests := []struct {
		name string
		tx   *Transaction
		want error
	}{
		{"valid", simpleTx(), nil},
		{"no inputs", &Transaction{Outputs: []Output{{Value: 1, Script: pay}}}, ErrNoInputs},
		{"no outputs", &Transaction{Inputs: []Input{{PrevOut: op}}}, ErrNoOutputs},
		{"duplicate input", &Transaction{
			Inputs:  []Input{{PrevOut: op}, {PrevOut: op}},
			Outputs: []Output{{Value: 1, Script: pay}},
		}, ErrDuplicateInput},
		{"zero output", &Transaction{
			Inputs:  []Input{{PrevOut: op}},
			Outputs: []Output{{Value: 0, Script: pay}},
		}, ErrZeroOutput},
		{"bad script", &Transaction{
			Inputs:  []Input{{PrevOut: op}},
			Outputs: []Output{{Value: 1, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{1}}}},
		}, ErrInvalidScript},
		{"overflow", &Transaction{
			Inputs:  []Input{{PrevOut: op}},
			Outputs: []Output{{Value: math.MaxUint64, Script: pay}, {Value: 1, Script: pay}},
		}, ErrOutputOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tx.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate_TooManyInputs(t *testing.T) {
	b := NewBuilder().AddPayment(1, testAddr(0x01))
	for i := 0; i <= MaxTxInputs; i++ {
		b.AddInput(types.Outpoint{TxID: types.Hash{byte(i), byte(i >> 8)}, Index: uint32(i)})
	}
	if err := b.Build().Validate(); !errors.Is(err, ErrTooManyInputs) {
		t.Errorf("expected ErrTooManyInputs, got %v", err)
	}
}

func TestValidateWithEntries_Valid(t *testing.T) {
	key := testKey(t)
	tx, entries := signedSpend(t, key, 10_000, 7_000)
	fee, err := tx.ValidateWithEntries(entries)
	if err != nil {
		t.Fatalf("ValidateWithEntries: %v", err)
	}
	if fee != 3_000 {
		t.Errorf("fee = %d, want 3000", fee)
	}
}

func TestValidateWithEntries_Failures(t *testing.T) {
	key := testKey(t)

	t.Run("missing entry", func(t *testing.T) {
		tx, _ := signedSpend(t, key, 10_000, 7_000)
		if _, err := tx.ValidateWithEntries(EntrySet{}); !errors.Is(err, ErrInputNotFound) {
			t.Errorf("expected ErrInputNotFound, got %v", err)
		}
	})

	t.Run("outputs exceed inputs", func(t *testing.T) {
		tx, entries := signedSpend(t, key, 10_000, 12_000)
		if _, err := tx.ValidateWithEntries(entries); !errors.Is(err, ErrInsufficientInput) {
			t.Errorf("expected ErrInsufficientInput, got %v", err)
		}
	})

	t.Run("wrong owner", func(t *testing.T) {
		tx, entries := signedSpend(t, key, 10_000, 7_000)
		other := testKey(t)
		for op, e := range entries {
			e.Script = types.PayToAddress(other.Address())
			entries[op] = e
		}
		if _, err := tx.ValidateWithEntries(entries); !errors.Is(err, ErrScriptMismatch) {
			t.Errorf("expected ErrScriptMismatch, got %v", err)
		}
	})

	t.Run("tampered output", func(t *testing.T) {
		tx, entries := signedSpend(t, key, 10_000, 7_000)
		tx.Outputs[0].Value = 6_000
		if _, err := tx.ValidateWithEntries(entries); !errors.Is(err, ErrInvalidSig) {
			t.Errorf("expected ErrInvalidSig, got %v", err)
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		tx, entries := signedSpend(t, key, 10_000, 7_000)
		tx.Inputs[0].Signature = nil
		if _, err := tx.ValidateWithEntries(entries); !errors.Is(err, ErrMissingSig) {
			t.Errorf("expected ErrMissingSig, got %v", err)
		}
	})
}

func TestRedeemScriptKey(t *testing.T) {
	key := testKey(t)
	script := append([]byte{0x21}, key.PublicKey()...)
	script = append(script, 0xac)

	got, err := RedeemScriptKey(script)
	if err != nil {
		t.Fatalf("RedeemScriptKey: %v", err)
	}
	if string(got) != string(key.PublicKey()) {
		t.Error("expected the pushed public key")
	}

	if _, err := RedeemScriptKey([]byte{0x02, 0x01, 0x02}); !errors.Is(err, ErrInvalidScript) {
		t.Errorf("short push: expected ErrInvalidScript, got %v", err)
	}
	if _, err := RedeemScriptKey([]byte{0x4c}); !errors.Is(err, ErrInvalidScript) {
		t.Errorf("truncated script: expected ErrInvalidScript, got %v", err)
	}
}
