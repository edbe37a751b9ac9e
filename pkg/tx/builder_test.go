package tx

import (
	"testing"

	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

func TestBuilder_SpendPay(t *testing.T) {
	entries := []UtxoEntry{
		{Outpoint: types.Outpoint{TxID: types.Hash{1}}, Amount: 5000, Script: types.PayToAddress(testAddr(1))},
		{Outpoint: types.Outpoint{TxID: types.Hash{2}, Index: 3}, Amount: 7000, Script: types.PayToAddress(testAddr(1))},
	}
	payments := []Payment{{Address: testAddr(0xaa), Amount: 4000}, {Address: testAddr(0xbb), Amount: 6000}}

	p := NewBuilder().Spend(entries...).Pay(payments...).SetLockTime(9).Pending(nil)

	if len(p.Tx.Inputs) != 2 || p.Tx.Inputs[1].PrevOut != entries[1].Outpoint {
		t.Fatalf("inputs = %+v", p.Tx.Inputs)
	}
	if len(p.Entries) != 2 || p.Entries[0].Amount != 5000 {
		t.Fatalf("entries = %+v", p.Entries)
	}
	for i, want := range payments {
		out := p.Tx.Outputs[i]
		if out.Value != want.Amount || !out.Script.PaysTo(want.Address) {
			t.Errorf("output %d = %+v, want %+v", i, out, want)
		}
	}
	if p.Tx.LockTime != 9 || p.Tx.Version != 1 {
		t.Errorf("locktime %d version %d", p.Tx.LockTime, p.Tx.Version)
	}
	if want := EstimateMass(p.Tx, nil); p.Mass != want || want == 0 {
		t.Errorf("mass = %d, want %d", p.Mass, want)
	}
}

func TestBuilder_AddInputKeepsNoEntry(t *testing.T) {
	p := NewBuilder().AddInput(types.Outpoint{TxID: types.Hash{7}}).AddPayment(1, testAddr(2)).Pending(nil)
	if len(p.Tx.Inputs) != 1 || len(p.Entries) != 0 {
		t.Fatalf("inputs %d entries %d", len(p.Tx.Inputs), len(p.Entries))
	}
}
