package utxo

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-wallet/internal/storage"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

var testAddr = types.NewPubKeyAddress([types.AddressHashSize]byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	0x11, 0x12, 0x13, 0x14})

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func makeOutpoint(data string, index uint32) types.Outpoint {
	return types.Outpoint{
		TxID:  crypto.Hash([]byte(data)),
		Index: index,
	}
}

func makeEntry(data string, index uint32, value uint64) tx.UtxoEntry {
	return tx.UtxoEntry{
		Outpoint:      makeOutpoint(data, index),
		Amount:        value,
		Script:        types.PayToAddress(testAddr),
		BlockDAAScore: 7,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	s := testStore(t)
	e := makeEntry("tx1", 0, 5000)

	if err := s.Put(e); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Get(e.Outpoint)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Amount != e.Amount {
		t.Errorf("Amount = %d, want %d", got.Amount, e.Amount)
	}
	if got.Outpoint != e.Outpoint {
		t.Error("Outpoint mismatch")
	}
	if got.BlockDAAScore != e.BlockDAAScore {
		t.Errorf("BlockDAAScore = %d, want %d", got.BlockDAAScore, e.BlockDAAScore)
	}
	if !got.Script.PaysTo(testAddr) {
		t.Error("script should survive the round trip")
	}
}

func TestStore_GetNonexistent(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(makeOutpoint("missing", 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() for nonexistent entry = %v, want ErrNotFound", err)
	}
	if _, ok := s.Entry(makeOutpoint("missing", 0)); ok {
		t.Error("Entry() should report missing")
	}
}

func TestStore_Has(t *testing.T) {
	s := testStore(t)
	e := makeEntry("tx1", 0, 1000)

	if ok, _ := s.Has(e.Outpoint); ok {
		t.Error("Has() should be false before Put()")
	}
	s.Put(e)
	ok, err := s.Has(e.Outpoint)
	if err != nil {
		t.Fatalf("Has() error: %v", err)
	}
	if !ok {
		t.Error("Has() should be true after Put()")
	}
}

func TestStore_DeleteRemovesIndex(t *testing.T) {
	s := testStore(t)
	e := makeEntry("tx1", 0, 1000)
	s.Put(e)

	if err := s.Delete(e.Outpoint); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Has(e.Outpoint); ok {
		t.Error("entry should be gone after Delete()")
	}
	entries, err := s.GetByAddress(testAddr)
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("address index still lists %d entries", len(entries))
	}
}

func TestStore_GetByAddress(t *testing.T) {
	s := testStore(t)
	for i := uint32(0); i < 3; i++ {
		s.Put(makeEntry("tx1", i, 1000*uint64(i+1)))
	}
	other := makeEntry("tx2", 0, 9999)
	other.Script = types.PayToAddress(types.NewScriptHashAddress(testAddr.Hash))
	s.Put(other)

	entries, err := s.GetByAddress(testAddr)
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	bal, err := s.Balance(testAddr)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 6000 {
		t.Errorf("Balance = %d, want 6000", bal)
	}

	// Same hash, different version: a separate owner.
	scripted, _ := s.GetByAddress(types.NewScriptHashAddress(testAddr.Hash))
	if len(scripted) != 1 || scripted[0].Amount != 9999 {
		t.Errorf("script-hash address entries = %+v", scripted)
	}
}

func TestStore_Apply(t *testing.T) {
	s := testStore(t)
	spent := makeEntry("tx1", 0, 5000)
	s.Put(spent)

	created := []tx.UtxoEntry{makeEntry("tx2", 0, 3000), makeEntry("tx2", 1, 1500)}
	if err := s.Apply([]types.Outpoint{spent.Outpoint}, created); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ok, _ := s.Has(spent.Outpoint); ok {
		t.Error("spent entry should be removed")
	}
	bal, _ := s.Balance(testAddr)
	if bal != 4500 {
		t.Errorf("Balance = %d, want 4500", bal)
	}
}

func TestStore_ForEachAndClearAll(t *testing.T) {
	s := testStore(t)
	s.Put(makeEntry("a", 0, 1))
	s.Put(makeEntry("b", 0, 2))

	var total uint64
	if err := s.ForEach(func(e tx.UtxoEntry) error {
		total += e.Amount
		return nil
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if total != 3 {
		t.Errorf("ForEach total = %d, want 3", total)
	}

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if entries, _ := s.GetByAddress(testAddr); len(entries) != 0 {
		t.Errorf("ClearAll left %d entries", len(entries))
	}
}

func TestStore_ImplementsSet(t *testing.T) {
	var _ Set = (*Store)(nil)
	var _ tx.EntryLookup = (*Store)(nil)
}
