package tx

import (
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// UtxoEntry is a spendable output as reported by the chain.
// BlockDAAScore is zero while the creating transaction is unaccepted.
type UtxoEntry struct {
	Outpoint      types.Outpoint `json:"outpoint"`
	Amount        uint64         `json:"amount"`
	Script        types.Script   `json:"script"`
	BlockDAAScore uint64         `json:"block_daa_score"`
	IsCoinbase    bool           `json:"is_coinbase"`
}

// SumAmounts returns the total value of entries. Overflow is not checked;
// the chain's total supply fits comfortably in a uint64.
func SumAmounts(entries []UtxoEntry) uint64 {
	var total uint64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

// EntryLookup resolves outpoints to entries for validation.
type EntryLookup interface {
	Entry(outpoint types.Outpoint) (UtxoEntry, bool)
}

// EntrySet is an in-memory EntryLookup.
type EntrySet map[types.Outpoint]UtxoEntry

// NewEntrySet indexes entries by outpoint.
func NewEntrySet(entries []UtxoEntry) EntrySet {
	s := make(EntrySet, len(entries))
	for _, e := range entries {
		s[e.Outpoint] = e
	}
	return s
}

// Entry implements EntryLookup.
func (s EntrySet) Entry(op types.Outpoint) (UtxoEntry, bool) {
	e, ok := s[op]
	return e, ok
}
