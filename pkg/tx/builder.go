package tx

import "github.com/Klingon-tech/klingnet-wallet/pkg/types"

// Builder assembles an unsigned transaction. Inputs added with Spend keep
// their entries, which Pending hands to the signer.
type Builder struct {
	tx      Transaction
	entries []UtxoEntry
}

func NewBuilder() *Builder {
	return &Builder{tx: Transaction{Version: 1}}
}

// AddInput spends prevOut without recording the entry it refers to.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// Spend adds one input per entry, in order.
func (b *Builder) Spend(entries ...UtxoEntry) *Builder {
	for _, e := range entries {
		b.AddInput(e.Outpoint)
	}
	b.entries = append(b.entries, entries...)
	return b
}

// AddOutput locks value to script.
func (b *Builder) AddOutput(value uint64, script types.Script) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Script: script})
	return b
}

func (b *Builder) AddPayment(value uint64, addr types.Address) *Builder {
	return b.AddOutput(value, types.PayToAddress(addr))
}

// Pay adds one output per payment, in order.
func (b *Builder) Pay(payments ...Payment) *Builder {
	for _, p := range payments {
		b.AddPayment(p.Amount, p.Address)
	}
	return b
}

func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// Build returns the transaction without validating it.
func (b *Builder) Build() *Transaction {
	return &b.tx
}

// Pending wraps the transaction with the entries it spends and its mass
// under redeemScripts. Fee is left for the caller to fill in.
func (b *Builder) Pending(redeemScripts map[types.Outpoint][]byte) *PendingTransaction {
	t := b.Build()
	return &PendingTransaction{
		Tx:      t,
		Entries: append([]UtxoEntry(nil), b.entries...),
		Mass:    EstimateMass(t, redeemScripts),
	}
}
