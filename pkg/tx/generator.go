package tx

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// DefaultMaxInputs bounds the inputs of one generated transaction. Larger
// input sets are compounded through intermediate transactions first.
const DefaultMaxInputs = 80

// Generator errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDustOutput        = errors.New("first output below dust threshold")
	ErrNoChangeAddress   = errors.New("change address required")
	ErrNoReceiver        = errors.New("receiver-pays requires a payment output")
	ErrTooManyPriority   = errors.New("priority entries exceed input limit")
)

// FeeSource selects who pays the network fee.
type FeeSource int

const (
	// SenderPays adds the fee on top of the requested outputs.
	SenderPays FeeSource = iota
	// ReceiverPays spends everything and deducts the fee from the first output.
	ReceiverPays
)

// Payment is a requested output.
type Payment struct {
	Address types.Address `json:"address"`
	Amount  uint64        `json:"amount"`
}

// SumPayments returns the total amount of payments.
func SumPayments(payments []Payment) uint64 {
	var total uint64
	for _, p := range payments {
		total += p.Amount
	}
	return total
}

// GeneratorSettings describes a payment to construct.
type GeneratorSettings struct {
	// Entries is the spendable context, consumed largest first as needed.
	Entries []UtxoEntry
	// PriorityEntries are always spent, by the final transaction.
	PriorityEntries []UtxoEntry
	// RedeemScripts holds the unlocking script of script-locked priority
	// entries, used for mass estimation.
	RedeemScripts map[types.Outpoint][]byte
	Outputs       []Payment
	ChangeAddress types.Address
	PriorityFee   uint64
	FeeSource     FeeSource
	// FeeRate in base units per gram; zero means MinimumFeeRate.
	FeeRate   uint64
	MaxInputs int
}

// PendingTransaction is a generated, possibly unsigned, transaction with
// the entries its inputs spend (aligned by index).
type PendingTransaction struct {
	Tx      *Transaction
	Entries []UtxoEntry
	Mass    uint64
	Fee     uint64
	IsFinal bool
}

// ID returns the transaction id.
func (p *PendingTransaction) ID() types.Hash {
	return p.Tx.Hash()
}

// InputAmount returns the total value spent.
func (p *PendingTransaction) InputAmount() uint64 {
	return SumAmounts(p.Entries)
}

// Generated is the result of Generate: transactions in submission order,
// the last one being the payment itself.
type Generated struct {
	Transactions []*PendingTransaction
	// FinalAmount is the value of the final transaction's first output.
	FinalAmount uint64
	Fees        uint64
}

// Final returns the final transaction of the chain.
func (g *Generated) Final() *PendingTransaction {
	return g.Transactions[len(g.Transactions)-1]
}

// FinalTransactionID returns the id of the final transaction.
func (g *Generated) FinalTransactionID() types.Hash {
	return g.Final().ID()
}

// Masses returns the mass of every transaction in order.
func (g *Generated) Masses() []uint64 {
	m := make([]uint64, len(g.Transactions))
	for i, p := range g.Transactions {
		m[i] = p.Mass
	}
	return m
}

// Generate builds the chain of transactions paying s.Outputs. For every
// transaction, inputs == outputs + fee holds exactly.
func Generate(s GeneratorSettings) (*Generated, error) {
	if s.ChangeAddress.IsZero() {
		return nil, ErrNoChangeAddress
	}
	if s.FeeSource == ReceiverPays && len(s.Outputs) == 0 {
		return nil, ErrNoReceiver
	}
	maxInputs := s.MaxInputs
	if maxInputs <= 0 {
		maxInputs = DefaultMaxInputs
	}
	if maxInputs < 2 {
		maxInputs = 2
	}
	if len(s.PriorityEntries) >= maxInputs {
		return nil, fmt.Errorf("%w: %d priority entries, max %d", ErrTooManyPriority, len(s.PriorityEntries), maxInputs-1)
	}

	g := &generator{settings: s, maxInputs: maxInputs}
	return g.run()
}

type generator struct {
	settings  GeneratorSettings
	maxInputs int

	pool     []UtxoEntry // remaining context, largest first
	selected []UtxoEntry // inputs of the final transaction
	chain    []*PendingTransaction
}

func (g *generator) run() (*Generated, error) {
	s := g.settings
	priority := make(map[types.Outpoint]bool, len(s.PriorityEntries))
	for _, e := range s.PriorityEntries {
		priority[e.Outpoint] = true
	}
	for _, e := range s.Entries {
		if !priority[e.Outpoint] {
			g.pool = append(g.pool, e)
		}
	}
	sort.SliceStable(g.pool, func(i, j int) bool { return g.pool[i].Amount > g.pool[j].Amount })
	g.selected = append(g.selected, s.PriorityEntries...)

	for {
		g.fill()
		if len(g.selected) > g.maxInputs {
			if err := g.compound(len(s.PriorityEntries)); err != nil {
				return nil, err
			}
			continue
		}
		final, err := g.buildFinal()
		if errors.Is(err, errNeedMore) {
			if len(g.pool) == 0 {
				return nil, g.insufficient()
			}
			g.selected = append(g.selected, g.pool[0])
			g.pool = g.pool[1:]
			continue
		}
		if err != nil {
			return nil, err
		}
		g.chain = append(g.chain, final)
		break
	}

	out := &Generated{Transactions: g.chain}
	for _, p := range g.chain {
		out.Fees += p.Fee
	}
	out.FinalAmount = out.Final().Tx.Outputs[0].Value
	return out, nil
}

var errNeedMore = errors.New("need more inputs")

// fill moves context entries into the selection until it covers the
// payment with fee, or everything when the receiver pays.
func (g *generator) fill() {
	s := g.settings
	if s.FeeSource == ReceiverPays {
		g.selected = append(g.selected, g.pool...)
		g.pool = nil
		return
	}
	need := SumPayments(s.Outputs)
	for len(g.pool) > 0 && len(g.selected) <= g.maxInputs {
		fee := g.feeFor(g.selected, len(s.Outputs)+1)
		if SumAmounts(g.selected) >= need+fee+DustThreshold {
			return
		}
		g.selected = append(g.selected, g.pool[0])
		g.pool = g.pool[1:]
	}
}

// compound replaces the last maxInputs non-priority selected entries with
// the single output of an intermediate transaction paying to change.
func (g *generator) compound(numPriority int) error {
	s := g.settings
	start := len(g.selected) - g.maxInputs
	if start < numPriority {
		start = numPriority
	}
	batch := append([]UtxoEntry(nil), g.selected[start:]...)

	p := NewBuilder().Spend(batch...).AddPayment(0, s.ChangeAddress).Pending(s.RedeemScripts)
	p.Fee = CalculateFee(p.Mass, s.FeeRate)
	total := SumAmounts(batch)
	if total < p.Fee+DustThreshold {
		return g.insufficient()
	}
	t := p.Tx
	t.Outputs[0].Value = total - p.Fee
	g.chain = append(g.chain, p)

	merged := UtxoEntry{
		Outpoint: types.Outpoint{TxID: p.ID(), Index: 0},
		Amount:   t.Outputs[0].Value,
		Script:   t.Outputs[0].Script,
	}
	g.selected = append(g.selected[:start:start], merged)
	return nil
}

// buildFinal assembles the payment from the current selection.
func (g *generator) buildFinal() (*PendingTransaction, error) {
	s := g.settings
	total := SumAmounts(g.selected)

	t := NewBuilder().Spend(g.selected...).Pay(s.Outputs...).Build()

	if s.FeeSource == ReceiverPays {
		mass := EstimateMass(t, s.RedeemScripts)
		fee := CalculateFee(mass, s.FeeRate) + s.PriorityFee
		others := SumPayments(s.Outputs[1:])
		if total < others+fee+DustThreshold {
			return nil, g.insufficient()
		}
		t.Outputs[0].Value = total - others - fee
		return g.finish(t, mass)
	}

	need := SumPayments(s.Outputs)
	withChange := t.Clone()
	withChange.Outputs = append(withChange.Outputs, Output{Script: types.PayToAddress(s.ChangeAddress)})
	massChange := EstimateMass(withChange, s.RedeemScripts)
	feeChange := CalculateFee(massChange, s.FeeRate) + s.PriorityFee
	if total >= need+feeChange+DustThreshold {
		withChange.Outputs[len(withChange.Outputs)-1].Value = total - need - feeChange
		return g.finish(withChange, massChange)
	}

	if len(t.Outputs) == 0 {
		return nil, errNeedMore
	}
	mass := EstimateMass(t, s.RedeemScripts)
	fee := CalculateFee(mass, s.FeeRate) + s.PriorityFee
	if total < need+fee {
		return nil, errNeedMore
	}
	// Leftover below dust is folded into the fee.
	return g.finish(t, mass)
}

func (g *generator) finish(t *Transaction, mass uint64) (*PendingTransaction, error) {
	if t.Outputs[0].Value < DustThreshold {
		return nil, fmt.Errorf("%w: %d < %d", ErrDustOutput, t.Outputs[0].Value, DustThreshold)
	}
	out, err := t.TotalOutputValue()
	if err != nil {
		return nil, err
	}
	entries := append([]UtxoEntry(nil), g.selected...)
	return &PendingTransaction{
		Tx:      t,
		Entries: entries,
		Mass:    mass,
		Fee:     SumAmounts(entries) - out,
		IsFinal: true,
	}, nil
}

func (g *generator) feeFor(entries []UtxoEntry, numOutputs int) uint64 {
	b := NewBuilder().Spend(entries...)
	for i := 0; i < numOutputs; i++ {
		b.AddPayment(1, g.settings.ChangeAddress)
	}
	return CalculateFee(b.Pending(g.settings.RedeemScripts).Mass, g.settings.FeeRate) + g.settings.PriorityFee
}

func (g *generator) insufficient() error {
	have := SumAmounts(g.selected) + SumAmounts(g.pool)
	need := SumPayments(g.settings.Outputs) + g.settings.PriorityFee
	if g.settings.FeeSource == ReceiverPays {
		need = SumPayments(g.settings.Outputs[1:]) + g.settings.PriorityFee
	}
	return fmt.Errorf("%w: have %d, need %d plus fee", ErrInsufficientFunds, have, need)
}
