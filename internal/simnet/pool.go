package simnet

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Pool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
	ErrReplacementFee    = errors.New("replacement fee too low")
)

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	mass    uint64
	feeRate float64 // fee per gram of mass
	seq     uint64  // arrival order
}

// Pool holds unaccepted transactions. Transactions may spend outputs of
// other pool transactions, so a parent always arrives before its children.
type Pool struct {
	mu      sync.RWMutex
	txs     map[types.Hash]*entry          // txHash -> entry
	spends  map[types.Outpoint]types.Hash  // outpoint -> txHash (conflict index)
	outputs map[types.Outpoint]tx.UtxoEntry // unaccepted outputs
	maxSize int
	seq     uint64
	policy  *Policy

	// minFeeRate is the floor in base units per gram (0 = tx.MinimumFeeRate).
	minFeeRate uint64

	// Coinbase maturity checking.
	daaFn            func() uint64
	coinbaseMaturity uint64
}

// NewPool creates a new mempool with the given max size.
func NewPool(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		spends:  make(map[types.Outpoint]types.Hash),
		outputs: make(map[types.Outpoint]tx.UtxoEntry),
		maxSize: maxSize,
		policy:  DefaultPolicy(),
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per gram) for acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the effective minimum fee rate.
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.minFeeRate == 0 {
		return tx.MinimumFeeRate
	}
	return p.minFeeRate
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, daaFn func() uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.daaFn = daaFn
}

// lookup resolves spent entries against the accepted set first, then
// against outputs of pool transactions.
type lookup struct {
	ledger tx.EntryLookup
	pool   map[types.Outpoint]tx.UtxoEntry
}

func (l lookup) Entry(op types.Outpoint) (tx.UtxoEntry, bool) {
	if e, ok := l.ledger.Entry(op); ok {
		return e, true
	}
	e, ok := l.pool[op]
	return e, ok
}

// Add validates and adds a transaction. Returns the computed fee.
// Rejects duplicates and double-spend conflicts.
func (p *Pool) Add(transaction *tx.Transaction, ledger tx.EntryLookup) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}
	for _, in := range transaction.Inputs {
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}
	e, err := p.checkLocked(transaction, ledger)
	if err != nil {
		return 0, err
	}
	if err := p.makeRoomLocked(e.feeRate); err != nil {
		return 0, err
	}
	p.insertLocked(e)
	return e.fee, nil
}

// Replace adds a transaction that may double-spend pool transactions.
// Conflicting transactions and their descendants are removed when the
// replacement pays a higher fee than all of them together.
func (p *Pool) Replace(transaction *tx.Transaction, ledger tx.EntryLookup) (uint64, []types.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()
	if _, exists := p.txs[txHash]; exists {
		return 0, nil, ErrAlreadyExists
	}

	conflicts := make(map[types.Hash]bool)
	for _, in := range transaction.Inputs {
		if h, exists := p.spends[in.PrevOut]; exists {
			conflicts[h] = true
		}
	}
	var replaced []types.Hash
	var replacedFee uint64
	for h := range conflicts {
		for _, d := range p.withDescendantsLocked(h) {
			if !containsHash(replaced, d) {
				replaced = append(replaced, d)
				replacedFee += p.txs[d].fee
			}
		}
	}

	// Validate as if the conflicts were gone.
	view := lookup{ledger: ledger, pool: make(map[types.Outpoint]tx.UtxoEntry, len(p.outputs))}
	for op, out := range p.outputs {
		if !containsHash(replaced, op.TxID) {
			view.pool[op] = out
		}
	}
	e, err := p.checkEntry(transaction, view)
	if err != nil {
		return 0, nil, err
	}
	if len(replaced) > 0 && e.fee <= replacedFee {
		return 0, nil, fmt.Errorf("%w: pays %d, replaces %d", ErrReplacementFee, e.fee, replacedFee)
	}

	for _, h := range replaced {
		p.removeLocked(h)
	}
	if err := p.makeRoomLocked(e.feeRate); err != nil {
		return 0, nil, err
	}
	p.insertLocked(e)
	return e.fee, replaced, nil
}

func (p *Pool) checkLocked(transaction *tx.Transaction, ledger tx.EntryLookup) (*entry, error) {
	return p.checkEntry(transaction, lookup{ledger: ledger, pool: p.outputs})
}

// checkEntry runs policy, maturity, full validation and the fee floor.
// Must be called with p.mu held.
func (p *Pool) checkEntry(transaction *tx.Transaction, view tx.EntryLookup) (*entry, error) {
	if err := p.policy.Check(transaction); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if p.coinbaseMaturity > 0 && p.daaFn != nil {
		current := p.daaFn()
		for _, in := range transaction.Inputs {
			u, ok := view.Entry(in.PrevOut)
			if ok && u.IsCoinbase && current-u.BlockDAAScore < p.coinbaseMaturity {
				return nil, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, current-u.BlockDAAScore)
			}
		}
	}

	fee, err := transaction.ValidateWithEntries(view)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	mass := tx.Mass(transaction)
	rate := p.minFeeRate
	if rate == 0 {
		rate = tx.MinimumFeeRate
	}
	if required := tx.CalculateFee(mass, rate); fee < required {
		return nil, fmt.Errorf("%w: got %d, need %d (%d grams x %d rate)", ErrFeeTooLow, fee, required, mass, rate)
	}

	return &entry{
		tx:      transaction,
		txHash:  transaction.Hash(),
		fee:     fee,
		mass:    mass,
		feeRate: float64(fee) / float64(mass),
	}, nil
}

// makeRoomLocked evicts the lowest fee-rate entry when full and the new
// transaction pays more.
func (p *Pool) makeRoomLocked(feeRate float64) error {
	if len(p.txs) < p.maxSize {
		return nil
	}
	lowestHash, lowestRate := p.findLowestFeeRate()
	if feeRate <= lowestRate {
		return ErrPoolFull
	}
	p.removeLocked(lowestHash)
	return nil
}

func (p *Pool) insertLocked(e *entry) {
	p.seq++
	e.seq = p.seq
	p.txs[e.txHash] = e
	for _, in := range e.tx.Inputs {
		p.spends[in.PrevOut] = e.txHash
	}
	for i, out := range e.tx.Outputs {
		op := types.Outpoint{TxID: e.txHash, Index: uint32(i)}
		p.outputs[op] = tx.UtxoEntry{Outpoint: op, Amount: out.Value, Script: out.Script}
	}
}

// Remove removes a transaction and its descendants from the mempool.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.withDescendantsLocked(txHash) {
		p.removeLocked(h)
	}
}

// withDescendantsLocked returns txHash followed by every pool transaction
// spending its outputs, transitively.
func (p *Pool) withDescendantsLocked(txHash types.Hash) []types.Hash {
	e, ok := p.txs[txHash]
	if !ok {
		return nil
	}
	out := []types.Hash{txHash}
	for i := range e.tx.Outputs {
		child, spent := p.spends[types.Outpoint{TxID: txHash, Index: uint32(i)}]
		if !spent {
			continue
		}
		for _, d := range p.withDescendantsLocked(child) {
			if !containsHash(out, d) {
				out = append(out, d)
			}
		}
	}
	return out
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if p.spends[in.PrevOut] == txHash {
			delete(p.spends, in.PrevOut)
		}
	}
	for i := range e.tx.Outputs {
		delete(p.outputs, types.Outpoint{TxID: txHash, Index: uint32(i)})
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes transactions that were accepted into the ledger.
// Their descendants stay: the outputs they spend are now accepted.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Output returns an unaccepted output created by a pool transaction.
func (p *Pool) Output(op types.Outpoint) (tx.UtxoEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.outputs[op]
	return e, ok
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns up to limit transactions in arrival order, so
// parents always precede their children.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}

func containsHash(hashes []types.Hash, h types.Hash) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}
	return false
}

// outputsSnapshot copies the unaccepted outputs.
func (p *Pool) outputsSnapshot() map[types.Outpoint]tx.UtxoEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[types.Outpoint]tx.UtxoEntry, len(p.outputs))
	for op, e := range p.outputs {
		out[op] = e
	}
	return out
}
