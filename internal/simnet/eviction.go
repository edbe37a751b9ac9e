package simnet

import "sort"

// Resize changes the pool capacity and evicts the lowest fee-rate
// transactions (with their descendants) until the pool fits. It returns
// the number of evicted transactions.
func (p *Pool) Resize(maxSize int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxSize > 0 {
		p.maxSize = maxSize
	}
	if len(p.txs) <= p.maxSize {
		return 0
	}

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate < entries[j].feeRate
	})

	evicted := 0
	for _, e := range entries {
		if len(p.txs) <= p.maxSize {
			break
		}
		for _, h := range p.withDescendantsLocked(e.txHash) {
			p.removeLocked(h)
			evicted++
		}
	}
	return evicted
}
