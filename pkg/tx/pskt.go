package tx

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPSKT is returned for malformed partially-signed transactions.
var ErrInvalidPSKT = errors.New("invalid partially signed transaction")

// PartiallySigned is a transaction exchanged between parties before it is
// completed, together with the entries its inputs spend.
type PartiallySigned struct {
	Transaction *Transaction `json:"transaction"`
	Entries     []UtxoEntry  `json:"entries"`
}

// ParsePartiallySigned decodes and sanity-checks a JSON partially-signed
// transaction.
func ParsePartiallySigned(data []byte) (*PartiallySigned, error) {
	var p PartiallySigned
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPSKT, err)
	}
	if p.Transaction == nil {
		return nil, fmt.Errorf("%w: missing transaction", ErrInvalidPSKT)
	}
	if err := p.Transaction.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPSKT, err)
	}
	if len(p.Entries) != len(p.Transaction.Inputs) {
		return nil, fmt.Errorf("%w: %d entries for %d inputs", ErrInvalidPSKT, len(p.Entries), len(p.Transaction.Inputs))
	}
	for i, e := range p.Entries {
		if e.Outpoint != p.Transaction.Inputs[i].PrevOut {
			return nil, fmt.Errorf("%w: entry %d does not match input", ErrInvalidPSKT, i)
		}
	}
	return &p, nil
}

// Pending wraps the partially-signed transaction for signing. The fee is
// the value the inputs leave unassigned.
func (p *PartiallySigned) Pending() (*PendingTransaction, error) {
	out, err := p.Transaction.TotalOutputValue()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPSKT, err)
	}
	in := SumAmounts(p.Entries)
	if in < out {
		return nil, fmt.Errorf("%w: outputs exceed inputs", ErrInvalidPSKT)
	}
	return &PendingTransaction{
		Tx:      p.Transaction,
		Entries: p.Entries,
		Mass:    EstimateMass(p.Transaction, nil),
		Fee:     in - out,
		IsFinal: true,
	}, nil
}

// Serialize encodes the partially-signed transaction as JSON.
func (p *PartiallySigned) Serialize() ([]byte, error) {
	return json.Marshal(p)
}
