package simnet

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
)

// DefaultMaxTxMass is the largest transaction mass the pool accepts.
const DefaultMaxTxMass = 100_000

// Policy defines transaction acceptance rules.
type Policy struct {
	MaxTxMass uint64
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxTxMass: DefaultMaxTxMass,
	}
}

// Check validates a transaction against policy rules. These are separate
// from validity and may vary per node.
func (p *Policy) Check(transaction *tx.Transaction) error {
	if m := tx.Mass(transaction); p.MaxTxMass > 0 && m > p.MaxTxMass {
		return fmt.Errorf("transaction too heavy: mass %d, max %d", m, p.MaxTxMass)
	}
	if len(transaction.Inputs) > tx.MaxTxInputs {
		return fmt.Errorf("too many inputs: %d, max %d", len(transaction.Inputs), tx.MaxTxInputs)
	}
	if len(transaction.Outputs) > tx.MaxTxOutputs {
		return fmt.Errorf("too many outputs: %d, max %d", len(transaction.Outputs), tx.MaxTxOutputs)
	}
	return nil
}
