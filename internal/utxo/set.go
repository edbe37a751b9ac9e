// Package utxo persists the UTXO set of the simulated node, indexed by
// owning address.
package utxo

import (
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (tx.UtxoEntry, error)
	Put(entry tx.UtxoEntry) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
