// Package gateway defines the boundary to the chain node: UTXO queries,
// fee estimation, transaction submission and the UTXO change feed.
package gateway

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Gateway errors.
var (
	ErrNotConnected     = errors.New("gateway not connected")
	ErrNotSynced        = errors.New("node is not synced")
	ErrNoUtxoIndex      = errors.New("node has no utxo index")
	ErrConnectTimeout   = errors.New("connection attempt timed out")
	ErrRejected         = errors.New("transaction rejected")
	ErrOrphan           = errors.New("transaction spends unknown outputs")
	ErrAlreadyAccepted  = errors.New("transaction already accepted")
	ErrReplacementFee   = errors.New("replacement does not pay a higher fee")
	ErrMissingOutpoints = errors.New("inputs already spent")
)

// UtxoEntry is a spendable output attributed to an address.
type UtxoEntry = tx.UtxoEntry

// ServerInfo describes the node behind a gateway.
type ServerInfo struct {
	ServerVersion   string `json:"server_version"`
	NetworkID       string `json:"network_id"`
	IsSynced        bool   `json:"is_synced"`
	HasUtxoIndex    bool   `json:"has_utxo_index"`
	VirtualDAAScore uint64 `json:"virtual_daa_score"`
}

// FeeBucket is a fee rate (base units per gram of mass) with the
// expected time to acceptance.
type FeeBucket struct {
	FeeRate          uint64  `json:"feerate"`
	EstimatedSeconds float64 `json:"estimated_seconds"`
}

// FeeEstimate groups fee buckets by urgency.
type FeeEstimate struct {
	Priority FeeBucket   `json:"priority"`
	Normal   []FeeBucket `json:"normal"`
	Low      []FeeBucket `json:"low"`
}

// NormalRate returns the first normal bucket rate, falling back to the
// priority rate.
func (f FeeEstimate) NormalRate() uint64 {
	if len(f.Normal) > 0 {
		return f.Normal[0].FeeRate
	}
	return f.Priority.FeeRate
}

// MempoolTx is an unaccepted transaction touching an address.
type MempoolTx struct {
	TransactionID types.Hash `json:"transaction_id"`
	Fee           uint64     `json:"fee"`
	IsOrphan      bool       `json:"is_orphan"`
}

// MempoolEntries lists the unaccepted transactions of one address,
// split by direction.
type MempoolEntries struct {
	Address   types.Address `json:"address"`
	Sending   []MempoolTx   `json:"sending"`
	Receiving []MempoolTx   `json:"receiving"`
}

// Gateway is the chain node as seen by the wallet engine. Implementations
// must be safe for concurrent use.
type Gateway interface {
	IsConnected() bool
	GetServerInfo(ctx context.Context) (ServerInfo, error)
	GetUtxosByAddresses(ctx context.Context, addrs []types.Address) ([]UtxoEntry, error)
	GetFeeEstimate(ctx context.Context) (FeeEstimate, error)
	SubmitTransaction(ctx context.Context, t *tx.Transaction) (types.Hash, error)
	SubmitTransactionReplacement(ctx context.Context, t *tx.Transaction) (types.Hash, error)
	GetMempoolEntriesByAddresses(ctx context.Context, addrs []types.Address) ([]MempoolEntries, error)

	// SubscribeUtxosChanged and UnsubscribeUtxosChanged are additive per
	// address: every subscribe must be paired with one unsubscribe.
	SubscribeUtxosChanged(ctx context.Context, addrs []types.Address) error
	UnsubscribeUtxosChanged(ctx context.Context, addrs []types.Address) error

	// AddListener registers fn for every event and returns a function
	// removing it. Listeners must not block.
	AddListener(fn Listener) (remove func())
}
