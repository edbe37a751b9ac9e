package wallet

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/balance"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/internal/txmgr"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Wallet is one unlocked key and the tracker of its address.
type Wallet struct {
	id      string
	signer  *txmgr.KeySigner
	key     *crypto.PrivateKey
	tracker *balance.Tracker
	logger  zerolog.Logger
}

// New binds key to a tracker over gw. id must be unique among the wallets
// of one process.
func New(id string, key *crypto.PrivateKey, gw gateway.Gateway, opts ...balance.Option) *Wallet {
	return &Wallet{
		id:      id,
		signer:  txmgr.NewKeySigner(key),
		key:     key,
		tracker: balance.New(gw, key.Address(), opts...),
		logger:  klog.WithWallet(klog.Wallet, id),
	}
}

// Open unlocks name from ks and binds it to gw.
func Open(ks *Keystore, name string, password []byte, gw gateway.Gateway, opts ...balance.Option) (*Wallet, error) {
	key, err := ks.Unlock(name, password)
	if err != nil {
		return nil, err
	}
	return New(name, key, gw, opts...), nil
}

// Start loads the wallet's outputs and begins tracking.
func (w *Wallet) Start(ctx context.Context) error {
	if err := w.tracker.Start(ctx); err != nil {
		return fmt.Errorf("wallet %s: %w", w.id, err)
	}
	w.logger.Info().Str("address", w.Address().String()).Uint64("mature", w.Balance().Mature).Msg("Wallet started")
	return nil
}

// Close stops tracking and wipes the key.
func (w *Wallet) Close() {
	w.tracker.Stop()
	w.key.Zero()
}

// ID returns the wallet's id.
func (w *Wallet) ID() string { return w.id }

// Address returns the receive address, which also takes change.
func (w *Wallet) Address() types.Address { return w.key.Address() }

// PublicKey returns the compressed public key.
func (w *Wallet) PublicKey() []byte { return w.key.PublicKey() }

// Balance returns the current balance.
func (w *Wallet) Balance() balance.Balance { return w.tracker.Balance() }

// Tracker returns the wallet's balance tracker.
func (w *Wallet) Tracker() *balance.Tracker { return w.tracker }

// Signer returns the wallet's signer.
func (w *Wallet) Signer() *txmgr.KeySigner { return w.signer }

// SpendContext returns what transactions are funded and signed with.
func (w *Wallet) SpendContext() txmgr.SpendContext {
	return txmgr.SpendContext{Funds: w.tracker, Signer: w.signer}
}

// Snapshot is a serializable summary of a wallet.
type Snapshot struct {
	ID      string          `json:"id"`
	Address string          `json:"address"`
	Balance balance.Balance `json:"balance"`
}

// Snapshot summarises the wallet.
func (w *Wallet) Snapshot() Snapshot {
	return Snapshot{ID: w.id, Address: w.Address().String(), Balance: w.Balance()}
}
