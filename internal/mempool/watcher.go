// Package mempool watches a wallet's unaccepted transactions and signals
// when none of its own sends remain in the node's mempool.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

const refreshTimeout = 30 * time.Second

// Watcher errors.
var (
	ErrAlreadyStarted = errors.New("mempool watcher already started")
	ErrStopped        = errors.New("mempool watcher stopped")
)

// Option configures a Watcher.
type Option func(*Watcher)

// WithPollInterval refreshes the mempool view every interval in addition
// to refreshing on UTXO changes.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Watcher) {
		if interval > 0 {
			w.ticker = ticker.New(interval)
		}
	}
}

// WithTicker sets the poll ticker directly.
func WithTicker(t ticker.Ticker) Option {
	return func(w *Watcher) { w.ticker = t }
}

// Watcher tracks the mempool entries of one address.
type Watcher struct {
	gw     gateway.Gateway
	addr   types.Address
	logger zerolog.Logger
	ticker ticker.Ticker

	startMu        sync.Mutex
	started        bool
	removeListener func()
	kick           chan struct{}
	quit           chan struct{}
	wg             sync.WaitGroup
	stopOnce       sync.Once

	mu        sync.Mutex
	loaded    bool
	entries   gateway.MempoolEntries
	confirmed chan struct{}
}

// NewWatcher creates a watcher for addr.
func NewWatcher(gw gateway.Gateway, addr types.Address, opts ...Option) *Watcher {
	w := &Watcher{
		gw:     gw,
		addr:   addr,
		logger: klog.Mempool.With().Str("address", addr.String()).Logger(),
		kick:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes to UTXO changes of the address and loads its mempool
// entries. When the initial load fails the subscription is dropped again
// and the watcher may be started anew.
func (w *Watcher) Start(ctx context.Context) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}

	addrs := []types.Address{w.addr}
	if err := w.gw.SubscribeUtxosChanged(ctx, addrs); err != nil {
		return fmt.Errorf("subscribe utxos: %w", err)
	}
	w.removeListener = w.gw.AddListener(w.onEvent)

	if err := w.Refresh(ctx); err != nil {
		w.removeListener()
		w.removeListener = nil
		if uerr := w.gw.UnsubscribeUtxosChanged(ctx, addrs); uerr != nil {
			w.logger.Debug().Err(uerr).Msg("Unsubscribe failed")
		}
		return err
	}
	w.started = true

	if w.ticker != nil {
		w.ticker.Resume()
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) onEvent(ev gateway.Event) {
	if ev.Type != gateway.EventUtxosChanged || !ev.Touches(w.addr) {
		return
	}
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var ticks <-chan time.Time
	if w.ticker != nil {
		ticks = w.ticker.Ticks()
	}
	for {
		select {
		case <-w.kick:
		case <-ticks:
		case <-w.quit:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		if err := w.Refresh(ctx); err != nil {
			w.logger.Debug().Err(err).Msg("Mempool refresh failed")
		}
		cancel()
	}
}

// Refresh re-fetches the mempool entries. When nothing is being sent the
// outstanding confirmation signal fires.
func (w *Watcher) Refresh(ctx context.Context) error {
	res, err := w.gw.GetMempoolEntriesByAddresses(ctx, []types.Address{w.addr})
	if err != nil {
		return fmt.Errorf("mempool entries: %w", err)
	}
	current := gateway.MempoolEntries{Address: w.addr}
	for _, e := range res {
		if e.Address == w.addr {
			current = e
			break
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = current
	w.loaded = true
	if len(current.Sending) == 0 && w.confirmed != nil {
		close(w.confirmed)
		w.confirmed = nil
	}
	return nil
}

// Sending returns the wallet's own unaccepted transactions.
func (w *Watcher) Sending() []gateway.MempoolTx {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]gateway.MempoolTx(nil), w.entries.Sending...)
}

// Receiving returns unaccepted transactions paying to the wallet.
func (w *Watcher) Receiving() []gateway.MempoolTx {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]gateway.MempoolTx(nil), w.entries.Receiving...)
}

// WaitForSendingToConfirm returns a channel closed the next time no send
// of the wallet is in the mempool; it is closed already if none is.
func (w *Watcher) WaitForSendingToConfirm() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.confirmed != nil {
		return w.confirmed
	}
	ch := make(chan struct{})
	if w.loaded && len(w.entries.Sending) == 0 {
		close(ch)
		return ch
	}
	w.confirmed = ch
	return ch
}

// Wait blocks until WaitForSendingToConfirm fires, ctx is done, or the
// watcher stops.
func (w *Watcher) Wait(ctx context.Context) error {
	select {
	case <-w.WaitForSendingToConfirm():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrStopped
	}
}

// Stop unsubscribes. An outstanding confirmation signal is left open.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.startMu.Lock()
		started := w.started
		if w.removeListener != nil {
			w.removeListener()
		}
		w.startMu.Unlock()

		close(w.quit)
		w.wg.Wait()
		if w.ticker != nil {
			w.ticker.Stop()
		}
		if !started {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := w.gw.UnsubscribeUtxosChanged(ctx, []types.Address{w.addr}); err != nil {
			w.logger.Debug().Err(err).Msg("Unsubscribe failed")
		}
	})
}
