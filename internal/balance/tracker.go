// Package balance tracks the live balance of one wallet address from the
// gateway's UTXO change feed.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Maturity defaults, in DAA score.
const (
	DefaultUserMaturity     = 10
	DefaultCoinbaseMaturity = 100
)

const gatewayCallTimeout = 30 * time.Second

// Tracker errors.
var (
	ErrStopped            = errors.New("balance tracker stopped")
	ErrAlreadyStarted     = errors.New("balance tracker already started")
	ErrTransactionTimeout = errors.New("transaction not seen before timeout")
)

// Balance is a point-in-time view of a wallet's funds.
type Balance struct {
	Mature           uint64 `json:"mature"`
	Pending          uint64 `json:"pending"`
	Outgoing         uint64 `json:"outgoing"`
	MatureUtxoCount  int    `json:"mature_utxo_count"`
	PendingUtxoCount int    `json:"pending_utxo_count"`
}

// Settled reports whether no received output is waiting to mature.
// Outgoing value does not hold settlement back: inputs of a dropped
// transaction would otherwise keep the wallet unsettled for good.
func (b Balance) Settled() bool {
	return b.Pending == 0
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithUserMaturity sets the DAA depth before regular outputs are mature.
func WithUserMaturity(depth uint64) Option {
	return func(t *Tracker) { t.userMaturity = depth }
}

// WithCoinbaseMaturity sets the DAA depth before coinbase outputs are mature.
func WithCoinbaseMaturity(depth uint64) Option {
	return func(t *Tracker) { t.coinbaseMaturity = depth }
}

// WithClock sets the clock driving AwaitTransaction timeouts.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// OnBalanceUpdate registers a callback run on the tracker goroutine after
// every balance change. Errors and panics are logged and dropped.
func OnBalanceUpdate(fn func(Balance) error) Option {
	return func(t *Tracker) { t.onUpdate = fn }
}

// balanceChanged is queued internally after local state changes.
type balanceChanged struct{}

// Tracker maintains the mature, pending and outgoing balance of one
// address. Gateway events are buffered in an unbounded queue and applied
// by the tracker's own goroutine.
type Tracker struct {
	gw     gateway.Gateway
	addr   types.Address
	logger zerolog.Logger

	userMaturity     uint64
	coinbaseMaturity uint64
	clock            clock.Clock
	onUpdate         func(Balance) error

	events  *queue.ConcurrentQueue
	waiters *registry

	startMu        sync.Mutex
	started        bool
	startResult    chan error
	removeListener func()
	quit           chan struct{}
	wg             sync.WaitGroup
	stopOnce       sync.Once

	mu       sync.RWMutex
	daa      uint64
	entries  map[types.Outpoint]tx.UtxoEntry
	inFlight map[types.Outpoint]types.Hash // spent by a submitted tx
	outgoing map[types.Hash][]types.Outpoint
	balance  Balance
	settle   chan struct{}
}

// New creates a tracker for addr. Call Start to begin tracking. A tracker
// runs no goroutine until Start; once started it must be stopped.
func New(gw gateway.Gateway, addr types.Address, opts ...Option) *Tracker {
	t := &Tracker{
		gw:               gw,
		addr:             addr,
		logger:           klog.Balance.With().Str("address", addr.String()).Logger(),
		userMaturity:     DefaultUserMaturity,
		coinbaseMaturity: DefaultCoinbaseMaturity,
		clock:            clock.NewDefaultClock(),
		events:           queue.NewConcurrentQueue(20),
		quit:             make(chan struct{}),
		startResult:      make(chan error, 1),
		entries:          make(map[types.Outpoint]tx.UtxoEntry),
		inFlight:         make(map[types.Outpoint]types.Hash),
		outgoing:         make(map[types.Hash][]types.Outpoint),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.waiters = newRegistry(t.clock)
	return t
}

// Address returns the tracked address.
func (t *Tracker) Address() types.Address {
	return t.addr
}

// Start registers with the gateway and loads the initial UTXO snapshot.
// The gateway must already be connected.
func (t *Tracker) Start(ctx context.Context) error {
	t.startMu.Lock()
	if t.started {
		t.startMu.Unlock()
		return ErrAlreadyStarted
	}
	if !t.gw.IsConnected() {
		t.startMu.Unlock()
		return fmt.Errorf("start balance tracker: %w", gateway.ErrNotConnected)
	}
	t.started = true
	t.events.Start()
	t.waiters.start()
	t.removeListener = t.gw.AddListener(t.enqueue)
	t.wg.Add(1)
	go t.run()
	t.startMu.Unlock()

	// The gateway is already up, so its ProcessorStarted was missed.
	t.enqueue(gateway.Event{Type: gateway.EventProcessorStarted})

	select {
	case err := <-t.startResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.quit:
		return ErrStopped
	}
}

// Stop unsubscribes and stops the tracker goroutine. An outstanding
// settlement signal is abandoned. Stop is idempotent.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.startMu.Lock()
		started := t.started
		if t.removeListener != nil {
			t.removeListener()
		}
		t.startMu.Unlock()

		close(t.quit)
		t.wg.Wait()
		t.waiters.stop()
		if !started {
			return
		}
		t.events.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
		defer cancel()
		if err := t.gw.UnsubscribeUtxosChanged(ctx, []types.Address{t.addr}); err != nil {
			t.logger.Debug().Err(err).Msg("Unsubscribe failed")
		}

		t.mu.Lock()
		t.settle = nil
		t.mu.Unlock()
	})
}

// enqueue is the gateway listener. Events for other addresses are dropped.
func (t *Tracker) enqueue(ev gateway.Event) {
	switch ev.Type {
	case gateway.EventUtxosChanged:
		if !ev.Touches(t.addr) {
			return
		}
	case gateway.EventProcessorStopped:
		return
	}
	t.push(ev)
}

func (t *Tracker) push(item any) {
	select {
	case t.events.ChanIn() <- item:
	case <-t.quit:
	}
}

func (t *Tracker) run() {
	defer t.wg.Done()
	first := true
	for {
		select {
		case item := <-t.events.ChanOut():
			switch ev := item.(type) {
			case gateway.Event:
				err := t.handle(ev)
				if ev.Type == gateway.EventProcessorStarted && first {
					first = false
					t.startResult <- err
				} else if err != nil {
					t.logger.Warn().Err(err).Stringer("event", ev.Type).Msg("Event handling failed")
				}
			case balanceChanged:
				t.notify()
			}
		case <-t.quit:
			return
		}
	}
}

func (t *Tracker) handle(ev gateway.Event) error {
	switch ev.Type {
	case gateway.EventProcessorStarted:
		return t.reload()
	case gateway.EventUtxosChanged:
		t.apply(ev.Added, ev.Removed)
	case gateway.EventDaaScoreChanged:
		t.mu.Lock()
		if ev.DAAScore <= t.daa {
			t.mu.Unlock()
			return nil
		}
		t.daa = ev.DAAScore
		changed := t.recomputeLocked()
		t.mu.Unlock()
		if changed {
			t.notify()
		}
	}
	return nil
}

// reload re-subscribes and replaces the UTXO set with a fresh snapshot.
func (t *Tracker) reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
	defer cancel()

	addrs := []types.Address{t.addr}
	if err := t.gw.SubscribeUtxosChanged(ctx, addrs); err != nil {
		return fmt.Errorf("subscribe utxos: %w", err)
	}
	info, err := t.gw.GetServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("server info: %w", err)
	}
	// The mempool is read before the UTXOs: a transaction accepted in
	// between has its inputs missing from the snapshot and is kept.
	sending, mempoolErr := t.sending(ctx)
	entries, err := t.gw.GetUtxosByAddresses(ctx, addrs)
	if err != nil {
		return fmt.Errorf("fetch utxos: %w", err)
	}
	if mempoolErr != nil {
		t.logger.Debug().Err(mempoolErr).Msg("Mempool unavailable, keeping in-flight inputs")
	}

	t.mu.Lock()
	if info.VirtualDAAScore > t.daa {
		t.daa = info.VirtualDAAScore
	}
	t.entries = make(map[types.Outpoint]tx.UtxoEntry, len(entries))
	for _, e := range entries {
		t.entries[e.Outpoint] = e
	}
	for op, id := range t.inFlight {
		if _, ok := t.entries[op]; !ok {
			t.clearSpentLocked(op, id)
		}
	}
	var dropped []types.Hash
	if mempoolErr == nil {
		dropped = t.releaseDroppedLocked(sending)
	}
	t.recomputeLocked()
	var seen []types.Hash
	for op := range t.entries {
		seen = append(seen, op.TxID)
	}
	t.mu.Unlock()

	for _, id := range dropped {
		t.logger.Info().Stringer("txid", id).Msg("Released inputs of dropped transaction")
	}
	t.logger.Debug().Int("utxos", len(entries)).Uint64("daa", info.VirtualDAAScore).Msg("Snapshot loaded")
	for _, id := range seen {
		t.waiters.resolve(id)
	}
	t.notify()
	return nil
}

func (t *Tracker) apply(added, removed []tx.UtxoEntry) {
	var seen []types.Hash
	t.mu.Lock()
	for _, e := range removed {
		if !e.Script.PaysTo(t.addr) {
			continue
		}
		delete(t.entries, e.Outpoint)
		if id, ok := t.inFlight[e.Outpoint]; ok {
			if t.clearSpentLocked(e.Outpoint, id) {
				seen = append(seen, id)
			}
		}
	}
	for _, e := range added {
		if !e.Script.PaysTo(t.addr) {
			continue
		}
		t.entries[e.Outpoint] = e
		seen = append(seen, e.Outpoint.TxID)
	}
	t.recomputeLocked()
	t.mu.Unlock()

	for _, id := range seen {
		t.waiters.resolve(id)
	}
	t.notify()
}

// clearSpentLocked drops an in-flight marker and reports whether the
// spending transaction has no inputs left in flight.
func (t *Tracker) clearSpentLocked(op types.Outpoint, id types.Hash) bool {
	delete(t.inFlight, op)
	ops := t.outgoing[id]
	for i, o := range ops {
		if o == op {
			ops = append(ops[:i], ops[i+1:]...)
			break
		}
	}
	if len(ops) == 0 {
		delete(t.outgoing, id)
		return true
	}
	t.outgoing[id] = ops
	return false
}

func (t *Tracker) isMatureLocked(e tx.UtxoEntry) bool {
	if e.BlockDAAScore == 0 {
		return false
	}
	depth := t.userMaturity
	if e.IsCoinbase {
		depth = t.coinbaseMaturity
	}
	return t.daa >= e.BlockDAAScore+depth
}

// recomputeLocked rebuilds the balance and reports whether it changed.
// A settled balance fires the outstanding settlement signal.
func (t *Tracker) recomputeLocked() bool {
	var b Balance
	for op, e := range t.entries {
		_, spent := t.inFlight[op]
		switch {
		case spent:
			b.Outgoing += e.Amount
		case t.isMatureLocked(e):
			b.Mature += e.Amount
			b.MatureUtxoCount++
		default:
			b.Pending += e.Amount
			b.PendingUtxoCount++
		}
	}
	changed := b != t.balance
	t.balance = b
	if b.Settled() && t.settle != nil {
		close(t.settle)
		t.settle = nil
	}
	return changed
}

func (t *Tracker) notify() {
	if t.onUpdate == nil {
		return
	}
	b := t.Balance()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Msg("Balance callback panicked")
		}
	}()
	if err := t.onUpdate(b); err != nil {
		t.logger.Warn().Err(err).Msg("Balance callback failed")
	}
}

// Balance returns the current balance.
func (t *Tracker) Balance() Balance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balance
}

// DAAScore returns the last virtual DAA score seen.
func (t *Tracker) DAAScore() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.daa
}

// Entries returns every tracked UTXO, largest first.
func (t *Tracker) Entries() []tx.UtxoEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]tx.UtxoEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// SpendableEntries returns the mature UTXOs not spent by an in-flight
// transaction, largest first.
func (t *Tracker) SpendableEntries() []tx.UtxoEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]tx.UtxoEntry, 0, len(t.entries))
	for op, e := range t.entries {
		if _, spent := t.inFlight[op]; spent || !t.isMatureLocked(e) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []tx.UtxoEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Amount != entries[j].Amount {
			return entries[i].Amount > entries[j].Amount
		}
		return entries[i].Outpoint.Less(entries[j].Outpoint)
	})
}

// TrackOutgoing marks the wallet's inputs of p as in flight. They leave
// the mature balance and count as outgoing until the gateway reports them
// spent, or Release is called.
func (t *Tracker) TrackOutgoing(p *tx.PendingTransaction) {
	id := p.ID()
	t.mu.Lock()
	for i, in := range p.Tx.Inputs {
		if i < len(p.Entries) && !p.Entries[i].Script.PaysTo(t.addr) {
			continue
		}
		if _, ok := t.entries[in.PrevOut]; !ok {
			continue
		}
		t.inFlight[in.PrevOut] = id
		t.outgoing[id] = append(t.outgoing[id], in.PrevOut)
	}
	changed := t.recomputeLocked()
	t.mu.Unlock()
	if changed {
		t.post()
	}
}

// Release returns the in-flight inputs of txID to the spendable set, for
// transactions that were never accepted.
func (t *Tracker) Release(txID types.Hash) {
	t.mu.Lock()
	for _, op := range t.outgoing[txID] {
		delete(t.inFlight, op)
	}
	delete(t.outgoing, txID)
	changed := t.recomputeLocked()
	t.mu.Unlock()
	if changed {
		t.post()
	}
}

// Reconcile releases the inputs of in-flight transactions the node has
// dropped: no longer in its mempool while their inputs are still unspent.
// It returns the released transaction ids.
func (t *Tracker) Reconcile(ctx context.Context) ([]types.Hash, error) {
	t.mu.RLock()
	idle := len(t.outgoing) == 0
	t.mu.RUnlock()
	if idle {
		return nil, nil
	}

	// Mempool first, for the same reason as in reload.
	sending, err := t.sending(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := t.gw.GetUtxosByAddresses(ctx, []types.Address{t.addr})
	if err != nil {
		return nil, fmt.Errorf("fetch utxos: %w", err)
	}
	unspent := make(map[types.Outpoint]struct{}, len(entries))
	for _, e := range entries {
		unspent[e.Outpoint] = struct{}{}
	}

	t.mu.Lock()
	for op, id := range t.inFlight {
		if _, ok := unspent[op]; !ok {
			// Spent on chain; the change event is on its way.
			sending[id] = struct{}{}
		}
	}
	dropped := t.releaseDroppedLocked(sending)
	changed := t.recomputeLocked()
	t.mu.Unlock()

	for _, id := range dropped {
		t.logger.Info().Stringer("txid", id).Msg("Released inputs of dropped transaction")
	}
	if changed {
		t.post()
	}
	return dropped, nil
}

// sending returns the ids of the wallet's transactions in the mempool.
func (t *Tracker) sending(ctx context.Context) (map[types.Hash]struct{}, error) {
	res, err := t.gw.GetMempoolEntriesByAddresses(ctx, []types.Address{t.addr})
	if err != nil {
		return nil, fmt.Errorf("mempool entries: %w", err)
	}
	out := make(map[types.Hash]struct{})
	for _, me := range res {
		if me.Address != t.addr {
			continue
		}
		for _, mt := range me.Sending {
			out[mt.TransactionID] = struct{}{}
		}
	}
	return out, nil
}

// releaseDroppedLocked releases every outgoing transaction not in keep.
func (t *Tracker) releaseDroppedLocked(keep map[types.Hash]struct{}) []types.Hash {
	var dropped []types.Hash
	for id, ops := range t.outgoing {
		if _, ok := keep[id]; ok {
			continue
		}
		for _, op := range ops {
			delete(t.inFlight, op)
		}
		delete(t.outgoing, id)
		dropped = append(dropped, id)
	}
	return dropped
}

// post queues a balance notification for the tracker goroutine.
func (t *Tracker) post() {
	t.startMu.Lock()
	started := t.started
	t.startMu.Unlock()
	if started {
		t.push(balanceChanged{})
	}
}

// SettlementSignal returns a channel closed once nothing is pending or
// outgoing. It is closed already when the wallet is settled. Until it
// fires, every call returns the same channel.
func (t *Tracker) SettlementSignal() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settle != nil {
		return t.settle
	}
	ch := make(chan struct{})
	if t.balance.Settled() {
		close(ch)
		return ch
	}
	t.settle = ch
	return ch
}

// WaitSettled blocks until the wallet is settled.
func (t *Tracker) WaitSettled(ctx context.Context) error {
	select {
	case <-t.SettlementSignal():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.quit:
		return ErrStopped
	}
}

// AwaitTransaction returns a channel receiving nil once txID is seen by
// the tracker (an output for the wallet, or all its tracked inputs
// spent), or ErrTransactionTimeout after timeout.
func (t *Tracker) AwaitTransaction(txID types.Hash, timeout time.Duration) <-chan error {
	ch := t.waiters.add(txID, timeout)
	t.mu.RLock()
	known := false
	for op := range t.entries {
		if op.TxID == txID {
			known = true
			break
		}
	}
	t.mu.RUnlock()
	if known {
		t.waiters.resolve(txID)
	}
	return ch
}
