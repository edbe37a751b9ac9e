// Package simnet is an in-process chain node implementing gateway.Gateway.
// It keeps an accepted UTXO ledger, a mempool, and a virtual DAA score
// advanced by MineBlock, and emits the same event feed a real node would.
package simnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/internal/storage"
	"github.com/Klingon-tech/klingnet-wallet/internal/utxo"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// DefaultCoinbaseMaturity is the DAA depth before faucet coinbase outputs
// can be spent.
const DefaultCoinbaseMaturity = 100

var keyDAAScore = []byte("daa")

// Config configures a simulated node.
type Config struct {
	// DB holds the ledger; nil means an in-memory database.
	DB        storage.DB
	NetworkID string
	// FeeRate is the normal fee estimate; zero means tx.MinimumFeeRate.
	FeeRate uint64
	// AutoMine accepts every submitted transaction immediately.
	AutoMine bool
	// MineInterval, when set, mines a block on every tick after Start.
	MineInterval     time.Duration
	CoinbaseMaturity uint64
	MaxPoolSize      int
	// Unsynced makes GetServerInfo report a node still syncing.
	Unsynced bool
}

// Node is a simulated chain node.
type Node struct {
	cfg    Config
	db     storage.DB
	ledger *utxo.Store
	meta   *storage.PrefixDB
	pool   *Pool
	logger zerolog.Logger

	mu     sync.Mutex
	daa    atomic.Uint64 // written under mu
	subs   map[types.Address]int
	nonce  uint64
	mined  map[types.Hash]uint64 // accepted tx -> DAA score

	emitMu    sync.Mutex
	listeners gateway.Listeners
	connected atomic.Bool

	wg   sync.WaitGroup
	quit chan struct{}
	stop sync.Once
}

// New creates a simulated node. The DAA score is restored from the
// database if one was persisted.
func New(cfg Config) (*Node, error) {
	if cfg.DB == nil {
		cfg.DB = storage.NewMemory()
	}
	if cfg.NetworkID == "" {
		cfg.NetworkID = "simnet"
	}
	if cfg.CoinbaseMaturity == 0 {
		cfg.CoinbaseMaturity = DefaultCoinbaseMaturity
	}

	n := &Node{
		cfg:    cfg,
		db:     cfg.DB,
		ledger: utxo.NewStore(storage.NewPrefixDB(cfg.DB, []byte("l/"))),
		meta:   storage.NewPrefixDB(cfg.DB, []byte("m/")),
		pool:   NewPool(cfg.MaxPoolSize),
		logger: klog.Simnet,
		subs:   make(map[types.Address]int),
		mined:  make(map[types.Hash]uint64),
		quit:   make(chan struct{}),
	}
	n.pool.SetCoinbaseMaturity(cfg.CoinbaseMaturity, n.VirtualDAAScore)
	n.pool.SetMinFeeRate(cfg.FeeRate)
	n.connected.Store(true)

	// A fresh chain starts at score 1: entries at score 0 are unaccepted.
	n.daa.Store(1)
	raw, err := n.meta.Get(keyDAAScore)
	switch {
	case err == nil && len(raw) == 8:
		n.daa.Store(binary.BigEndian.Uint64(raw))
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load daa score: %w", err)
	}
	return n, nil
}

// Start launches the background miner when MineInterval is set.
func (n *Node) Start() {
	if n.cfg.MineInterval <= 0 {
		return
	}
	t := ticker.New(n.cfg.MineInterval)
	t.Resume()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-t.Ticks():
				if n.pool.Count() > 0 {
					if _, err := n.MineBlock(); err != nil {
						n.logger.Warn().Err(err).Msg("Mine block failed")
					}
				}
			case <-n.quit:
				return
			}
		}
	}()
}

// Stop halts the background miner.
func (n *Node) Stop() {
	n.stop.Do(func() {
		close(n.quit)
		n.wg.Wait()
	})
}

// VirtualDAAScore returns the current DAA score.
func (n *Node) VirtualDAAScore() uint64 {
	return n.daa.Load()
}

// Pool exposes the mempool.
func (n *Node) Pool() *Pool {
	return n.pool
}

// SetConnected simulates a dropped or restored connection. Dropping
// forgets every subscription; restoring emits ProcessorStarted so
// listeners re-register.
func (n *Node) SetConnected(connected bool) {
	if n.connected.Swap(connected) == connected {
		return
	}
	if !connected {
		n.mu.Lock()
		n.subs = make(map[types.Address]int)
		n.mu.Unlock()
	}
	ev := gateway.Event{Type: gateway.EventProcessorStopped}
	if connected {
		ev = gateway.Event{Type: gateway.EventProcessorStarted, DAAScore: n.VirtualDAAScore()}
	}
	n.emitMu.Lock()
	n.listeners.Emit(ev)
	n.emitMu.Unlock()
}

// IsConnected implements gateway.Gateway.
func (n *Node) IsConnected() bool {
	return n.connected.Load()
}

func (n *Node) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.connected.Load() {
		return gateway.ErrNotConnected
	}
	return nil
}

// GetServerInfo implements gateway.Gateway.
func (n *Node) GetServerInfo(ctx context.Context) (gateway.ServerInfo, error) {
	if err := n.check(ctx); err != nil {
		return gateway.ServerInfo{}, err
	}
	return gateway.ServerInfo{
		ServerVersion:   "simnet",
		NetworkID:       n.cfg.NetworkID,
		IsSynced:        !n.cfg.Unsynced,
		HasUtxoIndex:    true,
		VirtualDAAScore: n.VirtualDAAScore(),
	}, nil
}

// GetUtxosByAddresses implements gateway.Gateway. Only accepted outputs
// are reported.
func (n *Node) GetUtxosByAddresses(ctx context.Context, addrs []types.Address) ([]gateway.UtxoEntry, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []gateway.UtxoEntry
	for _, a := range addrs {
		entries, err := n.ledger.GetByAddress(a)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// GetFeeEstimate implements gateway.Gateway.
func (n *Node) GetFeeEstimate(ctx context.Context) (gateway.FeeEstimate, error) {
	if err := n.check(ctx); err != nil {
		return gateway.FeeEstimate{}, err
	}
	rate := n.cfg.FeeRate
	if rate == 0 {
		rate = tx.MinimumFeeRate
	}
	return gateway.FeeEstimate{
		Priority: gateway.FeeBucket{FeeRate: 2 * rate, EstimatedSeconds: 1},
		Normal:   []gateway.FeeBucket{{FeeRate: rate, EstimatedSeconds: 10}},
		Low:      []gateway.FeeBucket{{FeeRate: rate, EstimatedSeconds: 60}},
	}, nil
}

// SubmitTransaction implements gateway.Gateway.
func (n *Node) SubmitTransaction(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	return n.submit(ctx, t, false)
}

// SubmitTransactionReplacement implements gateway.Gateway.
func (n *Node) SubmitTransactionReplacement(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	return n.submit(ctx, t, true)
}

func (n *Node) submit(ctx context.Context, t *tx.Transaction, replace bool) (types.Hash, error) {
	if err := n.check(ctx); err != nil {
		return types.Hash{}, err
	}
	id := t.Hash()

	n.mu.Lock()
	if _, ok := n.mined[id]; ok {
		n.mu.Unlock()
		return id, gateway.ErrAlreadyAccepted
	}
	var err error
	if replace {
		var replaced []types.Hash
		_, replaced, err = n.pool.Replace(t, n.ledger)
		for _, h := range replaced {
			n.logger.Debug().Stringer("txid", h).Msg("Replaced mempool transaction")
		}
	} else {
		_, err = n.pool.Add(t, n.ledger)
	}
	n.mu.Unlock()
	if err != nil {
		return types.Hash{}, mapPoolError(err)
	}

	n.logger.Debug().Stringer("txid", id).Int("inputs", len(t.Inputs)).Msg("Transaction submitted")
	if n.cfg.AutoMine {
		if _, err := n.MineBlock(); err != nil {
			return id, err
		}
	}
	return id, nil
}

func mapPoolError(err error) error {
	switch {
	case errors.Is(err, ErrReplacementFee):
		return fmt.Errorf("%w: %v", gateway.ErrReplacementFee, err)
	case errors.Is(err, tx.ErrInputNotFound):
		return fmt.Errorf("%w: %v", gateway.ErrMissingOutpoints, err)
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%w: %v", gateway.ErrMissingOutpoints, err)
	default:
		return fmt.Errorf("%w: %v", gateway.ErrRejected, err)
	}
}

// GetMempoolEntriesByAddresses implements gateway.Gateway.
func (n *Node) GetMempoolEntriesByAddresses(ctx context.Context, addrs []types.Address) ([]gateway.MempoolEntries, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	view := lookup{ledger: n.ledger, pool: n.pool.outputsSnapshot()}
	txs := n.pool.SelectForBlock(0)
	out := make([]gateway.MempoolEntries, 0, len(addrs))
	for _, a := range addrs {
		me := gateway.MempoolEntries{Address: a}
		for _, t := range txs {
			mt := gateway.MempoolTx{TransactionID: t.Hash(), Fee: n.pool.GetFee(t.Hash())}
			if spendsFrom(t, view, a) {
				me.Sending = append(me.Sending, mt)
			} else if paysTo(t, a) {
				me.Receiving = append(me.Receiving, mt)
			}
		}
		out = append(out, me)
	}
	return out, nil
}

func spendsFrom(t *tx.Transaction, view tx.EntryLookup, a types.Address) bool {
	for _, in := range t.Inputs {
		if e, ok := view.Entry(in.PrevOut); ok && e.Script.PaysTo(a) {
			return true
		}
	}
	return false
}

func paysTo(t *tx.Transaction, a types.Address) bool {
	for _, out := range t.Outputs {
		if out.Script.PaysTo(a) {
			return true
		}
	}
	return false
}

// SubscribeUtxosChanged implements gateway.Gateway.
func (n *Node) SubscribeUtxosChanged(ctx context.Context, addrs []types.Address) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	for _, a := range addrs {
		n.subs[a]++
	}
	n.mu.Unlock()
	return nil
}

// UnsubscribeUtxosChanged implements gateway.Gateway.
func (n *Node) UnsubscribeUtxosChanged(ctx context.Context, addrs []types.Address) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	for _, a := range addrs {
		if n.subs[a] <= 1 {
			delete(n.subs, a)
		} else {
			n.subs[a]--
		}
	}
	n.mu.Unlock()
	return nil
}

// Subscribers returns the subscription count of addr.
func (n *Node) Subscribers(addr types.Address) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs[addr]
}

// AddListener implements gateway.Gateway.
func (n *Node) AddListener(fn gateway.Listener) func() {
	return n.listeners.Add(fn)
}

// Faucet credits addr with an accepted output at the current DAA score.
func (n *Node) Faucet(addr types.Address, amount uint64) (tx.UtxoEntry, error) {
	return n.credit(addr, amount, false)
}

// FaucetCoinbase credits addr with a coinbase output subject to maturity.
func (n *Node) FaucetCoinbase(addr types.Address, amount uint64) (tx.UtxoEntry, error) {
	return n.credit(addr, amount, true)
}

func (n *Node) credit(addr types.Address, amount uint64, coinbase bool) (tx.UtxoEntry, error) {
	n.mu.Lock()
	n.nonce++
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[:8], n.nonce)
	binary.BigEndian.PutUint64(seed[8:], n.daa.Load())
	e := tx.UtxoEntry{
		Outpoint:      types.Outpoint{TxID: crypto.Hash(append([]byte("faucet"), seed[:]...))},
		Amount:        amount,
		Script:        types.PayToAddress(addr),
		BlockDAAScore: n.daa.Load(),
		IsCoinbase:    coinbase,
	}
	if err := n.ledger.Put(e); err != nil {
		n.mu.Unlock()
		return tx.UtxoEntry{}, err
	}
	ev := n.changeEventLocked([]tx.UtxoEntry{e}, nil)
	n.emitLocked(ev)
	return e, nil
}

// MineBlock advances the DAA score by one and accepts every pool
// transaction. It returns the accepted transaction ids.
func (n *Node) MineBlock() ([]types.Hash, error) {
	n.mu.Lock()
	daa := n.daa.Add(1)
	txs := n.pool.SelectForBlock(0)
	var added, removed []tx.UtxoEntry
	ids := make([]types.Hash, 0, len(txs))
	for _, t := range txs {
		id := t.Hash()
		spent := make([]types.Outpoint, 0, len(t.Inputs))
		for _, in := range t.Inputs {
			e, ok := n.ledger.Entry(in.PrevOut)
			if !ok {
				// Spends an output accepted in this same block.
				e, ok = n.pool.Output(in.PrevOut)
				if ok {
					e.BlockDAAScore = daa
				}
			}
			if ok {
				removed = append(removed, e)
			}
			spent = append(spent, in.PrevOut)
		}
		created := make([]tx.UtxoEntry, len(t.Outputs))
		for i, out := range t.Outputs {
			created[i] = tx.UtxoEntry{
				Outpoint:      types.Outpoint{TxID: id, Index: uint32(i)},
				Amount:        out.Value,
				Script:        out.Script,
				BlockDAAScore: daa,
			}
		}
		if err := n.ledger.Apply(spent, created); err != nil {
			n.mu.Unlock()
			return nil, fmt.Errorf("accept %s: %w", id, err)
		}
		added = append(added, created...)
		n.mined[id] = daa
		ids = append(ids, id)
	}
	n.pool.RemoveConfirmed(txs)
	if err := n.persistDAALocked(); err != nil {
		n.mu.Unlock()
		return nil, err
	}

	// Outputs created and spent within the block never show up.
	added, removed = cancelOut(added, removed)
	ev := n.changeEventLocked(added, removed)
	n.emitMu.Lock()
	n.mu.Unlock()
	if len(ev.Added)+len(ev.Removed) > 0 {
		n.listeners.Emit(ev)
	}
	n.listeners.Emit(gateway.Event{Type: gateway.EventDaaScoreChanged, DAAScore: daa})
	n.emitMu.Unlock()

	n.logger.Debug().Uint64("daa", daa).Int("txs", len(ids)).Msg("Block mined")
	return ids, nil
}

// AdvanceDAA increases the DAA score by delta without accepting
// transactions.
func (n *Node) AdvanceDAA(delta uint64) error {
	n.mu.Lock()
	daa := n.daa.Add(delta)
	if err := n.persistDAALocked(); err != nil {
		n.mu.Unlock()
		return err
	}
	n.emitMu.Lock()
	n.mu.Unlock()
	n.listeners.Emit(gateway.Event{Type: gateway.EventDaaScoreChanged, DAAScore: daa})
	n.emitMu.Unlock()
	return nil
}

// IsAccepted reports whether a transaction was accepted, and at which
// DAA score.
func (n *Node) IsAccepted(id types.Hash) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	daa, ok := n.mined[id]
	return daa, ok
}

// Balance returns the accepted balance of addr.
func (n *Node) Balance(addr types.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	bal, _ := n.ledger.Balance(addr)
	return bal
}

func (n *Node) persistDAALocked() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n.daa.Load())
	if err := n.meta.Put(keyDAAScore, buf[:]); err != nil {
		return fmt.Errorf("persist daa score: %w", err)
	}
	return nil
}

// changeEventLocked filters entries to subscribed addresses.
func (n *Node) changeEventLocked(added, removed []tx.UtxoEntry) gateway.Event {
	ev := gateway.Event{Type: gateway.EventUtxosChanged}
	for _, e := range added {
		if a, ok := e.Script.Address(); ok && n.subs[a] > 0 {
			ev.Added = append(ev.Added, e)
		}
	}
	for _, e := range removed {
		if a, ok := e.Script.Address(); ok && n.subs[a] > 0 {
			ev.Removed = append(ev.Removed, e)
		}
	}
	return ev
}

// emitLocked releases n.mu and emits a change event in order.
func (n *Node) emitLocked(ev gateway.Event) {
	n.emitMu.Lock()
	n.mu.Unlock()
	if len(ev.Added)+len(ev.Removed) > 0 {
		n.listeners.Emit(ev)
	}
	n.emitMu.Unlock()
}

func cancelOut(added, removed []tx.UtxoEntry) ([]tx.UtxoEntry, []tx.UtxoEntry) {
	spent := make(map[types.Outpoint]bool, len(removed))
	for _, e := range removed {
		spent[e.Outpoint] = true
	}
	created := make(map[types.Outpoint]bool, len(added))
	var a []tx.UtxoEntry
	for _, e := range added {
		created[e.Outpoint] = true
		if !spent[e.Outpoint] {
			a = append(a, e)
		}
	}
	var r []tx.UtxoEntry
	for _, e := range removed {
		if !created[e.Outpoint] {
			r = append(r, e)
		}
	}
	return a, r
}

var _ gateway.Gateway = (*Node)(nil)
