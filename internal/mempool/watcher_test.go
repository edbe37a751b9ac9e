package mempool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/simnet"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// pendingSend funds key and submits an unaccepted payment from it.
func pendingSend(t *testing.T, node *simnet.Node, key *crypto.PrivateKey) types.Hash {
	t.Helper()
	funded, err := node.Faucet(key.Address(), 1_000_000)
	if err != nil {
		t.Fatalf("Faucet: %v", err)
	}
	g, err := tx.Generate(tx.GeneratorSettings{
		Entries:       []tx.UtxoEntry{funded},
		Outputs:       []tx.Payment{{Address: key.Address(), Amount: 500_000}},
		ChangeAddress: key.Address(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p := g.Final()
	p.SignStandard(key)
	id, err := node.SubmitTransaction(context.Background(), p.Tx)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	return id
}

func newNode(t *testing.T) *simnet.Node {
	t.Helper()
	node, err := simnet.New(simnet.Config{})
	if err != nil {
		t.Fatalf("simnet.New: %v", err)
	}
	return node
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("signal never fired")
	}
}

func TestWatcher_NothingSending(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	w := NewWatcher(node, key.Address())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	select {
	case <-w.WaitForSendingToConfirm():
	default:
		t.Fatal("empty mempool should resolve at once")
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v", err)
	}
}

func TestWatcher_ConfirmsOnAcceptance(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	id := pendingSend(t, node, key)

	w := NewWatcher(node, key.Address())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	sending := w.Sending()
	if len(sending) != 1 || sending[0].TransactionID != id {
		t.Fatalf("sending = %+v", sending)
	}
	first := w.WaitForSendingToConfirm()
	if second := w.WaitForSendingToConfirm(); second != first {
		t.Error("outstanding signal should be shared")
	}
	select {
	case <-first:
		t.Fatal("resolved while sending")
	default:
	}

	if _, err := node.MineBlock(); err != nil {
		t.Fatalf("MineBlock: %v", err)
	}
	waitClosed(t, first)
	if len(w.Sending()) != 0 {
		t.Errorf("sending after acceptance = %d", len(w.Sending()))
	}
}

func TestWatcher_PollsEvictions(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	id := pendingSend(t, node, key)

	force := ticker.NewForce(time.Hour)
	w := NewWatcher(node, key.Address(), WithTicker(force))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	ch := w.WaitForSendingToConfirm()
	// Eviction produces no UTXO change, only the poll notices.
	node.Pool().Remove(id)
	force.Force <- time.Now()
	waitClosed(t, ch)
}

func TestWatcher_StopDoesNotResolve(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	pendingSend(t, node, key)

	w := NewWatcher(node, key.Address())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch := w.WaitForSendingToConfirm()
	w.Stop()
	w.Stop()

	select {
	case <-ch:
		t.Fatal("Stop must not resolve the signal")
	case <-time.After(50 * time.Millisecond):
	}
	if err := w.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Wait after Stop = %v", err)
	}
	if got := node.Subscribers(key.Address()); got != 0 {
		t.Errorf("subscribers after Stop = %d", got)
	}
}

func TestWatcher_RefreshError(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	w := NewWatcher(node, key.Address())
	node.SetConnected(false)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error from disconnected gateway")
	}
	w.Stop()
}

var errMempoolDown = errors.New("mempool unavailable")

// brokenMempool is a node whose mempool queries fail. It counts the
// listeners registered through it.
type brokenMempool struct {
	*simnet.Node
	listeners atomic.Int32
}

func (g *brokenMempool) GetMempoolEntriesByAddresses(context.Context, []types.Address) ([]gateway.MempoolEntries, error) {
	return nil, errMempoolDown
}

func (g *brokenMempool) AddListener(fn gateway.Listener) func() {
	g.listeners.Add(1)
	remove := g.Node.AddListener(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.listeners.Add(-1)
			remove()
		})
	}
}

func TestWatcher_FailedStartUnsubscribes(t *testing.T) {
	node := newNode(t)
	gw := &brokenMempool{Node: node}
	key, _ := crypto.GenerateKey()

	w := NewWatcher(gw, key.Address())
	if err := w.Start(context.Background()); !errors.Is(err, errMempoolDown) {
		t.Fatalf("Start = %v, want mempool error", err)
	}
	if got := node.Subscribers(key.Address()); got != 0 {
		t.Errorf("subscribers after failed Start = %d, want 0", got)
	}
	if got := gw.listeners.Load(); got != 0 {
		t.Errorf("listeners after failed Start = %d, want 0", got)
	}

	// A later Stop must not unsubscribe a second time.
	other := NewWatcher(node, key.Address())
	if err := other.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer other.Stop()
	w.Stop()
	if got := node.Subscribers(key.Address()); got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}
}
