package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/simnet"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

func newNode(t *testing.T) *simnet.Node {
	t.Helper()
	n, err := simnet.New(simnet.Config{})
	if err != nil {
		t.Fatalf("simnet.New: %v", err)
	}
	return n
}

func startTracker(t *testing.T, gw gateway.Gateway, addr types.Address, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{WithUserMaturity(2)}, opts...)
	tr := New(gw, addr, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTracker_StartNotConnected(t *testing.T) {
	node := newNode(t)
	node.SetConnected(false)
	key, _ := crypto.GenerateKey()

	tr := New(node, key.Address())
	defer tr.Stop()
	if err := tr.Start(context.Background()); !errors.Is(err, gateway.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestTracker_StartTwice(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	tr := startTracker(t, node, key.Address())
	if err := tr.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestTracker_Maturity(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	if _, err := node.Faucet(key.Address(), 5000); err != nil {
		t.Fatalf("Faucet: %v", err)
	}
	if _, err := node.FaucetCoinbase(key.Address(), 7000); err != nil {
		t.Fatalf("FaucetCoinbase: %v", err)
	}

	tr := startTracker(t, node, key.Address(), WithCoinbaseMaturity(4))
	b := tr.Balance()
	if b.Pending != 12000 || b.PendingUtxoCount != 2 || b.Mature != 0 {
		t.Fatalf("initial balance = %+v", b)
	}

	node.AdvanceDAA(2)
	eventually(t, "user maturity", func() bool { return tr.Balance().Mature == 5000 })
	if got := tr.Balance().Pending; got != 7000 {
		t.Errorf("pending = %d, want 7000", got)
	}

	node.AdvanceDAA(2)
	eventually(t, "coinbase maturity", func() bool { return tr.Balance().Mature == 12000 })
	b = tr.Balance()
	if b.MatureUtxoCount != 2 || b.PendingUtxoCount != 0 {
		t.Errorf("balance = %+v", b)
	}
	if len(tr.SpendableEntries()) != 2 {
		t.Errorf("spendable = %d, want 2", len(tr.SpendableEntries()))
	}
	if tr.DAAScore() != 5 {
		t.Errorf("daa = %d, want 5", tr.DAAScore())
	}
}

func TestTracker_IgnoresOtherAddresses(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	tr := startTracker(t, node, key.Address())

	otherTracker := startTracker(t, node, other.Address())
	node.Faucet(other.Address(), 1000)
	eventually(t, "other balance", func() bool { return otherTracker.Balance().Pending == 1000 })

	if got := tr.Balance(); got != (Balance{}) {
		t.Errorf("balance = %+v, want zero", got)
	}
}

func TestTracker_SettlementSignal(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	tr := startTracker(t, node, key.Address())

	select {
	case <-tr.SettlementSignal():
	default:
		t.Fatal("empty wallet should be settled")
	}

	node.Faucet(key.Address(), 5000)
	eventually(t, "pending", func() bool { return tr.Balance().Pending == 5000 })

	first := tr.SettlementSignal()
	second := tr.SettlementSignal()
	if first != second {
		t.Fatal("outstanding settlement signal should be shared")
	}
	select {
	case <-first:
		t.Fatal("signal fired while pending")
	default:
	}

	node.AdvanceDAA(2)
	for i, ch := range []<-chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("signal %d never fired", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.WaitSettled(ctx); err != nil {
		t.Errorf("WaitSettled: %v", err)
	}
}

func TestTracker_StopAbandonsSettlement(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	node.Faucet(key.Address(), 5000)
	tr := startTracker(t, node, key.Address())

	ch := tr.SettlementSignal()
	tr.Stop()
	tr.Stop()

	node.AdvanceDAA(5)
	select {
	case <-ch:
		t.Fatal("abandoned signal must not fire")
	case <-time.After(50 * time.Millisecond):
	}
	if got := node.Subscribers(key.Address()); got != 0 {
		t.Errorf("subscribers after Stop = %d", got)
	}
	if err := tr.WaitSettled(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("WaitSettled after Stop = %v", err)
	}
}

func TestTracker_OutgoingLifecycle(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	dest, _ := crypto.GenerateKey()
	node.Faucet(key.Address(), 1_000_000)
	node.AdvanceDAA(2)
	tr := startTracker(t, node, key.Address())
	if tr.Balance().Mature != 1_000_000 {
		t.Fatalf("mature = %d", tr.Balance().Mature)
	}

	g, err := tx.Generate(tx.GeneratorSettings{
		Entries:       tr.SpendableEntries(),
		Outputs:       []tx.Payment{{Address: dest.Address(), Amount: 400_000}},
		ChangeAddress: key.Address(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p := g.Final()
	p.SignStandard(key)

	tr.TrackOutgoing(p)
	b := tr.Balance()
	if b.Mature != 0 || b.Outgoing != 1_000_000 {
		t.Errorf("after TrackOutgoing = %+v", b)
	}
	if len(tr.SpendableEntries()) != 0 {
		t.Error("in-flight entries must not be spendable")
	}

	done := tr.AwaitTransaction(p.ID(), time.Minute)
	if _, err := node.SubmitTransaction(context.Background(), p.Tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if _, err := node.MineBlock(); err != nil {
		t.Fatalf("MineBlock: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitTransaction: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transaction never seen")
	}
	eventually(t, "change pending", func() bool { return tr.Balance().Outgoing == 0 })
	b = tr.Balance()
	if want := 600_000 - p.Fee; b.Pending != want {
		t.Errorf("pending = %d, want %d", b.Pending, want)
	}

	node.AdvanceDAA(2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
}

func TestTracker_Release(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	node.Faucet(key.Address(), 1_000_000)
	node.AdvanceDAA(2)
	tr := startTracker(t, node, key.Address())

	g, err := tx.Generate(tx.GeneratorSettings{
		Entries:       tr.SpendableEntries(),
		Outputs:       []tx.Payment{{Address: key.Address(), Amount: 400_000}},
		ChangeAddress: key.Address(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tr.TrackOutgoing(g.Final())
	if tr.Balance().Outgoing == 0 {
		t.Fatal("expected outgoing value")
	}
	tr.Release(g.Final().ID())
	if b := tr.Balance(); b.Outgoing != 0 || b.Mature != 1_000_000 {
		t.Errorf("after Release = %+v", b)
	}
}

func TestTracker_AwaitTransactionTimeout(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	start := time.Unix(1_700_000_000, 0)
	ticks := make(chan time.Duration, 8)
	testClock := clock.NewTestClockWithTickSignal(start, ticks)
	tr := startTracker(t, node, key.Address(), WithClock(testClock))

	done := tr.AwaitTransaction(types.Hash{0x42}, time.Minute)
	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("expiry timer never armed")
	}
	if tr.waiters.pending() != 1 {
		t.Errorf("pending waiters = %d, want 1", tr.waiters.pending())
	}

	testClock.SetTime(start.Add(2 * time.Minute))
	select {
	case err := <-done:
		if !errors.Is(err, ErrTransactionTimeout) {
			t.Errorf("err = %v, want ErrTransactionTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never expired")
	}
	if tr.waiters.pending() != 0 {
		t.Errorf("pending waiters = %d, want 0", tr.waiters.pending())
	}
}

func TestTracker_AwaitKnownTransaction(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	e, _ := node.Faucet(key.Address(), 1000)
	tr := startTracker(t, node, key.Address())

	select {
	case err := <-tr.AwaitTransaction(e.Outpoint.TxID, time.Minute):
		if err != nil {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("known transaction should resolve at once")
	}
}

func TestTracker_CallbackPanicSwallowed(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	calls := make(chan Balance, 16)
	tr := startTracker(t, node, key.Address(), OnBalanceUpdate(func(b Balance) error {
		select {
		case calls <- b:
		default:
		}
		if b.Pending > 0 {
			panic("boom")
		}
		return errors.New("ignored")
	}))

	node.Faucet(key.Address(), 1000)
	node.AdvanceDAA(2)
	eventually(t, "maturity after panic", func() bool { return tr.Balance().Mature == 1000 })
	if len(calls) == 0 {
		t.Error("callback never called")
	}
}

func TestTracker_ReloadOnReconnect(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	tr := startTracker(t, node, key.Address())

	node.SetConnected(false)
	node.SetConnected(true)
	eventually(t, "resubscribe", func() bool { return node.Subscribers(key.Address()) == 1 })

	node.Faucet(key.Address(), 2500)
	eventually(t, "update after reconnect", func() bool { return tr.Balance().Pending == 2500 })
}

// trackUnsubmitted marks a payment from a funded, mature wallet as
// outgoing and returns it signed.
func trackUnsubmitted(t *testing.T, tr *Tracker, key *crypto.PrivateKey) *tx.PendingTransaction {
	t.Helper()
	dest, _ := crypto.GenerateKey()
	g, err := tx.Generate(tx.GeneratorSettings{
		Entries:       tr.SpendableEntries(),
		Outputs:       []tx.Payment{{Address: dest.Address(), Amount: 400_000}},
		ChangeAddress: key.Address(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p := g.Final()
	if _, err := p.SignStandard(key); err != nil {
		t.Fatalf("SignStandard: %v", err)
	}
	tr.TrackOutgoing(p)
	if tr.Balance().Outgoing != 1_000_000 {
		t.Fatalf("outgoing = %d, want 1000000", tr.Balance().Outgoing)
	}
	return p
}

func TestTracker_ReconcileDroppedTransaction(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	node.Faucet(key.Address(), 1_000_000)
	node.AdvanceDAA(2)
	tr := startTracker(t, node, key.Address())

	p := trackUnsubmitted(t, tr, key)
	if _, err := node.SubmitTransaction(context.Background(), p.Tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := tr.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("released %v while the transaction is in the mempool", released)
	}

	node.Pool().Remove(p.ID())
	if _, err := node.MineBlock(); err != nil {
		t.Fatalf("MineBlock: %v", err)
	}

	// Outgoing value does not hold settlement back.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), time.Second)
	defer settleCancel()
	if err := tr.WaitSettled(settleCtx); err != nil {
		t.Fatalf("WaitSettled with outgoing value: %v", err)
	}

	released, err = tr.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(released) != 1 || released[0] != p.ID() {
		t.Fatalf("released = %v, want [%s]", released, p.ID())
	}
	if b := tr.Balance(); b.Outgoing != 0 || b.Mature != 1_000_000 {
		t.Errorf("balance after reconcile = %+v", b)
	}
	if len(tr.SpendableEntries()) != 1 {
		t.Errorf("spendable = %d, want 1", len(tr.SpendableEntries()))
	}
}

func TestTracker_ReconcileKeepsAcceptedTransaction(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	node.Faucet(key.Address(), 1_000_000)
	node.AdvanceDAA(2)
	tr := startTracker(t, node, key.Address())

	p := trackUnsubmitted(t, tr, key)
	// Accepted by the node, but the tracker has not applied the change
	// yet: the inputs are gone from the node's UTXO set.
	tr.removeListener()
	if _, err := node.SubmitTransaction(context.Background(), p.Tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if _, err := node.MineBlock(); err != nil {
		t.Fatalf("MineBlock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := tr.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(released) != 0 {
		t.Errorf("released accepted transaction %v", released)
	}
	if len(tr.SpendableEntries()) != 0 {
		t.Error("spent inputs must stay unspendable")
	}
}

func TestTracker_ReloadReleasesDroppedTransaction(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	node.Faucet(key.Address(), 1_000_000)
	node.AdvanceDAA(2)
	tr := startTracker(t, node, key.Address())

	trackUnsubmitted(t, tr, key)
	node.SetConnected(false)
	node.SetConnected(true)
	eventually(t, "inputs released", func() bool {
		b := tr.Balance()
		return b.Outgoing == 0 && b.Mature == 1_000_000
	})
}

func TestTracker_NoGoroutineBeforeStart(t *testing.T) {
	node := newNode(t)
	key, _ := crypto.GenerateKey()
	tr := New(node, key.Address())
	if tr.waiters.started() {
		t.Fatal("expiry goroutine launched by New")
	}
	tr.Stop()

	started := startTracker(t, node, key.Address())
	if !started.waiters.started() {
		t.Error("expiry goroutine not launched by Start")
	}
}
