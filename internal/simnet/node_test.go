package simnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/storage"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

func newTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

// recorder collects events emitted by a node.
type recorder struct {
	mu     sync.Mutex
	events []gateway.Event
}

func (r *recorder) listen(ev gateway.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ gateway.EventType) []gateway.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []gateway.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func pay(t *testing.T, key *crypto.PrivateKey, entries []tx.UtxoEntry, to types.Address, amount uint64) *tx.PendingTransaction {
	t.Helper()
	g, err := tx.Generate(tx.GeneratorSettings{
		Entries:       entries,
		Outputs:       []tx.Payment{{Address: to, Amount: amount}},
		ChangeAddress: key.Address(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p := g.Final()
	if _, err := p.SignStandard(key); err != nil {
		t.Fatalf("SignStandard: %v", err)
	}
	return p
}

func TestNode_SubmitAndMine(t *testing.T) {
	n := newTestNode(t, Config{})
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	dest, _ := crypto.GenerateKey()

	rec := &recorder{}
	n.AddListener(rec.listen)
	if err := n.SubscribeUtxosChanged(ctx, []types.Address{key.Address(), dest.Address()}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	funded, err := n.Faucet(key.Address(), 1_000_000_000)
	if err != nil {
		t.Fatalf("Faucet: %v", err)
	}
	p := pay(t, key, []tx.UtxoEntry{funded}, dest.Address(), 500_000_000)

	id, err := n.SubmitTransaction(ctx, p.Tx)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if n.Pool().Count() != 1 {
		t.Fatalf("pool count = %d, want 1", n.Pool().Count())
	}

	mp, err := n.GetMempoolEntriesByAddresses(ctx, []types.Address{key.Address(), dest.Address()})
	if err != nil {
		t.Fatalf("GetMempoolEntriesByAddresses: %v", err)
	}
	if len(mp[0].Sending) != 1 || mp[0].Sending[0].TransactionID != id {
		t.Errorf("sender mempool entries = %+v", mp[0])
	}
	if len(mp[1].Receiving) != 1 || mp[1].Receiving[0].Fee != p.Fee {
		t.Errorf("receiver mempool entries = %+v", mp[1])
	}

	ids, err := n.MineBlock()
	if err != nil {
		t.Fatalf("MineBlock: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("mined %v, want [%s]", ids, id)
	}
	if daa, ok := n.IsAccepted(id); !ok || daa != 2 {
		t.Errorf("IsAccepted = %d, %v", daa, ok)
	}
	if got := n.Balance(dest.Address()); got != 500_000_000 {
		t.Errorf("dest balance = %d", got)
	}
	if got := n.Balance(key.Address()); got != 500_000_000-p.Fee {
		t.Errorf("change balance = %d, want %d", got, 500_000_000-p.Fee)
	}

	changes := rec.ofType(gateway.EventUtxosChanged)
	if len(changes) != 2 {
		t.Fatalf("utxo change events = %d, want 2", len(changes))
	}
	last := changes[1]
	if len(last.Removed) != 1 || last.Removed[0].Outpoint != funded.Outpoint {
		t.Errorf("removed = %+v", last.Removed)
	}
	if len(last.Added) != 2 {
		t.Errorf("added = %d entries, want 2", len(last.Added))
	}
	if daas := rec.ofType(gateway.EventDaaScoreChanged); len(daas) != 1 || daas[0].DAAScore != 2 {
		t.Errorf("daa events = %+v", daas)
	}

	if _, err := n.SubmitTransaction(ctx, p.Tx); !errors.Is(err, gateway.ErrAlreadyAccepted) {
		t.Errorf("resubmit err = %v, want ErrAlreadyAccepted", err)
	}
}

func TestNode_SubmitErrors(t *testing.T) {
	n := newTestNode(t, Config{})
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	funded, _ := n.Faucet(key.Address(), 1_000_000)

	first := pay(t, key, []tx.UtxoEntry{funded}, key.Address(), 500_000)
	if _, err := n.SubmitTransaction(ctx, first.Tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}

	t.Run("double spend", func(t *testing.T) {
		again := pay(t, key, []tx.UtxoEntry{funded}, key.Address(), 400_000)
		if _, err := n.SubmitTransaction(ctx, again.Tx); !errors.Is(err, gateway.ErrMissingOutpoints) {
			t.Errorf("err = %v, want ErrMissingOutpoints", err)
		}
	})

	t.Run("replacement paying less", func(t *testing.T) {
		cheaper := pay(t, key, []tx.UtxoEntry{funded}, key.Address(), 400_000)
		// Same shape as the original, so the fee is not strictly higher.
		if _, err := n.SubmitTransactionReplacement(ctx, cheaper.Tx); !errors.Is(err, gateway.ErrReplacementFee) {
			t.Errorf("err = %v, want ErrReplacementFee", err)
		}
	})

	t.Run("unknown input", func(t *testing.T) {
		ghost := tx.UtxoEntry{
			Outpoint: types.Outpoint{TxID: types.Hash{0xab}},
			Amount:   1_000_000,
			Script:   types.PayToAddress(key.Address()),
		}
		p := pay(t, key, []tx.UtxoEntry{ghost}, key.Address(), 500_000)
		if _, err := n.SubmitTransaction(ctx, p.Tx); !errors.Is(err, gateway.ErrMissingOutpoints) {
			t.Errorf("err = %v, want ErrMissingOutpoints", err)
		}
	})

	t.Run("immature coinbase", func(t *testing.T) {
		cb, _ := n.FaucetCoinbase(key.Address(), 1_000_000)
		p := pay(t, key, []tx.UtxoEntry{cb}, key.Address(), 500_000)
		if _, err := n.SubmitTransaction(ctx, p.Tx); !errors.Is(err, gateway.ErrRejected) {
			t.Errorf("err = %v, want ErrRejected", err)
		}
	})
}

func TestNode_Replacement(t *testing.T) {
	n := newTestNode(t, Config{})
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	funded, _ := n.Faucet(key.Address(), 1_000_000)

	first := pay(t, key, []tx.UtxoEntry{funded}, key.Address(), 500_000)
	if _, err := n.SubmitTransaction(ctx, first.Tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}

	g, err := tx.Generate(tx.GeneratorSettings{
		Entries:       []tx.UtxoEntry{funded},
		Outputs:       []tx.Payment{{Address: key.Address(), Amount: 500_000}},
		ChangeAddress: key.Address(),
		PriorityFee:   10_000,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	bumped := g.Final()
	bumped.SignStandard(key)

	id, err := n.SubmitTransactionReplacement(ctx, bumped.Tx)
	if err != nil {
		t.Fatalf("SubmitTransactionReplacement: %v", err)
	}
	if n.Pool().Has(first.ID()) || !n.Pool().Has(id) {
		t.Error("original should be replaced")
	}
}

func TestNode_AutoMine(t *testing.T) {
	n := newTestNode(t, Config{AutoMine: true})
	key, _ := crypto.GenerateKey()
	funded, _ := n.Faucet(key.Address(), 1_000_000)

	p := pay(t, key, []tx.UtxoEntry{funded}, key.Address(), 500_000)
	id, err := n.SubmitTransaction(context.Background(), p.Tx)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if _, ok := n.IsAccepted(id); !ok {
		t.Error("transaction not accepted")
	}
	if n.VirtualDAAScore() != 2 {
		t.Errorf("daa = %d, want 2", n.VirtualDAAScore())
	}
}

func TestNode_MineInterval(t *testing.T) {
	n := newTestNode(t, Config{MineInterval: 10 * time.Millisecond})
	n.Start()
	key, _ := crypto.GenerateKey()
	funded, _ := n.Faucet(key.Address(), 1_000_000)

	p := pay(t, key, []tx.UtxoEntry{funded}, key.Address(), 500_000)
	id, err := n.SubmitTransaction(context.Background(), p.Tx)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := n.IsAccepted(id); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background miner never accepted the transaction")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNode_PersistsDAAScore(t *testing.T) {
	db := storage.NewMemory()
	n := newTestNode(t, Config{DB: db})
	if err := n.AdvanceDAA(42); err != nil {
		t.Fatalf("AdvanceDAA: %v", err)
	}
	key, _ := crypto.GenerateKey()
	n.Faucet(key.Address(), 7777)

	restored := newTestNode(t, Config{DB: db})
	if restored.VirtualDAAScore() != 43 {
		t.Errorf("daa = %d, want 43", restored.VirtualDAAScore())
	}
	if restored.Balance(key.Address()) != 7777 {
		t.Errorf("balance = %d, want 7777", restored.Balance(key.Address()))
	}
}

func TestNode_Disconnect(t *testing.T) {
	n := newTestNode(t, Config{})
	rec := &recorder{}
	n.AddListener(rec.listen)
	ctx := context.Background()

	n.SetConnected(false)
	n.SetConnected(false)
	if n.IsConnected() {
		t.Error("still connected")
	}
	if _, err := n.GetUtxosByAddresses(ctx, nil); !errors.Is(err, gateway.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	n.SetConnected(true)

	if got := len(rec.ofType(gateway.EventProcessorStopped)); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}
	if got := len(rec.ofType(gateway.EventProcessorStarted)); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
	if _, err := n.GetServerInfo(ctx); err != nil {
		t.Errorf("GetServerInfo: %v", err)
	}
}

func TestNode_SubscriptionFilter(t *testing.T) {
	n := newTestNode(t, Config{})
	rec := &recorder{}
	n.AddListener(rec.listen)
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()

	n.SubscribeUtxosChanged(ctx, []types.Address{key.Address()})
	n.SubscribeUtxosChanged(ctx, []types.Address{key.Address()})
	if n.Subscribers(key.Address()) != 2 {
		t.Errorf("subscribers = %d, want 2", n.Subscribers(key.Address()))
	}

	n.Faucet(other.Address(), 1000)
	if got := len(rec.ofType(gateway.EventUtxosChanged)); got != 0 {
		t.Errorf("events for unsubscribed address = %d", got)
	}
	n.Faucet(key.Address(), 1000)
	if got := len(rec.ofType(gateway.EventUtxosChanged)); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}

	n.UnsubscribeUtxosChanged(ctx, []types.Address{key.Address()})
	n.UnsubscribeUtxosChanged(ctx, []types.Address{key.Address()})
	if n.Subscribers(key.Address()) != 0 {
		t.Errorf("subscribers = %d, want 0", n.Subscribers(key.Address()))
	}
}
