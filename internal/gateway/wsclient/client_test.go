package wsclient_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway/wsclient"
	"github.com/Klingon-tech/klingnet-wallet/internal/simnet"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

func startNode(t *testing.T, cfg simnet.Config) (*simnet.Node, *wsclient.Client) {
	t.Helper()
	node, err := simnet.New(cfg)
	if err != nil {
		t.Fatalf("simnet.New: %v", err)
	}
	srv := httptest.NewServer(node.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := wsclient.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), wsclient.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return node, c
}

func waitEvent(t *testing.T, ch <-chan gateway.Event, typ gateway.EventType) gateway.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestClient_ServerInfo(t *testing.T) {
	node, c := startNode(t, simnet.Config{NetworkID: "testnet"})
	if err := node.AdvanceDAA(7); err != nil {
		t.Fatalf("AdvanceDAA: %v", err)
	}

	info, err := c.GetServerInfo(context.Background())
	if err != nil {
		t.Fatalf("GetServerInfo: %v", err)
	}
	if info.NetworkID != "testnet" || !info.IsSynced || !info.HasUtxoIndex {
		t.Errorf("unexpected info %+v", info)
	}
	if info.VirtualDAAScore != 8 {
		t.Errorf("daa = %d, want 8", info.VirtualDAAScore)
	}

	est, err := c.GetFeeEstimate(context.Background())
	if err != nil {
		t.Fatalf("GetFeeEstimate: %v", err)
	}
	if est.NormalRate() != tx.MinimumFeeRate {
		t.Errorf("normal rate = %d", est.NormalRate())
	}
}

func TestClient_SubscriptionRefcount(t *testing.T) {
	node, c := startNode(t, simnet.Config{})
	key, _ := crypto.GenerateKey()
	addr := key.Address()
	ctx := context.Background()

	events := make(chan gateway.Event, 16)
	c.AddListener(func(ev gateway.Event) { events <- ev })

	for i := 0; i < 2; i++ {
		if err := c.SubscribeUtxosChanged(ctx, []types.Address{addr}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if got := c.Subscriptions(addr); got != 2 {
		t.Errorf("local refs = %d, want 2", got)
	}
	if got := node.Subscribers(addr); got != 1 {
		t.Errorf("node subscribers = %d, want 1", got)
	}

	entry, err := node.Faucet(addr, 5000)
	if err != nil {
		t.Fatalf("Faucet: %v", err)
	}
	ev := waitEvent(t, events, gateway.EventUtxosChanged)
	if len(ev.Added) != 1 || ev.Added[0].Outpoint != entry.Outpoint || ev.Added[0].Amount != 5000 {
		t.Errorf("unexpected event %+v", ev)
	}

	if err := c.UnsubscribeUtxosChanged(ctx, []types.Address{addr}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := node.Subscribers(addr); got != 1 {
		t.Errorf("node subscribers after first release = %d, want 1", got)
	}
	if err := c.UnsubscribeUtxosChanged(ctx, []types.Address{addr}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := node.Subscribers(addr); got != 0 {
		t.Errorf("node subscribers after last release = %d, want 0", got)
	}
}

func TestClient_SubmitAndQuery(t *testing.T) {
	node, c := startNode(t, simnet.Config{AutoMine: true})
	key, _ := crypto.GenerateKey()
	dest, _ := crypto.GenerateKey()
	ctx := context.Background()

	if _, err := node.Faucet(key.Address(), 1_000_000_000); err != nil {
		t.Fatalf("Faucet: %v", err)
	}
	entries, err := c.GetUtxosByAddresses(ctx, []types.Address{key.Address()})
	if err != nil {
		t.Fatalf("GetUtxosByAddresses: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	g, err := tx.Generate(tx.GeneratorSettings{
		Entries:       entries,
		Outputs:       []tx.Payment{{Address: dest.Address(), Amount: 500_000_000}},
		ChangeAddress: key.Address(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	final := g.Final()
	if _, err := final.SignStandard(key); err != nil {
		t.Fatalf("SignStandard: %v", err)
	}

	id, err := c.SubmitTransaction(ctx, final.Tx)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if id != final.ID() {
		t.Errorf("id = %s, want %s", id, final.ID())
	}
	if got := node.Balance(dest.Address()); got != 500_000_000 {
		t.Errorf("dest balance = %d", got)
	}

	_, err = c.SubmitTransaction(ctx, final.Tx)
	if !errors.Is(err, gateway.ErrAlreadyAccepted) {
		t.Errorf("resubmit err = %v, want ErrAlreadyAccepted", err)
	}

	mp, err := c.GetMempoolEntriesByAddresses(ctx, []types.Address{key.Address()})
	if err != nil {
		t.Fatalf("GetMempoolEntriesByAddresses: %v", err)
	}
	if len(mp) != 1 || len(mp[0].Sending) != 0 {
		t.Errorf("unexpected mempool entries %+v", mp)
	}
}

func TestClient_SubmitRejected(t *testing.T) {
	node, c := startNode(t, simnet.Config{})
	key, _ := crypto.GenerateKey()
	entry, err := node.Faucet(key.Address(), 100_000)
	if err != nil {
		t.Fatalf("Faucet: %v", err)
	}
	g, err := tx.Generate(tx.GeneratorSettings{
		Entries:       []tx.UtxoEntry{entry},
		Outputs:       []tx.Payment{{Address: key.Address(), Amount: 50_000}},
		ChangeAddress: key.Address(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Unsigned inputs fail validation.
	_, err = c.SubmitTransaction(context.Background(), g.Final().Tx)
	if !errors.Is(err, gateway.ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
}

func TestClient_NodeDisconnect(t *testing.T) {
	node, c := startNode(t, simnet.Config{})
	events := make(chan gateway.Event, 16)
	c.AddListener(func(ev gateway.Event) { events <- ev })

	node.SetConnected(false)
	waitEvent(t, events, gateway.EventProcessorStopped)
	if c.IsConnected() {
		t.Error("client still connected")
	}
	if _, err := c.GetServerInfo(context.Background()); !errors.Is(err, gateway.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	_, c := startNode(t, simnet.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetServerInfo(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
