package txmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-wallet/internal/balance"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/simnet"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

type fixture struct {
	node    *simnet.Node
	key     *crypto.PrivateKey
	tracker *balance.Tracker
	mgr     *Manager
	sc      SpendContext
}

// newFixture funds a fresh wallet with amounts and starts its tracker.
// Outputs mature as soon as they are accepted.
func newFixture(t *testing.T, cfg simnet.Config, amounts ...uint64) *fixture {
	t.Helper()
	node, err := simnet.New(cfg)
	if err != nil {
		t.Fatalf("simnet.New: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	for _, a := range amounts {
		if _, err := node.Faucet(key.Address(), a); err != nil {
			t.Fatalf("Faucet: %v", err)
		}
	}
	tr := balance.New(node, key.Address(), balance.WithUserMaturity(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("tracker Start: %v", err)
	}
	t.Cleanup(tr.Stop)

	mgr := New(Config{Gateway: node, Retry: NoRetry, AcceptTimeout: 5 * time.Second})
	return &fixture{
		node:    node,
		key:     key,
		tracker: tr,
		mgr:     mgr,
		sc:      SpendContext{Funds: tr, Signer: NewKeySigner(key)},
	}
}

func newAddress(t *testing.T) types.Address {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k.Address()
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBuildAndSend_Payment(t *testing.T) {
	f := newFixture(t, simnet.Config{AutoMine: true}, 1_000_000_000)
	recv := newAddress(t)

	res, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: recv, Amount: 500_000_000}}, 0, Options{})
	if err != nil {
		t.Fatalf("BuildAndSend: %v", err)
	}
	if len(res.TransactionIDs) != 1 || res.TransactionIDs[0] != res.FinalTransactionID {
		t.Fatalf("ids = %v, want only the final transaction", res.TransactionIDs)
	}
	if _, ok := f.node.IsAccepted(res.FinalTransactionID); !ok {
		t.Error("final transaction not accepted")
	}
	if got := f.node.Balance(recv); got != 500_000_000 {
		t.Errorf("receiver balance = %d, want 500000000", got)
	}
	if got, want := f.node.Balance(f.key.Address()), uint64(500_000_000)-res.Fees; got != want {
		t.Errorf("change = %d, want %d", got, want)
	}
	if res.Fees == 0 {
		t.Error("fee should be charged")
	}
}

func TestBuildAndSend_SendAll(t *testing.T) {
	tests := []struct {
		name        string
		funds       []uint64
		priorityFee uint64
		wantErr     error
	}{
		{name: "several outputs", funds: []uint64{100_000_000, 100_000_000, 100_000_000}},
		{name: "above floor after fees", funds: []uint64{22_000_000}, priorityFee: 1_000_000},
		{name: "at floor after fees", funds: []uint64{20_500_000}, priorityFee: 1_000_000, wantErr: ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, simnet.Config{AutoMine: true}, tt.funds...)
			recv := newAddress(t)
			var total uint64
			for _, a := range tt.funds {
				total += a
			}

			res, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: recv}}, tt.priorityFee, Options{SendAll: true})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if f.node.Pool().Count() != 0 || f.node.Balance(recv) != 0 {
					t.Error("nothing should be sent")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildAndSend: %v", err)
			}
			if res.FinalAmount <= MinimalAmountToSend {
				t.Errorf("FinalAmount = %d, must be above %d", res.FinalAmount, MinimalAmountToSend)
			}
			if got, want := f.node.Balance(recv), total-res.Fees; got != want {
				t.Errorf("receiver balance = %d, want %d", got, want)
			}
			if res.FinalAmount != f.node.Balance(recv) {
				t.Errorf("FinalAmount = %d, want %d", res.FinalAmount, f.node.Balance(recv))
			}
			if got := f.node.Balance(f.key.Address()); got != 0 {
				t.Errorf("wallet left with %d", got)
			}
		})
	}
}

func TestBuildAndSend_Insufficient(t *testing.T) {
	tests := []struct {
		name    string
		funds   []uint64
		outputs func(types.Address) []tx.Payment
		opts    Options
	}{
		{
			name:    "more than mature",
			funds:   []uint64{100_000_000},
			outputs: func(a types.Address) []tx.Payment { return []tx.Payment{{Address: a, Amount: 200_000_000}} },
		},
		{
			name:    "send-all remainder too small",
			funds:   []uint64{15_000_000},
			outputs: func(a types.Address) []tx.Payment { return []tx.Payment{{Address: a}} },
			opts:    Options{SendAll: true},
		},
		{
			name:    "first output below minimum",
			funds:   []uint64{100_000_000},
			outputs: func(a types.Address) []tx.Payment { return []tx.Payment{{Address: a, Amount: MinimalAmountToSend}} },
		},
		{
			name:    "fee not covered",
			funds:   []uint64{100_000_000},
			outputs: func(a types.Address) []tx.Payment { return []tx.Payment{{Address: a, Amount: 100_000_000}} },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, simnet.Config{AutoMine: true}, tt.funds...)
			_, err := f.mgr.BuildAndSend(testCtx(t), f.sc, tt.outputs(newAddress(t)), 0, tt.opts)
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("err = %v, want ErrInsufficientBalance", err)
			}
			if f.node.Pool().Count() != 0 {
				t.Error("nothing should be submitted")
			}
		})
	}
}

func TestBuildAndSend_EstimateOnly(t *testing.T) {
	f := newFixture(t, simnet.Config{}, 1_000_000_000)
	recv := newAddress(t)

	notified := false
	res, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: recv, Amount: 500_000_000}}, 0, Options{
		EstimateOnly: true,
		NotifyCreated: func(context.Context, types.Hash) error {
			notified = true
			return nil
		},
	})
	if err != nil {
		t.Fatalf("BuildAndSend: %v", err)
	}
	if len(res.Masses) != 1 || res.Masses[0] == 0 {
		t.Errorf("masses = %v", res.Masses)
	}
	if len(res.TransactionIDs) != 0 || notified {
		t.Error("estimate must not submit or notify")
	}
	if f.node.Pool().Count() != 0 {
		t.Error("pool should be empty")
	}
	if b := f.tracker.Balance(); b.Outgoing != 0 {
		t.Errorf("outgoing = %d, want 0", b.Outgoing)
	}
}

func TestBuildAndSend_FeeIsLargerOfPriorityAndProtocol(t *testing.T) {
	f := newFixture(t, simnet.Config{}, 1_000_000_000)
	recv := newAddress(t)
	out := []tx.Payment{{Address: recv, Amount: 100_000_000}}

	estimate := func(prio, protocol uint64) uint64 {
		t.Helper()
		res, err := f.mgr.BuildAndSend(testCtx(t), f.sc, out, prio, Options{EstimateOnly: true, AdditionalProtocolFee: protocol})
		if err != nil {
			t.Fatalf("BuildAndSend: %v", err)
		}
		return res.Fees
	}
	base := estimate(0, 0)
	if got := estimate(1_000, 50_000); got != base+50_000 {
		t.Errorf("protocol wins: fees = %d, want %d", got, base+50_000)
	}
	if got := estimate(70_000, 50_000); got != base+70_000 {
		t.Errorf("priority wins: fees = %d, want %d", got, base+70_000)
	}
}

func TestBuildAndSend_Compounds(t *testing.T) {
	amounts := make([]uint64, 7)
	for i := range amounts {
		amounts[i] = 100_000_000
	}
	f := newFixture(t, simnet.Config{AutoMine: true}, amounts...)
	f.mgr.cfg.MaxInputs = 3
	recv := newAddress(t)

	res, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: recv, Amount: 500_000_000}}, 0, Options{})
	if err != nil {
		t.Fatalf("BuildAndSend: %v", err)
	}
	if len(res.TransactionIDs) < 2 {
		t.Fatalf("expected a compounding chain, got %d transactions", len(res.TransactionIDs))
	}
	for _, id := range res.TransactionIDs {
		if _, ok := f.node.IsAccepted(id); !ok {
			t.Errorf("%s not accepted", id)
		}
	}
	if got := f.node.Balance(recv); got != 500_000_000 {
		t.Errorf("receiver balance = %d", got)
	}
	if got, want := f.node.Balance(f.key.Address()), uint64(700_000_000-500_000_000)-res.Fees; got != want {
		t.Errorf("change = %d, want %d", got, want)
	}
}

func TestBuildAndSend_NotifiesBeforeSubmit(t *testing.T) {
	f := newFixture(t, simnet.Config{AutoMine: true}, 1_000_000_000)
	recv := newAddress(t)

	var notifiedID types.Hash
	res, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: recv, Amount: 100_000_000}}, 0, Options{
		NotifyCreated: func(_ context.Context, id types.Hash) error {
			if _, ok := f.node.IsAccepted(id); ok {
				t.Error("notified after submission")
			}
			notifiedID = id
			return nil
		},
	})
	if err != nil {
		t.Fatalf("BuildAndSend: %v", err)
	}
	if notifiedID != res.FinalTransactionID {
		t.Errorf("notified %s, final %s", notifiedID, res.FinalTransactionID)
	}
}

func TestBuildAndSend_NotifyErrorAborts(t *testing.T) {
	f := newFixture(t, simnet.Config{AutoMine: true}, 1_000_000_000)
	errStore := errors.New("store down")
	_, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: newAddress(t), Amount: 100_000_000}}, 0, Options{
		NotifyCreated: func(context.Context, types.Hash) error { return errStore },
	})
	if !errors.Is(err, errStore) {
		t.Fatalf("err = %v, want notify error", err)
	}
	if got := f.node.Balance(f.key.Address()); got != 1_000_000_000 {
		t.Errorf("balance = %d, nothing should be spent", got)
	}
}

func TestBuildAndSend_SubmitFailureReleases(t *testing.T) {
	f := newFixture(t, simnet.Config{}, 1_000_000_000)
	f.mgr.cfg.FeeRate = tx.MinimumFeeRate

	_, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: newAddress(t), Amount: 100_000_000}}, 0, Options{
		NotifyCreated: func(context.Context, types.Hash) error {
			f.node.SetConnected(false)
			return nil
		},
	})
	if !errors.Is(err, gateway.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	b := f.tracker.Balance()
	if b.Outgoing != 0 || b.Mature != 1_000_000_000 {
		t.Errorf("balance = %+v, inputs should be released", b)
	}
}

func TestBuildAndSend_RBF(t *testing.T) {
	f := newFixture(t, simnet.Config{AutoMine: true}, 1_000_000_000)
	recv := newAddress(t)
	_, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: recv, Amount: 100_000_000}}, 0, Options{RBF: true})
	if err != nil {
		t.Fatalf("BuildAndSend: %v", err)
	}
	if got := f.node.Balance(recv); got != 100_000_000 {
		t.Errorf("receiver balance = %d", got)
	}
}

func TestBuildAndSend_WaitForConfirmed(t *testing.T) {
	f := newFixture(t, simnet.Config{AutoMine: true}, 1_000_000_000)
	_, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: newAddress(t), Amount: 100_000_000}}, 0, Options{
		WaitForTransactionConfirmed: true,
	})
	if err != nil {
		t.Fatalf("BuildAndSend: %v", err)
	}
	if f.node.Pool().Count() != 0 {
		t.Error("mempool should be empty once confirmed")
	}
}

// lossyGateway wraps a node. With dropSubmits it acknowledges submitted
// transactions without relaying them; with mempoolErr its mempool
// queries fail.
type lossyGateway struct {
	*simnet.Node
	dropSubmits bool
	mempoolErr  error
}

func (g *lossyGateway) SubmitTransaction(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	if g.dropSubmits {
		return t.Hash(), nil
	}
	return g.Node.SubmitTransaction(ctx, t)
}

func (g *lossyGateway) GetMempoolEntriesByAddresses(ctx context.Context, addrs []types.Address) ([]gateway.MempoolEntries, error) {
	if g.mempoolErr != nil {
		return nil, g.mempoolErr
	}
	return g.Node.GetMempoolEntriesByAddresses(ctx, addrs)
}

func TestBuildAndSend_DroppedReleasesInputs(t *testing.T) {
	f := newFixture(t, simnet.Config{}, 1_000_000_000)
	mgr := New(Config{
		Gateway:       &lossyGateway{Node: f.node, dropSubmits: true},
		Retry:         NoRetry,
		AcceptTimeout: 100 * time.Millisecond,
	})

	res, err := mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: newAddress(t), Amount: 100_000_000}}, 0, Options{})
	if !errors.Is(err, ErrTransactionDropped) {
		t.Fatalf("err = %v, want ErrTransactionDropped", err)
	}
	if res == nil || len(res.TransactionIDs) != 1 {
		t.Fatalf("result = %+v, want the submitted id", res)
	}
	b := f.tracker.Balance()
	if b.Outgoing != 0 || b.Mature != 1_000_000_000 {
		t.Errorf("balance = %+v, inputs should be released", b)
	}
	if len(f.tracker.SpendableEntries()) != 1 {
		t.Error("released input should be spendable")
	}

	// The released input funds the next payment.
	f.mgr.cfg.AcceptTimeout = 100 * time.Millisecond
	recv := newAddress(t)
	if _, err := f.mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: recv, Amount: 100_000_000}}, 0, Options{}); err != nil {
		t.Fatalf("BuildAndSend after drop: %v", err)
	}
	if f.node.Pool().Count() != 1 {
		t.Errorf("pool = %d, want the new payment", f.node.Pool().Count())
	}
}

func TestBuildAndSend_WaitForConfirmedFailureUnsubscribes(t *testing.T) {
	f := newFixture(t, simnet.Config{AutoMine: true}, 1_000_000_000)
	errMempool := errors.New("mempool unavailable")
	mgr := New(Config{Gateway: &lossyGateway{Node: f.node, mempoolErr: errMempool}, Retry: NoRetry, AcceptTimeout: 5 * time.Second})

	_, err := mgr.BuildAndSend(testCtx(t), f.sc, []tx.Payment{{Address: newAddress(t), Amount: 100_000_000}}, 0, Options{
		WaitForTransactionConfirmed: true,
	})
	if !errors.Is(err, errMempool) {
		t.Fatalf("err = %v, want mempool error", err)
	}
	// Only the tracker's own subscription remains.
	if got := f.node.Subscribers(f.key.Address()); got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}
}

func TestBuildAndSend_ScriptUnlock(t *testing.T) {
	f := newFixture(t, simnet.Config{AutoMine: true}, 1_000_000_000)
	redeem := append([]byte{0x21}, f.key.PublicKey()...)
	redeem = append(redeem, 0xac)
	locked, err := f.node.Faucet(crypto.ScriptHashAddress(redeem), 50_000_000)
	if err != nil {
		t.Fatalf("Faucet: %v", err)
	}

	res, err := f.mgr.BuildAndSend(testCtx(t), f.sc, nil, 0, Options{
		PriorityEntries:       []tx.UtxoEntry{locked},
		ScriptUnlock:          redeem,
		AdditionalProtocolFee: 100_000_000,
	})
	if err != nil {
		t.Fatalf("BuildAndSend: %v", err)
	}
	if _, ok := f.node.IsAccepted(res.FinalTransactionID); !ok {
		t.Fatal("reveal-style transaction not accepted")
	}
	if got := f.node.Balance(crypto.ScriptHashAddress(redeem)); got != 0 {
		t.Errorf("script address still holds %d", got)
	}
	if got, want := f.node.Balance(f.key.Address()), uint64(1_050_000_000)-res.Fees; got != want {
		t.Errorf("wallet = %d, want %d", got, want)
	}
	if res.Fees < 100_000_000 {
		t.Errorf("fees = %d, protocol fee not paid", res.Fees)
	}
}

func TestBuildAndSend_MissingSpendContext(t *testing.T) {
	mgr := New(Config{})
	if _, err := mgr.BuildAndSend(context.Background(), SpendContext{}, nil, 0, Options{}); !errors.Is(err, ErrNoSpendContext) {
		t.Errorf("err = %v, want ErrNoSpendContext", err)
	}
}

func TestConstantRetry(t *testing.T) {
	errFlaky := errors.New("flaky")
	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := ConstantRetry(3, time.Millisecond)(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := ConstantRetry(2, time.Millisecond)(context.Background(), func() error {
			calls++
			return errFlaky
		})
		if !errors.Is(err, errFlaky) || calls != 2 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
	t.Run("single attempt", func(t *testing.T) {
		calls := 0
		err := NoRetry(context.Background(), func() error {
			calls++
			return errFlaky
		})
		if !errors.Is(err, errFlaky) || calls != 1 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
}
