package node

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-wallet/config"
	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/indexer"
	"github.com/Klingon-tech/klingnet-wallet/internal/krc20"
	"github.com/Klingon-tech/klingnet-wallet/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-wallet/internal/wallet"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

const faucetAmount = 10 * types.SompiPerKas

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.klingwallet/wallet.log", filepath.Join(home, ".klingwallet/wallet.log")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNewValidators(t *testing.T) {
	if v := newValidators(config.IndexerConfig{}); v != nil {
		t.Errorf("validators without index = %v", v)
	}
	v := newValidators(config.IndexerConfig{URL: "http://127.0.0.1:1", Timeout: indexer.DefaultTimeout})
	if _, ok := v[krc20.Protocol]; !ok || len(v) != 1 {
		t.Errorf("validators = %v", v)
	}
}

func TestWipe(t *testing.T) {
	b := []byte("secret")
	wipe(b)
	for _, c := range b {
		if c != 0 {
			t.Fatalf("wipe left %q", b)
		}
	}
}

// simnetConfig returns a config running on a simulated network in dir.
func simnetConfig(dir string) *config.Config {
	cfg := config.Default(config.Mainnet)
	cfg.DataDir = dir
	cfg.Log.Level = "error"
	cfg.Log.File = filepath.Join(dir, "test.log")
	cfg.Simnet.Enabled = true
	cfg.Simnet.MineInterval = 0
	cfg.Simnet.Faucet = faucetAmount
	cfg.Wallet.AutoApprove = true
	cfg.Wallet.Open = []string{"main"}
	cfg.RPC.Port = 0
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		n.Stop()
		t.Fatalf("Start: %v", err)
	}
	return n
}

func password(name string) ([]byte, error) {
	return []byte("pw-" + name), nil
}

func TestNode_Simnet(t *testing.T) {
	dir := t.TempDir()
	cfg := simnetConfig(dir)
	n := startNode(t, cfg)

	pw, _ := password("main")
	entry, _, err := n.Wallets().Create("main", pw, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := n.OpenWallets(context.Background(), password); err != nil {
		t.Fatalf("OpenWallets: %v", err)
	}
	addr, err := types.ParseAddress(entry.Address)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if got := n.Simnet().Balance(addr); got != faucetAmount {
		t.Fatalf("faucet balance = %d, want %d", got, faucetAmount)
	}

	client := rpcclient.New("http://" + n.RPCAddr() + "/")
	ctx := context.Background()
	wallets, err := client.WalletList(ctx)
	if err != nil {
		t.Fatalf("WalletList: %v", err)
	}
	if len(wallets) != 1 || wallets[0].Address != entry.Address {
		t.Fatalf("wallets = %+v", wallets)
	}

	key, _ := crypto.GenerateKey()
	to := key.Address()
	res, err := client.Submit(ctx, "main", actions.Action{
		Type:     actions.TypeTransferKas,
		Transfer: &actions.Transfer{To: to.String(), Amount: types.SompiPerKas},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Success {
		t.Fatalf("transfer failed: %s", res.Error)
	}
	if got := n.Simnet().Balance(to); got != types.SompiPerKas {
		t.Errorf("recipient = %d", got)
	}

	resp, err := http.Get("http://" + n.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"klingwallet_queue_depth", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %s", want)
		}
	}

	spent := n.Simnet().Balance(addr)
	n.Stop()

	// The simulated ledger survives a restart and a funded wallet is not
	// topped up again.
	n = startNode(t, cfg)
	defer n.Stop()
	if err := n.OpenWallets(ctx, password); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := n.Simnet().Balance(addr); got != spent {
		t.Errorf("balance after restart = %d, want %d", got, spent)
	}
	if got := n.Simnet().Balance(to); got != types.SompiPerKas {
		t.Errorf("recipient after restart = %d", got)
	}
}

func TestNode_OpenWalletsErrors(t *testing.T) {
	cfg := simnetConfig(t.TempDir())
	cfg.Metrics.Enabled = false
	cfg.RPC.Enabled = false
	n := startNode(t, cfg)
	defer n.Stop()

	if n.RPCAddr() != "" || n.MetricsAddr() != "" {
		t.Errorf("servers running: rpc %q metrics %q", n.RPCAddr(), n.MetricsAddr())
	}

	if err := n.OpenWallets(context.Background(), password); !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Errorf("missing wallet err = %v", err)
	}

	pw, _ := password("main")
	if _, _, err := n.Wallets().Create("main", pw, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	wrong := func(string) ([]byte, error) { return []byte("wrong"), nil }
	if err := n.OpenWallets(context.Background(), wrong); !errors.Is(err, wallet.ErrDecrypt) {
		t.Errorf("wrong password err = %v", err)
	}

	prompt := errors.New("no terminal")
	failing := func(string) ([]byte, error) { return nil, prompt }
	if err := n.OpenWallets(context.Background(), failing); !errors.Is(err, prompt) {
		t.Errorf("prompt err = %v", err)
	}
}

func TestNode_Approvals(t *testing.T) {
	cfg := simnetConfig(t.TempDir())
	cfg.Metrics.Enabled = false
	cfg.RPC.Enabled = false
	cfg.Wallet.AutoApprove = false
	n := startNode(t, cfg)
	defer n.Stop()

	if n.Approvals() == nil {
		t.Fatal("interactive approval without broker")
	}
	if n.Scheduler() == nil {
		t.Fatal("no scheduler")
	}
}
