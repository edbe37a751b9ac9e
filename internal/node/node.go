// Package node assembles the wallet engine: gateway connection, storage,
// transaction and commit-reveal engines, scheduler and RPC server. It can
// be embedded in any binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/config"
	"github.com/Klingon-tech/klingnet-wallet/internal/approval"
	"github.com/Klingon-tech/klingnet-wallet/internal/balance"
	"github.com/Klingon-tech/klingnet-wallet/internal/commitreveal"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway/wsclient"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/internal/rpc"
	"github.com/Klingon-tech/klingnet-wallet/internal/scheduler"
	"github.com/Klingon-tech/klingnet-wallet/internal/simnet"
	"github.com/Klingon-tech/klingnet-wallet/internal/storage"
	"github.com/Klingon-tech/klingnet-wallet/internal/txmgr"
	"github.com/Klingon-tech/klingnet-wallet/internal/unfinished"
	"github.com/Klingon-tech/klingnet-wallet/internal/wallet"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// PasswordFunc returns the password of the keystore wallet name.
type PasswordFunc func(name string) ([]byte, error)

// Node is a fully-initialized wallet engine.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Gateway
	gw       gateway.Gateway
	conn     *gateway.ConnectionManager
	sim      *simnet.Node
	simDB    storage.DB
	simFunds uint64

	// Core
	db         storage.DB
	txs        *txmgr.Manager
	engine     *commitreveal.Engine
	unfinished *unfinished.Store
	sched      *scheduler.Scheduler
	broker     *approval.Broker
	wallets    *wallet.Manager

	// Serving
	registry      *prometheus.Registry
	rpcServer     *rpc.Server
	metricsServer *http.Server
	metricsLn     net.Listener

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, gateway, engines, scheduler, RPC) but does NOT connect
// to the gateway or open wallets. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Set address HRP ──────────────────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ──────────────────────────────────────────────
	logFile, err := logFilePath(cfg)
	if err != nil {
		return nil, err
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	logger.Info().
		Str("network", string(cfg.Network)).
		Bool("simnet", cfg.Simnet.Enabled).
		Str("version", config.Version).
		Msg("Starting Klingnet Wallet")

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.StateDir())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open database at %s: %w", cfg.StateDir(), err)
	}
	n.db = db
	n.unfinished = unfinished.New(db)
	logger.Info().Str("path", cfg.StateDir()).Msg("Database opened")

	// ── 4. Gateway ──────────────────────────────────────────────────
	if err := n.setupGateway(); err != nil {
		n.Stop()
		return nil, err
	}

	// ── 5. Engines ──────────────────────────────────────────────────
	n.txs = txmgr.New(txmgr.Config{
		Gateway:       n.gw,
		AcceptTimeout: cfg.Gateway.AcceptTimeout,
	})
	n.engine = commitreveal.New(commitreveal.Config{
		Gateway:      n.gw,
		Transactions: n.txs,
	})

	// ── 6. Scheduler ────────────────────────────────────────────────
	deps := scheduler.Deps{
		Transactions: n.txs,
		CommitReveal: n.engine,
		Unfinished:   n.unfinished,
		Validators:   newValidators(cfg.Indexer),
		Approver:     approval.AutoApprover{PriorityFee: cfg.Wallet.PriorityFee},
	}
	if !cfg.Wallet.AutoApprove {
		n.broker = approval.NewBroker(func(req approval.Request) {
			logger.Info().
				Str("request", req.ID).
				Str("wallet", req.WalletID).
				Str("type", string(req.Action.Type)).
				Msg("Action awaiting approval")
		})
		deps.Approver = n.broker
	}
	opts := []scheduler.Option{scheduler.WithApprovalTimeout(cfg.Wallet.ApprovalTimeout)}
	if cfg.Metrics.Enabled {
		n.registry = prometheus.NewRegistry()
		n.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, scheduler.WithRegisterer(n.registry))
	}
	n.sched = scheduler.New(deps, opts...)
	logger.Info().
		Bool("auto_approve", cfg.Wallet.AutoApprove).
		Int("validators", len(deps.Validators)).
		Msg("Scheduler ready")

	// ── 7. Wallets ──────────────────────────────────────────────────
	ks, err := wallet.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		n.Stop()
		return nil, fmt.Errorf("create wallet keystore: %w", err)
	}
	n.wallets = wallet.NewManager(wallet.ManagerConfig{
		Keystore:       ks,
		Gateway:        n.gw,
		TrackerOptions: []balance.Option{balance.WithUserMaturity(cfg.Wallet.Maturity)},
		OnOpen:         n.walletOpened,
		OnClose:        n.walletClosed,
	})
	logger.Info().Str("path", cfg.KeystoreDir()).Msg("Keystore ready")

	// ── 8. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcDeps := rpc.Deps{
			Scheduler:    n.sched,
			Wallets:      n.wallets,
			Transactions: n.txs,
			Approvals:    n.broker,
		}
		if n.registry != nil && cfg.Metrics.Addr == "" {
			rpcDeps.Metrics = n.registry
		}
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, rpcDeps, cfg.RPC)
		if err := n.rpcServer.Start(); err != nil {
			n.rpcServer = nil
			n.Stop()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	// ── 9. Metrics server ───────────────────────────────────────────
	if n.registry != nil && cfg.Metrics.Addr != "" {
		if err := n.startMetrics(cfg.Metrics.Addr); err != nil {
			n.Stop()
			return nil, err
		}
	}

	return n, nil
}

// setupGateway creates the simulated node or the websocket connection
// manager.
func (n *Node) setupGateway() error {
	cfg := n.cfg
	if cfg.Simnet.Enabled {
		db, err := storage.NewBadger(cfg.SimnetDir())
		if err != nil {
			return fmt.Errorf("open simnet database at %s: %w", cfg.SimnetDir(), err)
		}
		sim, err := simnet.New(simnet.Config{
			DB:           db,
			NetworkID:    string(cfg.Network),
			AutoMine:     cfg.Simnet.MineInterval <= 0,
			MineInterval: cfg.Simnet.MineInterval,
		})
		if err != nil {
			db.Close()
			return fmt.Errorf("create simnet: %w", err)
		}
		n.sim, n.simDB, n.gw = sim, db, sim
		n.simFunds = cfg.Simnet.Faucet
		n.logger.Warn().
			Str("path", cfg.SimnetDir()).
			Dur("mine_interval", cfg.Simnet.MineInterval).
			Msg("Using simulated network; funds are not real")
		return nil
	}

	url := cfg.Gateway.URL
	n.conn = gateway.NewConnectionManager(gateway.ManagerConfig{
		Dial: func(ctx context.Context) (gateway.Conn, error) {
			return wsclient.Dial(ctx, url, wsclient.Options{})
		},
		ConnectTimeout:    cfg.Gateway.ConnectTimeout,
		ServerInfoTimeout: cfg.Gateway.ServerInfoTimeout,
	})
	n.gw = n.conn
	n.logger.Info().Str("url", url).Msg("Gateway configured")
	return nil
}

func (n *Node) startMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rpc.MetricsHandler(n.registry))
	n.metricsLn = ln
	n.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	n.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
	return nil
}

// walletOpened registers w with the scheduler. On a simulated network an
// empty wallet is funded from the faucet first.
func (n *Node) walletOpened(ctx context.Context, w *wallet.Wallet) error {
	if b := w.Balance(); n.sim != nil && n.simFunds > 0 && b.Mature+b.Pending == 0 {
		e, err := n.sim.Faucet(w.Address(), n.simFunds)
		if err != nil {
			return fmt.Errorf("fund simnet wallet: %w", err)
		}
		select {
		case err := <-w.Tracker().AwaitTransaction(e.Outpoint.TxID, 10*time.Second):
			if err != nil {
				return fmt.Errorf("fund simnet wallet: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		n.logger.Info().
			Str("wallet", w.ID()).
			Str("amount", types.FormatAmount(n.simFunds)).
			Msg("Simnet wallet funded")
	}
	if _, err := n.sched.Register(w); err != nil {
		return err
	}
	return nil
}

func (n *Node) walletClosed(w *wallet.Wallet) {
	if err := n.sched.Unregister(w.ID()); err != nil {
		n.logger.Warn().Err(err).Str("wallet", w.ID()).Msg("Unregister wallet")
	}
}

// Start connects to the gateway and keeps the connection alive. A failed
// first attempt is retried in the background.
func (n *Node) Start() error {
	if n.sim != nil {
		n.sim.Start()
	}
	if n.conn != nil {
		timeout := n.cfg.Gateway.ConnectTimeout
		if timeout <= 0 {
			timeout = gateway.DefaultConnectTimeout
		}
		ctx, cancel := context.WithTimeout(n.ctx, timeout+time.Second)
		err := n.conn.Connect(ctx)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Msg("Gateway unavailable; retrying in background")
		} else {
			n.logger.Info().Str("url", n.cfg.Gateway.URL).Msg("Gateway connected")
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.conn.Run(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Error().Err(err).Msg("Gateway connection loop stopped")
			}
		}()
	}

	n.logger.Info().
		Bool("connected", n.gw.IsConnected()).
		Bool("rpc", n.rpcServer != nil).
		Msg("Node started successfully")
	return nil
}

// OpenWallets opens every wallet named in wallet.open, asking password
// for each, and resumes their unfinished actions in the background.
func (n *Node) OpenWallets(ctx context.Context, password PasswordFunc) error {
	for _, name := range n.cfg.Wallet.Open {
		pw, err := password(name)
		if err != nil {
			return fmt.Errorf("password for wallet %s: %w", name, err)
		}
		_, err = n.wallets.Open(ctx, name, pw)
		wipe(pw)
		if err != nil {
			return fmt.Errorf("open wallet %s: %w", name, err)
		}
		n.resume(name)
	}
	return nil
}

// resume reveals the unfinished commit-reveal actions of wallet id.
func (n *Node) resume(id string) {
	chans, err := n.sched.ResumeUnfinished(n.ctx, id)
	if err != nil {
		n.logger.Warn().Err(err).Str("wallet", id).Msg("Resume unfinished actions")
	}
	if len(chans) == 0 {
		return
	}
	n.logger.Info().Str("wallet", id).Int("actions", len(chans)).Msg("Resuming unfinished actions")
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, ch := range chans {
			select {
			case resp := <-ch:
				ev := n.logger.Info()
				if !resp.Success {
					ev = n.logger.Warn().Err(resp.Err)
				}
				ev.Str("wallet", id).Bool("success", resp.Success).Msg("Unfinished action resumed")
			case <-n.ctx.Done():
				return
			}
		}
	}()
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.metricsServer.Shutdown(ctx)
		cancel()
	}
	if n.wallets != nil {
		n.wallets.CloseAll()
	}
	if n.sched != nil {
		n.sched.Stop()
	}
	n.wg.Wait()

	if n.conn != nil {
		n.conn.Close()
	}
	if n.sim != nil {
		n.sim.Stop()
	}
	if n.simDB != nil {
		n.simDB.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// MetricsAddr returns the address of the standalone metrics server.
func (n *Node) MetricsAddr() string {
	if n.metricsLn == nil {
		return ""
	}
	return n.metricsLn.Addr().String()
}

// Wallets exposes the wallet manager.
func (n *Node) Wallets() *wallet.Manager {
	return n.wallets
}

// Scheduler exposes the action scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler {
	return n.sched
}

// Approvals returns the approval broker, or nil when actions are approved
// automatically.
func (n *Node) Approvals() *approval.Broker {
	return n.broker
}

// Simnet returns the simulated network, or nil when connected to a real
// node.
func (n *Node) Simnet() *simnet.Node {
	return n.sim
}

func logFilePath(cfg *config.Config) (string, error) {
	if cfg.Log.File != "" {
		return expandHome(cfg.Log.File), nil
	}
	if err := ensureDir(cfg.LogsDir()); err != nil {
		return "", fmt.Errorf("creating logs dir: %w", err)
	}
	return filepath.Join(cfg.LogsDir(), "klingwallet.log"), nil
}
