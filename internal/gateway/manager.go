package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Connection defaults.
const (
	DefaultConnectTimeout    = 20 * time.Second
	DefaultServerInfoTimeout = 5 * time.Second
)

// Status is the connection state of a ConnectionManager.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Conn is a closable gateway connection.
type Conn interface {
	Gateway
	Close() error
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	Dial              Dialer
	ConnectTimeout    time.Duration
	ServerInfoTimeout time.Duration
}

// ConnectionManager owns the active gateway connection and is itself a
// Gateway. Concurrent Connect calls share one attempt. Listeners added to
// the manager survive reconnects and see ProcessorStarted once per
// successful connection.
type ConnectionManager struct {
	cfg    ManagerConfig
	group  singleflight.Group
	logger zerolog.Logger

	mu        sync.RWMutex
	conn      Conn
	removeFwd func()
	status    Status
	lost      chan struct{}

	listeners Listeners
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ServerInfoTimeout <= 0 {
		cfg.ServerInfoTimeout = DefaultServerInfoTimeout
	}
	return &ConnectionManager{cfg: cfg, logger: klog.Gateway}
}

// Status returns the connection state.
func (m *ConnectionManager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Connect establishes a connection unless one is up. Callers arriving
// while an attempt is in flight wait for that attempt. ctx only bounds
// the wait; the attempt itself is bounded by ConnectTimeout.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if m.Status() == Connected {
		return nil
	}
	ch := m.group.DoChan("connect", func() (any, error) {
		return nil, m.connect()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) connect() error {
	m.mu.Lock()
	if m.status == Connected {
		m.mu.Unlock()
		return nil
	}
	m.status = Connecting
	m.mu.Unlock()

	conn, info, err := m.attempt()
	if err != nil {
		m.setStatus(Disconnected)
		m.logger.Warn().Err(err).Msg("Gateway connection failed")
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.removeFwd = conn.AddListener(m.forwarder(conn))
	m.status = Connected
	m.lost = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info().
		Str("server", info.ServerVersion).
		Str("network", info.NetworkID).
		Uint64("daa_score", info.VirtualDAAScore).
		Msg("Gateway connected")
	m.listeners.Emit(Event{Type: EventProcessorStarted, DAAScore: info.VirtualDAAScore})
	return nil
}

func (m *ConnectionManager) attempt() (Conn, ServerInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.cfg.Dial(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ServerInfo{}, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, ServerInfo{}, fmt.Errorf("dial: %w", err)
	}

	info, err := m.checkServer(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, ServerInfo{}, err
	}
	return conn, info, nil
}

type infoResult struct {
	info ServerInfo
	err  error
}

// checkServer verifies the node is usable. A server that does not answer
// within ServerInfoTimeout has its connection torn down.
func (m *ConnectionManager) checkServer(ctx context.Context, conn Conn) (ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ServerInfoTimeout)
	defer cancel()

	ch := make(chan infoResult, 1)
	go func() {
		info, err := conn.GetServerInfo(ctx)
		ch <- infoResult{info, err}
	}()

	var res infoResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		conn.Close()
		return ServerInfo{}, fmt.Errorf("%w: server info", ErrConnectTimeout)
	}
	switch {
	case res.err != nil:
		return ServerInfo{}, fmt.Errorf("server info: %w", res.err)
	case !res.info.IsSynced:
		return ServerInfo{}, ErrNotSynced
	case !res.info.HasUtxoIndex:
		return ServerInfo{}, ErrNoUtxoIndex
	}
	return res.info, nil
}

// forwarder relays conn events to the manager listeners. The conn's own
// ProcessorStarted is replaced by the one emitted after the checks.
func (m *ConnectionManager) forwarder(conn Conn) Listener {
	return func(ev Event) {
		switch ev.Type {
		case EventProcessorStarted:
			return
		case EventProcessorStopped:
			if !m.drop(conn) {
				return
			}
			m.logger.Warn().Msg("Gateway disconnected")
		}
		m.listeners.Emit(ev)
	}
}

// drop forgets conn if it is current and reports whether it was.
func (m *ConnectionManager) drop(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return false
	}
	if m.removeFwd != nil {
		m.removeFwd()
		m.removeFwd = nil
	}
	m.conn = nil
	m.status = Disconnected
	if m.lost != nil {
		close(m.lost)
		m.lost = nil
	}
	return true
}

func (m *ConnectionManager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Run keeps the manager connected until ctx is done, reconnecting with
// exponential backoff after every loss.
func (m *ConnectionManager) Run(ctx context.Context) error {
	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		err := backoff.Retry(func() error {
			err := m.Connect(ctx)
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(b, ctx))
		if err != nil {
			return err
		}

		m.mu.RLock()
		lost := m.lost
		m.mu.RUnlock()
		if lost == nil {
			continue
		}
		select {
		case <-lost:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears down the active connection.
func (m *ConnectionManager) Close() error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil
	}
	if !m.drop(conn) {
		return nil
	}
	err := conn.Close()
	m.listeners.Emit(Event{Type: EventProcessorStopped})
	return err
}

func (m *ConnectionManager) current() (Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// IsConnected implements Gateway.
func (m *ConnectionManager) IsConnected() bool {
	c, err := m.current()
	return err == nil && c.IsConnected()
}

// GetServerInfo implements Gateway.
func (m *ConnectionManager) GetServerInfo(ctx context.Context) (ServerInfo, error) {
	c, err := m.current()
	if err != nil {
		return ServerInfo{}, err
	}
	return c.GetServerInfo(ctx)
}

// GetUtxosByAddresses implements Gateway.
func (m *ConnectionManager) GetUtxosByAddresses(ctx context.Context, addrs []types.Address) ([]UtxoEntry, error) {
	c, err := m.current()
	if err != nil {
		return nil, err
	}
	return c.GetUtxosByAddresses(ctx, addrs)
}

// GetFeeEstimate implements Gateway.
func (m *ConnectionManager) GetFeeEstimate(ctx context.Context) (FeeEstimate, error) {
	c, err := m.current()
	if err != nil {
		return FeeEstimate{}, err
	}
	return c.GetFeeEstimate(ctx)
}

// SubmitTransaction implements Gateway.
func (m *ConnectionManager) SubmitTransaction(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	c, err := m.current()
	if err != nil {
		return types.Hash{}, err
	}
	return c.SubmitTransaction(ctx, t)
}

// SubmitTransactionReplacement implements Gateway.
func (m *ConnectionManager) SubmitTransactionReplacement(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	c, err := m.current()
	if err != nil {
		return types.Hash{}, err
	}
	return c.SubmitTransactionReplacement(ctx, t)
}

// GetMempoolEntriesByAddresses implements Gateway.
func (m *ConnectionManager) GetMempoolEntriesByAddresses(ctx context.Context, addrs []types.Address) ([]MempoolEntries, error) {
	c, err := m.current()
	if err != nil {
		return nil, err
	}
	return c.GetMempoolEntriesByAddresses(ctx, addrs)
}

// SubscribeUtxosChanged implements Gateway.
func (m *ConnectionManager) SubscribeUtxosChanged(ctx context.Context, addrs []types.Address) error {
	c, err := m.current()
	if err != nil {
		return err
	}
	return c.SubscribeUtxosChanged(ctx, addrs)
}

// UnsubscribeUtxosChanged implements Gateway.
func (m *ConnectionManager) UnsubscribeUtxosChanged(ctx context.Context, addrs []types.Address) error {
	c, err := m.current()
	if err != nil {
		return err
	}
	return c.UnsubscribeUtxosChanged(ctx, addrs)
}

// AddListener implements Gateway.
func (m *ConnectionManager) AddListener(fn Listener) func() {
	return m.listeners.Add(fn)
}

var _ Gateway = (*ConnectionManager)(nil)
