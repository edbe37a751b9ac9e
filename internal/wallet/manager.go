package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/balance"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
)

// Manager errors.
var (
	ErrWalletOpen    = errors.New("wallet already open")
	ErrWalletNotOpen = errors.New("wallet not open")
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Keystore *Keystore
	Gateway  gateway.Gateway
	// Params encrypts created wallets; zero means DefaultParams.
	Params         EncryptionParams
	TrackerOptions []balance.Option
	// OnOpen runs after a wallet started. An error closes the wallet again.
	OnOpen func(ctx context.Context, w *Wallet) error
	// OnClose runs before a wallet is closed.
	OnClose func(w *Wallet)
}

// Manager creates keystore wallets and owns the ones currently unlocked.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]*Wallet
}

// NewManager creates a manager with no open wallets.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Params == (EncryptionParams{}) {
		cfg.Params = DefaultParams()
	}
	return &Manager{cfg: cfg, logger: klog.Wallet, open: make(map[string]*Wallet)}
}

// Create stores a new wallet under name. An empty mnemonic generates one;
// the mnemonic used is returned so it can be backed up.
func (m *Manager) Create(name string, password []byte, mnemonic string) (Entry, string, error) {
	if mnemonic == "" {
		var err error
		if mnemonic, err = GenerateMnemonic(); err != nil {
			return Entry{}, "", err
		}
	}
	seed, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return Entry{}, "", err
	}
	defer wipe(seed)
	e, err := m.cfg.Keystore.Create(name, seed, password, 0, 0, m.cfg.Params)
	if err != nil {
		return Entry{}, "", err
	}
	m.logger.Info().Str("wallet", name).Str("address", e.Address).Msg("Wallet created")
	return e, mnemonic, nil
}

// Available lists the keystore, open or not.
func (m *Manager) Available() ([]Entry, error) {
	return m.cfg.Keystore.List()
}

// Open unlocks name, starts tracking it and runs OnOpen.
func (m *Manager) Open(ctx context.Context, name string, password []byte) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletOpen, name)
	}
	w, err := Open(m.cfg.Keystore, name, password, m.cfg.Gateway, m.cfg.TrackerOptions...)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Close()
		return nil, err
	}
	if m.cfg.OnOpen != nil {
		if err := m.cfg.OnOpen(ctx, w); err != nil {
			w.Close()
			return nil, err
		}
	}
	m.open[name] = w
	return w, nil
}

// Get returns the open wallet id, or nil.
func (m *Manager) Get(id string) *Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[id]
}

// Opened returns the open wallets sorted by id.
func (m *Manager) Opened() []*Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Wallet, 0, len(m.open))
	for _, w := range m.open {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close runs OnClose and closes the open wallet id.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	w, ok := m.open[id]
	delete(m.open, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWalletNotOpen, id)
	}
	if m.cfg.OnClose != nil {
		m.cfg.OnClose(w)
	}
	w.Close()
	m.logger.Info().Str("wallet", id).Msg("Wallet closed")
	return nil
}

// CloseAll closes every open wallet.
func (m *Manager) CloseAll() {
	for _, w := range m.Opened() {
		_ = m.Close(w.ID())
	}
}
