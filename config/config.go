// Package config handles wallet daemon configuration.
//
// Settings come from three layers, later layers winning:
//   - Defaults per network
//   - The klingwallet.conf file in the data directory
//   - Command-line flags
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// ConfigFileName is the name of the config file inside the data directory.
const ConfigFileName = "klingwallet.conf"

// Config holds the daemon runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Chain node connection
	Gateway GatewayConfig

	// Simulated in-process node (development)
	Simnet SimnetConfig

	// Wallets and action approval
	Wallet WalletConfig

	// Token index service
	Indexer IndexerConfig

	// RPC server
	RPC RPCConfig

	// Prometheus metrics
	Metrics MetricsConfig

	// Logging
	Log LogConfig
}

// GatewayConfig holds the chain node connection settings.
type GatewayConfig struct {
	URL               string        `conf:"gateway.url"`
	ConnectTimeout    time.Duration `conf:"gateway.connect_timeout"`
	ServerInfoTimeout time.Duration `conf:"gateway.serverinfo_timeout"`
	AcceptTimeout     time.Duration `conf:"gateway.accept_timeout"` // Wait for a sent transaction to be accepted.
}

// SimnetConfig replaces the remote node with an in-process simulated one.
type SimnetConfig struct {
	Enabled      bool          `conf:"simnet.enabled"`
	MineInterval time.Duration `conf:"simnet.mine_interval"`
	Faucet       uint64        `conf:"simnet.faucet"` // Base units credited to every opened wallet.
}

// WalletConfig holds wallet and approval settings.
type WalletConfig struct {
	Open            []string      `conf:"wallet.open"` // Keystore names unlocked at startup.
	ApprovalTimeout time.Duration `conf:"wallet.approval_timeout"`
	AutoApprove     bool          `conf:"wallet.autoapprove"`
	PriorityFee     uint64        `conf:"wallet.priority_fee"` // Base units; written as a coin amount.
	Maturity        uint64        `conf:"wallet.maturity"`     // DAA depth before wallet outputs are spendable.
}

// IndexerConfig holds token index service settings.
type IndexerConfig struct {
	URL     string        `conf:"indexer.url"`
	Timeout time.Duration `conf:"indexer.timeout"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// MetricsConfig holds the Prometheus endpoint settings. With an empty Addr
// the metrics are served on the RPC server.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingwallet
//	macOS:   ~/Library/Application Support/Klingwallet
//	Windows: %APPDATA%\Klingwallet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingwallet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingwallet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingwallet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingwallet")
	default:
		return filepath.Join(home, ".klingwallet")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// StateDir returns the database directory holding unfinished actions.
func (c *Config) StateDir() string {
	return filepath.Join(c.NetworkDataDir(), "state")
}

// SimnetDir returns the ledger directory of the simulated node.
func (c *Config) SimnetDir() string {
	return filepath.Join(c.NetworkDataDir(), "simnet")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, ConfigFileName)
}

// RPCEndpoint returns the URL clients reach the RPC server at.
func (c *Config) RPCEndpoint() string {
	return "http://" + c.RPC.Addr + ":" + strconv.Itoa(c.RPC.Port)
}
