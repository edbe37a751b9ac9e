package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Version is the daemon version reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Gateway
	GatewayURL    string
	AcceptTimeout time.Duration

	// Simnet
	Simnet       bool
	SimnetFaucet string

	// Wallet
	Open            string
	ApprovalTimeout time.Duration
	AutoApprove     bool
	PriorityFee     string

	// Indexer
	IndexerURL string

	// RPC
	RPC        bool
	RPCAddr    string
	RPCPort    int
	RPCAllowed string
	RPCCORS    string

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetSimnet      bool
	SetAutoApprove bool
	SetRPC         bool
	SetMetrics     bool
	SetLogJSON     bool
}

// ParseFlags parses the process command line, exiting on error.
func ParseFlags() *Flags {
	f, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

func parseFlags(args []string, output io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingwalletd", flag.ContinueOnError)
	fs.SetOutput(output)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Gateway
	fs.StringVar(&f.GatewayURL, "gateway", "", "Chain node websocket URL")
	fs.DurationVar(&f.AcceptTimeout, "accept-timeout", 0, "Wait for a sent transaction to be accepted")

	// Simnet
	fs.BoolVar(&f.Simnet, "simnet", false, "Use an in-process simulated node")
	fs.StringVar(&f.SimnetFaucet, "simnet-faucet", "", "Coins credited to every wallet on the simulated node")

	// Wallet
	fs.StringVar(&f.Open, "open", "", "Keystore names to unlock at startup (comma-separated)")
	fs.DurationVar(&f.ApprovalTimeout, "approval-timeout", 0, "How long an action waits for approval")
	fs.BoolVar(&f.AutoApprove, "autoapprove", false, "Approve every action without asking")
	fs.StringVar(&f.PriorityFee, "priority-fee", "", "Priority fee in coins added to every transaction")

	// Indexer
	fs.StringVar(&f.IndexerURL, "indexer", "", "Token index service URL")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", true, "Enable RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for RPC")
	fs.StringVar(&f.RPCCORS, "rpc-cors", "", "Allowed CORS origins for RPC (comma-separated)")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve Prometheus metrics")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Separate listen address for metrics")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage(output)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetSimnet = isFlagSet(fs, "simnet")
	f.SetAutoApprove = isFlagSet(fs, "autoapprove")
	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// A positional argument stops the parser; anything flag-like after it
	// was silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) error {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// Gateway
	if f.GatewayURL != "" {
		cfg.Gateway.URL = f.GatewayURL
	}
	if f.AcceptTimeout != 0 {
		cfg.Gateway.AcceptTimeout = f.AcceptTimeout
	}

	// Simnet
	if f.SetSimnet {
		cfg.Simnet.Enabled = f.Simnet
	}
	if f.SimnetFaucet != "" {
		amount, err := types.ParseAmount(f.SimnetFaucet)
		if err != nil {
			return fmt.Errorf("--simnet-faucet: %w", err)
		}
		cfg.Simnet.Faucet = amount
	}

	// Wallet
	if f.Open != "" {
		cfg.Wallet.Open = parseStringList(f.Open)
	}
	if f.ApprovalTimeout != 0 {
		cfg.Wallet.ApprovalTimeout = f.ApprovalTimeout
	}
	if f.SetAutoApprove {
		cfg.Wallet.AutoApprove = f.AutoApprove
	}
	if f.PriorityFee != "" {
		fee, err := types.ParseAmount(f.PriorityFee)
		if err != nil {
			return fmt.Errorf("--priority-fee: %w", err)
		}
		cfg.Wallet.PriorityFee = fee
	}

	// Indexer
	if f.IndexerURL != "" {
		cfg.Indexer.URL = f.IndexerURL
	}

	// RPC
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
	return nil
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage(w io.Writer) {
	usage := `Klingnet Wallet - transaction engine daemon for UTXO wallets

Usage:
  klingwalletd [options]
  klingwalletd --help

Commands:
  --help, -h        Show this help message
  --version, -v     Show version information

Core Options:
  --network         Network type: mainnet (default) or testnet
  --testnet         Shorthand for --network=testnet
  --datadir         Data directory (default: ~/.klingwallet)
  --config, -c      Config file path (default: <datadir>/klingwallet.conf)

Gateway Options:
  --gateway         Chain node websocket URL
  --accept-timeout  Wait for a sent transaction to be accepted (default: 2m)
  --simnet          Use an in-process simulated node (development)
  --simnet-faucet   Coins credited to every wallet on the simulated node

Wallet Options:
  --open              Keystore names to unlock at startup (comma-separated)
  --approval-timeout  How long an action waits for approval (default: 5m)
  --autoapprove       Approve every action without asking
  --priority-fee      Priority fee in coins added to every transaction

Indexer Options:
  --indexer         Token index service URL

RPC Options:
  --rpc             Enable RPC server (default: true)
  --rpc-addr        RPC listen address (default: 127.0.0.1)
  --rpc-port        RPC port (mainnet: 8555, testnet: 8655)
  --rpc-allowed     Allowed IPs for RPC (comma-separated)
  --rpc-cors        Allowed CORS origins for RPC (comma-separated)

Metrics Options:
  --metrics         Serve Prometheus metrics at /metrics
  --metrics-addr    Separate listen address for metrics (default: RPC server)

Logging Options:
  --log-level       Log level: debug, info, warn, error (default: info)
  --log-file        Log file path (default: stdout)
  --log-json        Output logs as JSON

Examples:
  # Start against a local node and unlock the "main" wallet
  klingwalletd --open=main

  # Start on testnet
  klingwalletd --testnet

  # Develop against a simulated node
  klingwalletd --simnet --simnet-faucet=1000 --autoapprove --open=main
`
	fmt.Fprint(w, usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("klingwalletd version " + Version)
		os.Exit(0)
	}

	cfg, err := load(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

func load(flags *Flags) (*Config, error) {
	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.EqualFold(flags.Network, string(Testnet)) {
		network = Testnet
	}

	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	// Flags have the highest precedence.
	if err := ApplyFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("applying flags: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. It is safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.NetworkDataDir(),
		cfg.KeystoreDir(),
		cfg.StateDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
