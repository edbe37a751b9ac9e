package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// LoadFile loads daemon configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Gateway
	case "gateway.url", "gateway":
		cfg.Gateway.URL = value
	case "gateway.connect_timeout":
		cfg.Gateway.ConnectTimeout, err = time.ParseDuration(value)
	case "gateway.serverinfo_timeout":
		cfg.Gateway.ServerInfoTimeout, err = time.ParseDuration(value)
	case "gateway.accept_timeout":
		cfg.Gateway.AcceptTimeout, err = time.ParseDuration(value)

	// Simnet
	case "simnet.enabled", "simnet":
		cfg.Simnet.Enabled = parseBool(value)
	case "simnet.mine_interval":
		cfg.Simnet.MineInterval, err = time.ParseDuration(value)
	case "simnet.faucet":
		cfg.Simnet.Faucet, err = types.ParseAmount(value)

	// Wallet
	case "wallet.open":
		cfg.Wallet.Open = parseStringList(value)
	case "wallet.approval_timeout":
		cfg.Wallet.ApprovalTimeout, err = time.ParseDuration(value)
	case "wallet.autoapprove":
		cfg.Wallet.AutoApprove = parseBool(value)
	case "wallet.priority_fee":
		cfg.Wallet.PriorityFee, err = types.ParseAmount(value)
	case "wallet.maturity":
		cfg.Wallet.Maturity, err = strconv.ParseUint(value, 10, 64)

	// Indexer
	case "indexer.url", "indexer":
		cfg.Indexer.URL = value
	case "indexer.timeout":
		cfg.Indexer.Timeout, err = time.ParseDuration(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		cfg.RPC.Port, err = strconv.Atoi(value)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	def := Default(network)
	content := `# Klingnet Wallet Daemon Configuration

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingwallet)
# datadir = ~/.klingwallet

# ============================================================================
# Chain Node
# ============================================================================

gateway.url = ` + def.Gateway.URL + `
# gateway.connect_timeout = 20s
# gateway.serverinfo_timeout = 5s
# gateway.accept_timeout = 2m

# Run against an in-process simulated node instead (development only)
# simnet.enabled = false
# simnet.mine_interval = 1s
# Coins credited to every wallet opened on the simulated node
# simnet.faucet = 100

# ============================================================================
# Wallets
# ============================================================================

# Keystore names unlocked at startup (comma-separated, prompts for passwords)
# wallet.open = main

# How long an action waits for approval
wallet.approval_timeout = 5m

# Approve every action without asking (headless use only)
wallet.autoapprove = false

# Priority fee added to every transaction, in coins
# wallet.priority_fee = 0

# DAA depth before wallet outputs are spendable
# wallet.maturity = 0

# ============================================================================
# Token Index Service
# ============================================================================

indexer.url = ` + def.Indexer.URL + `
# indexer.timeout = 10s

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(def.RPC.Port) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000

# ============================================================================
# Metrics
# ============================================================================

# Serve Prometheus metrics at /metrics (on the RPC server unless an address is set)
metrics.enabled = false
# metrics.addr = 127.0.0.1:9555

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
