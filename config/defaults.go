package config

import (
	"time"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/indexer"
	"github.com/Klingon-tech/klingnet-wallet/internal/scheduler"
)

// DefaultMainnet returns the default daemon configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Gateway: GatewayConfig{
			URL:               "ws://127.0.0.1:17110",
			ConnectTimeout:    gateway.DefaultConnectTimeout,
			ServerInfoTimeout: gateway.DefaultServerInfoTimeout,
			AcceptTimeout:     2 * time.Minute,
		},
		Simnet: SimnetConfig{
			MineInterval: time.Second,
		},
		Wallet: WalletConfig{
			ApprovalTimeout: scheduler.DefaultApprovalTimeout,
		},
		Indexer: IndexerConfig{
			URL:     "https://api.kasplex.org/v1",
			Timeout: indexer.DefaultTimeout,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8555,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default daemon configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Gateway.URL = "ws://127.0.0.1:17210"
	cfg.Indexer.URL = "https://tn10api.kasplex.org/v1"
	cfg.RPC.Port = 8655
	return cfg
}

// Default returns the default daemon configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
