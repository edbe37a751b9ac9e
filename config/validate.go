package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if !cfg.Simnet.Enabled {
		if err := validateURL(cfg.Gateway.URL, "gateway.url", "ws", "wss"); err != nil {
			return err
		}
	}
	if cfg.Indexer.URL != "" {
		if err := validateURL(cfg.Indexer.URL, "indexer.url", "http", "https"); err != nil {
			return err
		}
	}
	if cfg.Gateway.ConnectTimeout < 0 || cfg.Gateway.ServerInfoTimeout < 0 || cfg.Gateway.AcceptTimeout < 0 {
		return fmt.Errorf("gateway timeouts must not be negative")
	}
	if cfg.Wallet.ApprovalTimeout <= 0 {
		return fmt.Errorf("wallet.approval_timeout must be positive")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	for i, ip := range cfg.RPC.AllowedIPs {
		if _, _, err := net.ParseCIDR(ip); err == nil {
			continue
		}
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("rpc.allowed[%d] %q is not an IP or CIDR", i, ip)
		}
	}
	if cfg.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Wallet.Open))
	for _, name := range cfg.Wallet.Open {
		if _, ok := seen[name]; ok {
			return fmt.Errorf("wallet.open lists %q twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func validateURL(raw, field string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL", field, strings.Join(schemes, " or "))
}
