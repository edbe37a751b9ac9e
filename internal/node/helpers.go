package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-wallet/config"
	"github.com/Klingon-tech/klingnet-wallet/internal/indexer"
	"github.com/Klingon-tech/klingnet-wallet/internal/krc20"
	"github.com/Klingon-tech/klingnet-wallet/internal/scheduler"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// newValidators builds the commit-reveal payload validators. Without an
// index service payloads are not checked before queueing.
func newValidators(cfg config.IndexerConfig) map[string]scheduler.PayloadValidator {
	if cfg.URL == "" {
		return nil
	}
	index := indexer.NewWithTimeout(cfg.URL, cfg.Timeout)
	return map[string]scheduler.PayloadValidator{
		krc20.Protocol: krc20.NewValidator(index),
	}
}

// wipe zeroes a password buffer.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
