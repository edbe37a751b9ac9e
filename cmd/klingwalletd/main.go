// Klingnet wallet daemon.
//
// Usage:
//
//	klingwalletd [--simnet] [--wallet-open=main]  Run the wallet engine
//	klingwalletd --help                           Show help
//
// Passwords of the wallets in wallet.open are read from the terminal, or
// from KLINGWALLET_PASSWORD when stdin is not a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-wallet/config"
	"github.com/Klingon-tech/klingnet-wallet/internal/node"
)

// passwordEnv holds the wallet password for non-interactive starts.
const passwordEnv = "KLINGWALLET_PASSWORD"

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.OpenWallets(ctx, readPassword); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	n.Stop()
}

func readPassword(name string) ([]byte, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		pw := os.Getenv(passwordEnv)
		if pw == "" {
			return nil, errors.New(passwordEnv + " is not set and stdin is not a terminal")
		}
		return []byte(pw), nil
	}
	fmt.Fprintf(os.Stderr, "Password for wallet %s: ", name)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}
