// derive_key.go prints the pubkey and address a mnemonic derives to.
// The mnemonic is read from the file given, one line.
// Usage: go run scripts/derive_key.go [--testnet] [--account N] [--index N] <mnemonic-file>
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Klingon-tech/klingnet-wallet/internal/wallet"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

func main() {
	testnet := flag.Bool("testnet", false, "Use testnet addresses")
	account := flag.Uint("account", 0, "Account number")
	index := flag.Uint("index", 0, "Address index")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: derive_key [--testnet] [--account N] [--index N] <mnemonic-file>")
		os.Exit(1)
	}
	if *testnet {
		types.SetAddressHRP(types.TestnetHRP)
	}
	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	mnemonic := strings.Join(strings.Fields(string(data)), " ")
	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	key, err := wallet.DeriveKey(seed, uint32(*account), uint32(*index))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer key.Zero()
	fmt.Printf("pubkey=%s\n", hex.EncodeToString(key.PublicKey()))
	fmt.Printf("address=%s\n", key.Address().String())
}
