package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip32"

	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
)

// Derivation path m/44'/111111'/account'/0/index.
const (
	PurposeBIP44 = bip32.FirstHardenedChild + 44
	CoinType     = bip32.FirstHardenedChild + 111111
	// ChangeExternal is the receive branch; wallets never derive change
	// addresses since change returns to the receive address.
	ChangeExternal = 0
)

// DeriveKey returns the signing key at account and index under seed.
func DeriveKey(seed []byte, account, index uint32) (*crypto.PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	k, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, child := range []uint32{PurposeBIP44, CoinType, bip32.FirstHardenedChild + account, ChangeExternal, index} {
		if k, err = k.NewChildKey(child); err != nil {
			return nil, fmt.Errorf("derive child %d: %w", child, err)
		}
	}
	// bip32 stores private keys with a leading zero byte.
	raw := k.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}
