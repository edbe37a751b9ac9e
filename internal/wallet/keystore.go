package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
)

const (
	keystoreVersion = 1
	keystoreExt     = ".wallet"
)

// Keystore errors.
var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletExists   = errors.New("wallet already exists")
	ErrInvalidName    = errors.New("invalid wallet name")
)

// keystoreFile is the on-disk JSON form of one wallet.
type keystoreFile struct {
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	EncryptedSeed []byte    `json:"encrypted_seed"`
	Account       uint32    `json:"account"`
	Index         uint32    `json:"index"`
	// Address is kept in clear so a wallet can be listed without its
	// password.
	Address string `json:"address"`
}

// Entry describes a stored wallet.
type Entry struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Account   uint32    `json:"account"`
	Index     uint32    `json:"index"`
	CreatedAt time.Time `json:"created_at"`
}

// Keystore stores encrypted wallets as files in a directory.
type Keystore struct {
	dir string
}

// NewKeystore opens the keystore at dir, creating it if needed.
func NewKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{dir: dir}, nil
}

func (ks *Keystore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(ks.dir, name+keystoreExt), nil
}

// Create stores seed under name, encrypted with password. The wallet
// signs with the key at account and index.
func (ks *Keystore) Create(name string, seed, password []byte, account, index uint32, params EncryptionParams) (Entry, error) {
	path, err := ks.path(name)
	if err != nil {
		return Entry{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrWalletExists, name)
	}
	key, err := DeriveKey(seed, account, index)
	if err != nil {
		return Entry{}, err
	}
	defer key.Zero()
	sealed, err := Encrypt(seed, password, params)
	if err != nil {
		return Entry{}, fmt.Errorf("encrypt seed: %w", err)
	}
	kf := &keystoreFile{
		Version:       keystoreVersion,
		CreatedAt:     time.Now().UTC(),
		EncryptedSeed: sealed,
		Account:       account,
		Index:         index,
		Address:       key.Address().String(),
	}
	if err := writeFile(path, kf); err != nil {
		return Entry{}, err
	}
	return kf.entry(name), nil
}

// Unlock decrypts name and returns its signing key.
func (ks *Keystore) Unlock(name string, password []byte) (*crypto.PrivateKey, error) {
	kf, err := ks.read(name)
	if err != nil {
		return nil, err
	}
	seed, err := Decrypt(kf.EncryptedSeed, password)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", name, err)
	}
	defer wipe(seed)
	return DeriveKey(seed, kf.Account, kf.Index)
}

// Info returns the metadata of name without decrypting it.
func (ks *Keystore) Info(name string) (Entry, error) {
	kf, err := ks.read(name)
	if err != nil {
		return Entry{}, err
	}
	return kf.entry(name), nil
}

// List returns every stored wallet, sorted by name.
func (ks *Keystore) List() ([]Entry, error) {
	files, err := os.ReadDir(ks.dir)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != keystoreExt {
			continue
		}
		e, err := ks.Info(strings.TrimSuffix(f.Name(), keystoreExt))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes name.
func (ks *Keystore) Delete(name string) error {
	path, err := ks.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, name)
	} else if err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	return nil
}

func (ks *Keystore) read(name string) (*keystoreFile, error) {
	path, err := ks.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse wallet %s: %w", name, err)
	}
	if kf.Version != keystoreVersion {
		return nil, fmt.Errorf("wallet %s: unsupported version %d", name, kf.Version)
	}
	return &kf, nil
}

func (kf *keystoreFile) entry(name string) Entry {
	return Entry{Name: name, Address: kf.Address, Account: kf.Account, Index: kf.Index, CreatedAt: kf.CreatedAt}
}

func writeFile(path string, kf *keystoreFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	return nil
}
