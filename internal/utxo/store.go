package utxo

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/internal/storage"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// ErrNotFound is returned for outpoints not in the set.
var ErrNotFound = errors.New("utxo not found")

// Key prefixes for the UTXO store.
var (
	prefixUTXO = []byte("u/") // u/<txid><index> -> entry JSON
	prefixAddr = []byte("a/") // a/<version><hash><txid><index> -> empty (index)
)

const addrKeySize = 1 + types.AddressHashSize

// Store implements Set backed by a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// utxoKey builds a storage key for an outpoint: "u/" + txid(32) + index(4).
func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	copy(key, prefixUTXO)
	copy(key[len(prefixUTXO):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixUTXO)+types.HashSize:], op.Index)
	return key
}

// addrPrefix builds the address index prefix: "a/" + version(1) + hash(20).
func addrPrefix(addr types.Address) []byte {
	key := make([]byte, len(prefixAddr)+addrKeySize)
	copy(key, prefixAddr)
	key[len(prefixAddr)] = byte(addr.Version)
	copy(key[len(prefixAddr)+1:], addr.Hash[:])
	return key
}

// addrKey builds an address index key: addrPrefix + txid(32) + index(4).
func addrKey(addr types.Address, op types.Outpoint) []byte {
	key := append(addrPrefix(addr), op.TxID[:]...)
	return binary.BigEndian.AppendUint32(key, op.Index)
}

// Get retrieves an entry by its outpoint.
func (s *Store) Get(outpoint types.Outpoint) (tx.UtxoEntry, error) {
	data, err := s.db.Get(utxoKey(outpoint))
	if errors.Is(err, storage.ErrNotFound) {
		return tx.UtxoEntry{}, fmt.Errorf("%w: %s", ErrNotFound, outpoint)
	}
	if err != nil {
		return tx.UtxoEntry{}, fmt.Errorf("utxo get: %w", err)
	}
	var e tx.UtxoEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return tx.UtxoEntry{}, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return e, nil
}

// Entry implements tx.EntryLookup.
func (s *Store) Entry(op types.Outpoint) (tx.UtxoEntry, bool) {
	e, err := s.Get(op)
	return e, err == nil
}

// Put stores an entry and updates the address index.
func (s *Store) Put(e tx.UtxoEntry) error {
	return s.write(s.db, nil, []tx.UtxoEntry{e})
}

// Delete removes an entry and its address index key.
func (s *Store) Delete(outpoint types.Outpoint) error {
	return s.write(s.db, []types.Outpoint{outpoint}, nil)
}

// Apply removes spent and adds created in one batch when the database
// supports it.
func (s *Store) Apply(spent []types.Outpoint, created []tx.UtxoEntry) error {
	batcher, ok := s.db.(storage.Batcher)
	if !ok {
		return s.write(s.db, spent, created)
	}
	b := batcher.NewBatch()
	if err := s.write(b, spent, created); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("utxo apply: %w", err)
	}
	return nil
}

type writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

func (s *Store) write(w writer, spent []types.Outpoint, created []tx.UtxoEntry) error {
	for _, op := range spent {
		// Read first to clean up the address index.
		if e, err := s.Get(op); err == nil {
			if addr, ok := e.Script.Address(); ok {
				if err := w.Delete(addrKey(addr, op)); err != nil {
					return fmt.Errorf("utxo index delete: %w", err)
				}
			}
		}
		if err := w.Delete(utxoKey(op)); err != nil {
			return fmt.Errorf("utxo delete: %w", err)
		}
	}
	for _, e := range created {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("utxo marshal: %w", err)
		}
		if err := w.Put(utxoKey(e.Outpoint), data); err != nil {
			return fmt.Errorf("utxo put: %w", err)
		}
		if addr, ok := e.Script.Address(); ok {
			if err := w.Put(addrKey(addr, e.Outpoint), []byte{}); err != nil {
				return fmt.Errorf("utxo index put: %w", err)
			}
		}
	}
	return nil
}

// Has checks if an entry exists for the given outpoint.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	return s.db.Has(utxoKey(outpoint))
}

// ForEach iterates over all entries in the store.
func (s *Store) ForEach(fn func(tx.UtxoEntry) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		var e tx.UtxoEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(e)
	})
}

// ClearAll removes all entries and their address index.
func (s *Store) ClearAll() error {
	var keys [][]byte
	for _, prefix := range [][]byte{prefixUTXO, prefixAddr} {
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			keys = append(keys, append([]byte(nil), key...))
			return nil
		}); err != nil {
			return fmt.Errorf("scan prefix %s: %w", prefix, err)
		}
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete utxo key: %w", err)
		}
	}
	return nil
}

// GetByAddress returns all entries paying to the given address.
// It scans the address index and loads each referenced entry.
func (s *Store) GetByAddress(addr types.Address) ([]tx.UtxoEntry, error) {
	prefix := addrPrefix(addr)

	var entries []tx.UtxoEntry
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		off := len(prefix)
		if len(key) < off+types.HashSize+4 {
			return nil // Malformed key, skip.
		}
		var op types.Outpoint
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		e, err := s.Get(op)
		if err != nil {
			return nil // Spent concurrently, skip.
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan address index: %w", err)
	}
	return entries, nil
}

// Balance returns the total value held by addr.
func (s *Store) Balance(addr types.Address) (uint64, error) {
	entries, err := s.GetByAddress(addr)
	if err != nil {
		return 0, err
	}
	return tx.SumAmounts(entries), nil
}
