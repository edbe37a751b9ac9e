// Package unfinished persists commit-reveal actions whose commit was sent
// but whose reveal has not completed, so they can be resumed.
package unfinished

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/storage"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

var keyPrefix = []byte("unfinished/")

// ErrNotFound is returned for an unknown record.
var ErrNotFound = errors.New("unfinished action not found")

// Record is one unfinished commit-reveal action.
type Record struct {
	ActionID    string               `json:"action_id"`
	Wallet      types.Address        `json:"wallet"`
	CommitTxID  types.Hash           `json:"commit_tx_id"`
	Operation   actions.CommitReveal `json:"operation"`
	PriorityFee uint64               `json:"priority_fee,string"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Store keeps records in a key-value database, one namespace per wallet
// address, keyed by commit id.
type Store struct {
	mu sync.Mutex
	db storage.DB
}

// New creates a store over db.
func New(db storage.DB) *Store {
	return &Store{db: db}
}

func (s *Store) wallet(addr types.Address) *storage.PrefixDB {
	return storage.NewPrefixDB(s.db, keyPrefix).Sub(addr.String())
}

// Put saves rec, replacing a record with the same commit id.
func (s *Store) Put(rec Record) error {
	if rec.CommitTxID.IsZero() {
		return fmt.Errorf("unfinished record without commit id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet(rec.Wallet).Put(rec.CommitTxID.Bytes(), data)
}

// Get returns the record of commitID.
func (s *Store) Get(addr types.Address, commitID types.Hash) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.wallet(addr).Get(commitID.Bytes())
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, commitID)
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", commitID, err)
	}
	return rec, nil
}

// List returns the records of addr, oldest first.
func (s *Store) List(addr types.Address) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	err := s.wallet(addr).ForEach(nil, func(key, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record %x: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Remove deletes the record of commitID. Removing a missing record is not
// an error.
func (s *Store) Remove(addr types.Address, commitID types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.wallet(addr).Delete(commitID.Bytes())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
