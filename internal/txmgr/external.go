package txmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// SignedExternal is the outcome of SignExternal.
type SignedExternal struct {
	TransactionID types.Hash `json:"transaction_id"`
	// PSKT is the partially-signed transaction with the wallet's
	// signatures added.
	PSKT      []byte `json:"pskt"`
	Submitted bool   `json:"submitted"`
}

// SignExternal adds the wallet's signatures to a partially-signed
// transaction built elsewhere and, when submit is set, submits it. Every
// input must still be unspent.
func (m *Manager) SignExternal(ctx context.Context, sc SpendContext, psktJSON []byte, submit bool) (*SignedExternal, error) {
	if err := sc.validate(); err != nil {
		return nil, err
	}
	pskt, err := tx.ParsePartiallySigned(psktJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignablePayload, err)
	}
	p, err := pskt.Pending()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignablePayload, err)
	}
	if err := m.checkUnspent(ctx, p.Entries); err != nil {
		return nil, err
	}

	if err := sc.Signer.SignStandard(p); err != nil {
		if errors.Is(err, tx.ErrNoOwnedInputs) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSignablePayload, err)
		}
		return nil, fmt.Errorf("sign: %w", err)
	}
	out := &SignedExternal{TransactionID: p.ID()}
	if out.PSKT, err = pskt.Serialize(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if !submit {
		return out, nil
	}

	if !p.IsFullySigned() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignablePayload, tx.ErrNotFullySigned)
	}
	sc.Funds.TrackOutgoing(p)
	if _, err := m.cfg.Gateway.SubmitTransaction(ctx, p.Tx); err != nil {
		sc.Funds.Release(p.ID())
		return nil, fmt.Errorf("submit: %w", err)
	}
	out.Submitted = true
	m.logger.Info().Stringer("txid", out.TransactionID).Msg("External transaction submitted")
	return out, nil
}

// checkUnspent verifies every entry is still in the gateway's UTXO set.
func (m *Manager) checkUnspent(ctx context.Context, entries []tx.UtxoEntry) error {
	var addrs []types.Address
	seen := make(map[types.Address]bool)
	for _, e := range entries {
		addr, ok := e.Script.Address()
		if !ok {
			return fmt.Errorf("%w: input %s has no address", ErrInvalidSignablePayload, e.Outpoint)
		}
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	live, err := m.cfg.Gateway.GetUtxosByAddresses(ctx, addrs)
	if err != nil {
		return fmt.Errorf("fetch utxos: %w", err)
	}
	set := tx.NewEntrySet(live)
	for _, e := range entries {
		if _, ok := set.Entry(e.Outpoint); !ok {
			return fmt.Errorf("%w: %s", ErrAlreadySpent, e.Outpoint)
		}
	}
	return nil
}
