package scheduler

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/txmgr"
	"github.com/Klingon-tech/klingnet-wallet/internal/unfinished"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

func (s *Scheduler) handle(walletID string) (*Handle, error) {
	h := s.Handle(walletID)
	if h == nil {
		return nil, actions.Errorf(actions.WalletNotSelected, "%w: %q", ErrUnknownWallet, walletID)
	}
	return h, nil
}

// Estimate returns the mass of every transaction action would send,
// without sending anything. Signing a message sends nothing.
func (s *Scheduler) Estimate(ctx context.Context, walletID string, action actions.Action) ([]uint64, error) {
	h, err := s.handle(walletID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, h, action); err != nil {
		return nil, err
	}
	return s.estimate(ctx, h, action)
}

func (s *Scheduler) estimate(ctx context.Context, h *Handle, a actions.Action) ([]uint64, error) {
	sc := h.wallet.SpendContext()
	switch a.Type {
	case actions.TypeTransferKas:
		to, err := types.ParseAddress(a.Transfer.To)
		if err != nil {
			return nil, actions.NewError(actions.InvalidAddress, err)
		}
		out := []tx.Payment{{Address: to, Amount: a.Transfer.Amount}}
		r, err := s.deps.Transactions.BuildAndSend(ctx, sc, out, a.PriorityFee, txmgr.Options{SendAll: a.Transfer.SendAll, EstimateOnly: true})
		if err != nil {
			return nil, err
		}
		return r.Masses, nil

	case actions.TypeCompoundUtxos:
		out := []tx.Payment{{Address: h.wallet.Address()}}
		r, err := s.deps.Transactions.BuildAndSend(ctx, sc, out, a.PriorityFee, txmgr.Options{SendAll: true, EstimateOnly: true})
		if err != nil {
			return nil, err
		}
		return r.Masses, nil

	case actions.TypeSignExternalTransaction:
		p, err := parsePSKT(a.SignExternal.PSKT)
		if err != nil {
			return nil, err
		}
		pending, err := p.Pending()
		if err != nil {
			return nil, actions.NewError(actions.InvalidSignablePayload, err)
		}
		return []uint64{pending.Mass}, nil

	case actions.TypeCommitReveal:
		est, err := s.deps.CommitReveal.Estimate(ctx, s.revealRequest(h, a))
		if err != nil {
			return nil, err
		}
		return est.Masses(), nil
	}
	return nil, nil
}

// Unfinished lists the commit-reveal actions of walletID whose reveal has
// not completed.
func (s *Scheduler) Unfinished(walletID string) ([]unfinished.Record, error) {
	h, err := s.handle(walletID)
	if err != nil {
		return nil, err
	}
	if s.deps.Unfinished == nil {
		return nil, nil
	}
	return s.deps.Unfinished.List(h.wallet.Address())
}

// ResumeUnfinished queues the reveal of every unfinished action of
// walletID, oldest first. Records whose commit output was spent
// elsewhere are abandoned and removed.
func (s *Scheduler) ResumeUnfinished(ctx context.Context, walletID string) ([]<-chan actions.Response, error) {
	h, err := s.handle(walletID)
	if err != nil {
		return nil, err
	}
	if s.deps.Unfinished == nil {
		return nil, nil
	}
	addr := h.wallet.Address()
	recs, err := s.deps.Unfinished.List(addr)
	if err != nil {
		return nil, fmt.Errorf("list unfinished actions: %w", err)
	}

	var out []<-chan actions.Response
	for _, rec := range recs {
		funded, err := s.deps.CommitReveal.HasCommitFunds(ctx, h.wallet, rec.Operation.Protocol, rec.Operation.Payload, rec.CommitTxID)
		if err != nil {
			return out, fmt.Errorf("check commit %s: %w", rec.CommitTxID, err)
		}
		if !funded {
			h.logger.Info().Str("action", rec.ActionID).Stringer("commit", rec.CommitTxID).Msg("Abandoning unfinished action without funds")
			if err := s.deps.Unfinished.Remove(addr, rec.CommitTxID); err != nil {
				return out, err
			}
			continue
		}
		op := rec.Operation
		commitID := rec.CommitTxID
		op.CommitTxID = &commitID
		a := actions.Action{Type: actions.TypeCommitReveal, PriorityFee: rec.PriorityFee, CommitReveal: &op}
		out = append(out, s.Submit(ctx, walletID, a, nil))
	}
	return out, nil
}
