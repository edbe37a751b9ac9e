package scheduler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/commitreveal"
	"github.com/Klingon-tech/klingnet-wallet/internal/txmgr"
	"github.com/Klingon-tech/klingnet-wallet/internal/unfinished"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// execute performs an approved action.
func (s *Scheduler) execute(ctx context.Context, h *Handle, e *entry, a actions.Action) (*actions.Result, error) {
	switch a.Type {
	case actions.TypeTransferKas:
		return s.transfer(ctx, h, a)
	case actions.TypeCompoundUtxos:
		return s.compound(ctx, h, a)
	case actions.TypeSignExternalTransaction:
		return s.signExternal(ctx, h, a)
	case actions.TypeSignMessage:
		return signMessage(h, a)
	case actions.TypeCommitReveal:
		return s.commitReveal(ctx, h, e, a)
	}
	return nil, actions.Errorf(actions.InvalidActionType, "unknown action type %q", a.Type)
}

func paymentResult(r *txmgr.Result) *actions.Result {
	id := r.FinalTransactionID
	return &actions.Result{
		TransactionID:  &id,
		TransactionIDs: r.TransactionIDs,
		Amount:         r.FinalAmount,
		Fees:           r.Fees,
	}
}

func (s *Scheduler) transfer(ctx context.Context, h *Handle, a actions.Action) (*actions.Result, error) {
	t := a.Transfer
	to, err := types.ParseAddress(t.To)
	if err != nil {
		return nil, actions.NewError(actions.InvalidAddress, err)
	}
	out := []tx.Payment{{Address: to, Amount: t.Amount}}
	r, err := s.deps.Transactions.BuildAndSend(ctx, h.wallet.SpendContext(), out, a.PriorityFee, txmgr.Options{SendAll: t.SendAll})
	if err != nil {
		return nil, err
	}
	res := paymentResult(r)
	res.To = t.To
	res.SendAll = t.SendAll
	return res, nil
}

// compound merges every output of the wallet into one paid to itself.
func (s *Scheduler) compound(ctx context.Context, h *Handle, a actions.Action) (*actions.Result, error) {
	w := h.wallet
	if err := w.Tracker().WaitSettled(ctx); err != nil {
		return nil, fmt.Errorf("wait for pending outputs: %w", err)
	}
	if n := w.Balance().MatureUtxoCount; n < 2 {
		return nil, actions.Errorf(actions.NoUtxosToCompound, "%d mature outputs", n)
	}
	out := []tx.Payment{{Address: w.Address()}}
	r, err := s.deps.Transactions.BuildAndSend(ctx, w.SpendContext(), out, a.PriorityFee, txmgr.Options{SendAll: true})
	if err != nil {
		return nil, err
	}
	res := paymentResult(r)
	res.To = w.Address().String()
	return res, nil
}

func (s *Scheduler) signExternal(ctx context.Context, h *Handle, a actions.Action) (*actions.Result, error) {
	r, err := s.deps.Transactions.SignExternal(ctx, h.wallet.SpendContext(), a.SignExternal.PSKT, a.SignExternal.Submit)
	if err != nil {
		return nil, err
	}
	id := r.TransactionID
	return &actions.Result{TransactionID: &id, PSKT: json.RawMessage(r.PSKT)}, nil
}

func signMessage(h *Handle, a actions.Action) (*actions.Result, error) {
	msg := a.SignMessage.Message
	sig, err := h.wallet.Signer().SignMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return &actions.Result{SignedMessage: &actions.SignedMessage{
		OriginalMessage: msg,
		Signature:       sig,
		PublicKey:       hex.EncodeToString(h.wallet.PublicKey()),
	}}, nil
}

// revealRequest translates a commit-reveal action for the engine.
func (s *Scheduler) revealRequest(h *Handle, a actions.Action) commitreveal.Request {
	op := a.CommitReveal
	req := commitreveal.Request{
		Wallet:            h.wallet,
		Protocol:          op.Protocol,
		Payload:           op.Payload,
		OperationCost:     op.OperationCost,
		PriorityFee:       a.PriorityFee,
		RevealPriorityFee: revealFee(a),
		AdditionalOutputs: op.AdditionalOutputs,
		CommitTxID:        fn.OptionFromPtr(op.CommitTxID),
	}
	if len(op.AdditionalOutputs) > 0 {
		req.RevealMassEstimate = commitreveal.EstimatedListRevealMass
	}
	return req
}

// commitReveal runs both legs. The action is persisted as unfinished as
// soon as its commit id is known and removed once the reveal was sent or
// the commit never left the wallet.
func (s *Scheduler) commitReveal(ctx context.Context, h *Handle, e *entry, a actions.Action) (*actions.Result, error) {
	op := a.CommitReveal
	addr := h.wallet.Address()
	resumed := op.CommitTxID != nil
	if resumed {
		e.progress.step()
	}

	persisted := fn.None[types.Hash]()
	req := s.revealRequest(h, a)
	req.NotifyUpdate = func(ctx context.Context, st commitreveal.State) error {
		e.progress.step()
		if resumed || persisted.IsSome() || st.CommitTxID.IsNone() || s.deps.Unfinished == nil {
			return nil
		}
		rec := unfinished.Record{
			ActionID:    e.id,
			Wallet:      addr,
			CommitTxID:  st.CommitTxID.UnsafeFromSome(),
			Operation:   *op,
			PriorityFee: a.PriorityFee,
			CreatedAt:   s.clock.Now(),
		}
		if err := s.deps.Unfinished.Put(rec); err != nil {
			return fmt.Errorf("persist unfinished action: %w", err)
		}
		persisted = fn.Some(rec.CommitTxID)
		return nil
	}

	st, err := s.deps.CommitReveal.Run(ctx, req)
	if err != nil {
		var revealErr *commitreveal.RevealError
		if !errors.As(err, &revealErr) && st.CommitTxID.IsNone() {
			s.forget(h, addr, persisted, e.id)
		}
		return nil, err
	}

	commitID := st.CommitTxID.UnsafeFromSome()
	revealID := st.RevealTxID.UnsafeFromSome()
	s.forget(h, addr, st.CommitTxID, e.id)
	return &actions.Result{
		TransactionID:  &revealID,
		TransactionIDs: []types.Hash{commitID, revealID},
		CommitTxID:     &commitID,
		RevealTxID:     &revealID,
		Protocol:       op.Protocol,
		Payload:        op.Payload,
	}, nil
}

// forget removes the unfinished record of commitID.
func (s *Scheduler) forget(h *Handle, addr types.Address, commitID fn.Option[types.Hash], actionID string) {
	if s.deps.Unfinished == nil {
		return
	}
	commitID.WhenSome(func(id types.Hash) {
		if err := s.deps.Unfinished.Remove(addr, id); err != nil {
			h.logger.Warn().Err(err).Str("action", actionID).Stringer("commit", id).Msg("Cannot remove unfinished action")
		}
	})
}
