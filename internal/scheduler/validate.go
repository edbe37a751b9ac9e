package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/commitreveal"
	"github.com/Klingon-tech/klingnet-wallet/internal/txmgr"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// validate checks a against its own data and the protocol validators.
func (s *Scheduler) validate(ctx context.Context, h *Handle, a actions.Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	switch a.Type {
	case actions.TypeTransferKas:
		t := a.Transfer
		if !t.SendAll && t.Amount <= txmgr.MinimalAmountToSend {
			return actions.Errorf(actions.InvalidAmount, "amount %d not above %d", t.Amount, txmgr.MinimalAmountToSend)
		}
		if t.To == "" || !types.IsValidAddress(t.To) {
			return actions.Errorf(actions.InvalidAddress, "invalid recipient %q", t.To)
		}

	case actions.TypeCompoundUtxos:
		b := h.wallet.Balance()
		if n := b.MatureUtxoCount + b.PendingUtxoCount; n < 2 {
			return actions.Errorf(actions.NoUtxosToCompound, "%d outputs", n)
		}

	case actions.TypeSignExternalTransaction:
		if _, err := parsePSKT(a.SignExternal.PSKT); err != nil {
			return err
		}

	case actions.TypeSignMessage:
		if a.SignMessage.Message == "" {
			return actions.Errorf(actions.InvalidMessageToSign, "empty message")
		}

	case actions.TypeCommitReveal:
		op := a.CommitReveal
		if op.Protocol == "" || op.Payload == "" {
			return actions.Errorf(actions.InvalidCommitRevealData, "protocol and payload are required")
		}
		// A resumed action already locked its funds; the reveal is the
		// only way to release them, so the payload is not checked again.
		if op.CommitTxID != nil {
			return nil
		}
		if v, ok := s.deps.Validators[op.Protocol]; ok {
			if err := v.Validate(ctx, h.wallet.Address(), op.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkFunds verifies the wallet can afford a. When settle is false,
// pending outputs count as available; otherwise the wallet waits for them
// to mature when the mature balance falls short.
func (s *Scheduler) checkFunds(ctx context.Context, h *Handle, a actions.Action, settle bool) error {
	need, ok, err := requiredAmount(a, h.wallet.Address())
	if err != nil || !ok {
		return err
	}
	b := h.wallet.Balance()
	available := b.Mature
	if !settle {
		available += b.Pending
	} else if available < need && !b.Settled() {
		if err := h.wallet.Tracker().WaitSettled(ctx); err != nil {
			return fmt.Errorf("wait for pending outputs: %w", err)
		}
		available = h.wallet.Balance().Mature
	}
	if available < need {
		return actions.Errorf(actions.InsufficientBalance, "available %d, need %d", available, need)
	}
	return nil
}

// requiredAmount is the smallest mature balance a can be executed with by
// the wallet at owner. ok is false for actions without a floor.
func requiredAmount(a actions.Action, owner types.Address) (need uint64, ok bool, err error) {
	fee := a.PriorityFee
	switch a.Type {
	case actions.TypeTransferKas:
		if a.Transfer.SendAll {
			return txmgr.MinimalAmountToSend + 1, true, nil
		}
		return a.Transfer.Amount + fee + txmgr.MinimalTransactionMass, true, nil

	case actions.TypeCompoundUtxos:
		return fee + txmgr.MinimalAmountToSend, true, nil

	case actions.TypeSignExternalTransaction:
		p, err := parsePSKT(a.SignExternal.PSKT)
		if err != nil {
			return 0, false, err
		}
		// Change paid back to the wallet is not spent.
		var out uint64
		for _, o := range p.Transaction.Outputs {
			if !o.Script.PaysTo(owner) {
				out += o.Value
			}
		}
		return fee + out + txmgr.MinimalAmountToSend, true, nil

	case actions.TypeCommitReveal:
		op := a.CommitReveal
		if op.CommitTxID != nil {
			return revealFee(a) + txmgr.MinimalTransactionMass, true, nil
		}
		return fee + revealFee(a) + 2*txmgr.MinimalTransactionMass + commitreveal.MinimumRevealUtxo +
			op.OperationCost + tx.SumPayments(op.AdditionalOutputs), true, nil
	}
	return 0, false, nil
}

// revealFee is the priority fee of the reveal leg.
func revealFee(a actions.Action) uint64 {
	if a.CommitReveal.RevealPriorityFee > 0 {
		return a.CommitReveal.RevealPriorityFee
	}
	return a.PriorityFee
}

func parsePSKT(data []byte) (*tx.PartiallySigned, error) {
	if len(data) == 0 {
		return nil, actions.NewError(actions.InvalidSignablePayload, errors.New("empty transaction"))
	}
	p, err := tx.ParsePartiallySigned(data)
	if err != nil {
		return nil, actions.NewError(actions.InvalidSignablePayload, err)
	}
	return p, nil
}
