// Package commitreveal runs protocol operations as a commit transaction
// funding an envelope script address and a reveal transaction spending it.
package commitreveal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/internal/txmgr"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Amounts and mass estimates of the reveal leg.
const (
	// MinimumRevealUtxo is the smallest commit output.
	MinimumRevealUtxo = 30_000_000
	// EstimatedRevealMass is the mass of a plain reveal.
	EstimatedRevealMass = 1715
	// EstimatedListRevealMass is the mass of a reveal paying a listing
	// output.
	EstimatedListRevealMass = 3274
)

// Engine errors.
var (
	ErrInvalidData        = errors.New("invalid commit-reveal data")
	ErrCommitUtxoNotFound = errors.New("commit output not found at script address")
)

// RevealError is a failure of the reveal leg after the commit succeeded.
// CommitTxID is what a retry resumes from.
type RevealError struct {
	CommitTxID types.Hash
	Err        error
}

func (e *RevealError) Error() string {
	return fmt.Sprintf("reveal after commit %s: %v", e.CommitTxID, e.Err)
}

func (e *RevealError) Unwrap() error { return e.Err }

// Wallet is the spender of both legs.
type Wallet interface {
	SpendContext() txmgr.SpendContext
	PublicKey() []byte
}

// State accumulates the ids of the legs. A reveal id is only set once the
// commit id is.
type State struct {
	CommitTxID fn.Option[types.Hash]
	RevealTxID fn.Option[types.Hash]
}

// Done reports whether both legs were sent.
func (s State) Done() bool {
	return s.CommitTxID.IsSome() && s.RevealTxID.IsSome()
}

// Request describes one operation.
type Request struct {
	Wallet   Wallet
	Protocol string
	Payload  string
	// OperationCost is the protocol price, paid as fee by the reveal.
	OperationCost uint64
	// PriorityFee applies to the commit leg, RevealPriorityFee to the
	// reveal leg.
	PriorityFee       uint64
	RevealPriorityFee uint64
	// AdditionalOutputs are funded by the commit and paid by the reveal.
	AdditionalOutputs []tx.Payment
	// CommitTxID skips the commit leg: the reveal spends the output of
	// this transaction.
	CommitTxID fn.Option[types.Hash]
	// RevealTxID marks the operation as already revealed.
	RevealTxID fn.Option[types.Hash]
	// RevealMassEstimate is reported by Estimate; zero means
	// EstimatedRevealMass.
	RevealMassEstimate uint64
	// NotifyUpdate receives the partial state as soon as each leg's id is
	// known, before it is submitted.
	NotifyUpdate func(ctx context.Context, s State) error
}

func (r Request) validate() error {
	if r.Wallet == nil {
		return fmt.Errorf("%w: no wallet", ErrInvalidData)
	}
	if r.RevealTxID.IsSome() && r.CommitTxID.IsNone() {
		return fmt.Errorf("%w: reveal id without commit id", ErrInvalidData)
	}
	return nil
}

// CommitAmount is the value the commit leg locks at the script address.
func (r Request) CommitAmount() uint64 {
	return max(uint64(MinimumRevealUtxo), r.OperationCost) + tx.SumPayments(r.AdditionalOutputs)
}

// Estimate holds per-leg masses. Commit is empty when resuming.
type Estimate struct {
	Commit []uint64 `json:"commit"`
	Reveal uint64   `json:"reveal"`
}

// Masses flattens the estimate in submission order.
func (e Estimate) Masses() []uint64 {
	return append(append([]uint64(nil), e.Commit...), e.Reveal)
}

// Config configures an Engine.
type Config struct {
	Gateway      gateway.Gateway
	Transactions *txmgr.Manager
	// Lookup retries locating the commit output; nil means five attempts
	// a second apart.
	Lookup txmgr.RetryPolicy
}

// Engine runs commit-reveal operations. One wallet must not run two
// operations concurrently.
type Engine struct {
	gw     gateway.Gateway
	txs    *txmgr.Manager
	lookup txmgr.RetryPolicy
	logger zerolog.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = txmgr.ConstantRetry(5, time.Second)
	}
	return &Engine{gw: cfg.Gateway, txs: cfg.Transactions, lookup: lookup, logger: klog.CommitReveal}
}

// Run executes the legs still missing from req and returns the final
// state. A commit failure returns before anything reveal-specific is
// done; a reveal failure is a *RevealError.
func (e *Engine) Run(ctx context.Context, req Request) (State, error) {
	state := State{CommitTxID: req.CommitTxID, RevealTxID: req.RevealTxID}
	if err := req.validate(); err != nil {
		return state, err
	}
	script, err := BuildScript(req.Protocol, req.Payload, req.Wallet.PublicKey())
	if err != nil {
		return state, err
	}
	sc := req.Wallet.SpendContext()
	logger := e.logger.With().Str("protocol", req.Protocol).Str("script", script.Address.String()).Logger()

	if state.CommitTxID.IsNone() {
		out := []tx.Payment{{Address: script.Address, Amount: req.CommitAmount()}}
		res, err := e.txs.BuildAndSend(ctx, sc, out, req.PriorityFee, txmgr.Options{
			NotifyCreated: func(ctx context.Context, id types.Hash) error {
				state.CommitTxID = fn.Some(id)
				return notify(ctx, req, state)
			},
		})
		if err != nil {
			// A commit that was never submitted leaves nothing to resume.
			if !submitted(res) {
				state.CommitTxID = fn.None[types.Hash]()
			}
			return state, fmt.Errorf("commit: %w", err)
		}
		logger.Info().Stringer("txid", res.FinalTransactionID).Uint64("amount", req.CommitAmount()).Msg("Commit sent")
	}
	commitID := state.CommitTxID.UnsafeFromSome()

	if state.RevealTxID.IsSome() {
		return state, nil
	}

	entry, err := e.findCommit(ctx, script, commitID)
	if err != nil {
		return state, &RevealError{CommitTxID: commitID, Err: err}
	}
	res, err := e.txs.BuildAndSend(ctx, sc, req.AdditionalOutputs, req.RevealPriorityFee, txmgr.Options{
		AdditionalProtocolFee: req.OperationCost,
		PriorityEntries:       []tx.UtxoEntry{entry},
		ScriptUnlock:          script.Bytes,
		NotifyCreated: func(ctx context.Context, id types.Hash) error {
			state.RevealTxID = fn.Some(id)
			return notify(ctx, req, state)
		},
	})
	if err != nil {
		if !submitted(res) {
			state.RevealTxID = fn.None[types.Hash]()
		}
		return state, &RevealError{CommitTxID: commitID, Err: err}
	}
	logger.Info().Stringer("commit", commitID).Stringer("reveal", res.FinalTransactionID).Msg("Reveal sent")
	return state, nil
}

// Estimate returns the masses Run would produce without sending anything.
func (e *Engine) Estimate(ctx context.Context, req Request) (Estimate, error) {
	if err := req.validate(); err != nil {
		return Estimate{}, err
	}
	script, err := BuildScript(req.Protocol, req.Payload, req.Wallet.PublicKey())
	if err != nil {
		return Estimate{}, err
	}
	est := Estimate{Reveal: req.RevealMassEstimate}
	if est.Reveal == 0 {
		est.Reveal = EstimatedRevealMass
	}
	if req.CommitTxID.IsSome() {
		return est, nil
	}
	out := []tx.Payment{{Address: script.Address, Amount: req.CommitAmount()}}
	res, err := e.txs.BuildAndSend(ctx, req.Wallet.SpendContext(), out, req.PriorityFee, txmgr.Options{EstimateOnly: true})
	if err != nil {
		return Estimate{}, fmt.Errorf("estimate commit: %w", err)
	}
	est.Commit = res.Masses
	return est, nil
}

// HasCommitFunds reports whether the commit output of commitID is still
// unspent at the operation's script address. Operations with the same
// payload share the address, so only that exact output counts; without
// it the unfinished operation was spent elsewhere.
func (e *Engine) HasCommitFunds(ctx context.Context, w Wallet, protocol, payload string, commitID types.Hash) (bool, error) {
	script, err := BuildScript(protocol, payload, w.PublicKey())
	if err != nil {
		return false, err
	}
	entries, err := e.gw.GetUtxosByAddresses(ctx, []types.Address{script.Address})
	if err != nil {
		return false, fmt.Errorf("fetch script utxos: %w", err)
	}
	for _, en := range entries {
		if en.Outpoint.TxID == commitID {
			return true, nil
		}
	}
	return false, nil
}

// findCommit locates the output commitID paid to the script address.
func (e *Engine) findCommit(ctx context.Context, script *Script, commitID types.Hash) (tx.UtxoEntry, error) {
	var found tx.UtxoEntry
	err := e.lookup(ctx, func() error {
		entries, err := e.gw.GetUtxosByAddresses(ctx, []types.Address{script.Address})
		if err != nil {
			return fmt.Errorf("fetch script utxos: %w", err)
		}
		for _, en := range entries {
			if en.Outpoint.TxID == commitID {
				found = en
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrCommitUtxoNotFound, commitID)
	})
	return found, err
}

// submitted reports whether the final transaction of res reached the
// gateway.
func submitted(res *txmgr.Result) bool {
	if res == nil || len(res.TransactionIDs) == 0 {
		return false
	}
	return res.TransactionIDs[len(res.TransactionIDs)-1] == res.FinalTransactionID
}

func notify(ctx context.Context, req Request, s State) error {
	if req.NotifyUpdate == nil {
		return nil
	}
	return req.NotifyUpdate(ctx, s)
}
