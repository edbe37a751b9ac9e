// Package txmgr builds, signs and submits wallet payments on top of the
// construction primitives in pkg/tx.
package txmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/balance"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/internal/mempool"
	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Amount floors, in base units (1 KAS = 100,000,000).
const (
	// MinimalAmountToSend is the smallest payment, and the smallest
	// send-all remainder, the manager will build.
	MinimalAmountToSend = 20_000_000
	// MinimalTransactionMass is the reserve kept for the network fee when
	// checking whether a wallet can afford an action.
	MinimalTransactionMass = 10_000
)

// Defaults for Config.
const (
	DefaultAcceptTimeout = 2 * time.Minute
	DefaultRetryAttempts = 5
	DefaultRetryWait     = time.Second
)

// Manager errors.
var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrNoOutputs              = errors.New("send-all requires an output")
	ErrInvalidSignablePayload = errors.New("invalid signable payload")
	ErrAlreadySpent           = errors.New("transaction input already spent")
	ErrNoSpendContext         = errors.New("spend context incomplete")
	ErrTransactionDropped     = errors.New("transaction dropped from mempool")
)

// Funds is the live view of a wallet's spendable outputs. It is
// implemented by *balance.Tracker.
type Funds interface {
	Address() types.Address
	Balance() balance.Balance
	SpendableEntries() []tx.UtxoEntry
	WaitSettled(ctx context.Context) error
	TrackOutgoing(p *tx.PendingTransaction)
	Release(txID types.Hash)
	Reconcile(ctx context.Context) ([]types.Hash, error)
	AwaitTransaction(txID types.Hash, timeout time.Duration) <-chan error
}

// SpendContext is what a payment is built from: the wallet's funds and the
// signer owning them. Change returns to the funds' address.
type SpendContext struct {
	Funds  Funds
	Signer Signer
}

func (sc SpendContext) validate() error {
	if sc.Funds == nil || sc.Signer == nil {
		return ErrNoSpendContext
	}
	return nil
}

// RetryPolicy runs op until it succeeds, returns a backoff.Permanent
// error, or the policy gives up.
type RetryPolicy func(ctx context.Context, op func() error) error

// ConstantRetry retries op up to attempts times, wait apart.
func ConstantRetry(attempts int, wait time.Duration) RetryPolicy {
	return func(ctx context.Context, op func() error) error {
		retries := uint64(max(attempts-1, 0))
		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), retries)
		return backoff.Retry(op, backoff.WithContext(b, ctx))
	}
}

// NoRetry runs op once.
func NoRetry(ctx context.Context, op func() error) error {
	return ConstantRetry(1, 0)(ctx, op)
}

// Config configures a Manager.
type Config struct {
	Gateway gateway.Gateway
	// Retry wraps transaction construction; nil means ConstantRetry with
	// the package defaults.
	Retry RetryPolicy
	// FeeRate overrides the gateway's normal fee estimate when non-zero.
	FeeRate   uint64
	MaxInputs int
	// AcceptTimeout bounds the wait for the final transaction to be seen
	// by the wallet.
	AcceptTimeout time.Duration
	// WatcherOptions configure the mempool watcher used when waiting for
	// confirmation.
	WatcherOptions []mempool.Option
}

// Options tune one BuildAndSend call.
type Options struct {
	// SendAll spends the whole mature balance, paying the fee from the
	// first output.
	SendAll bool
	// RBF submits every transaction as a replacement.
	RBF bool
	// EstimateOnly builds without signing or submitting.
	EstimateOnly bool
	// WaitForTransactionConfirmed waits until the wallet has no
	// unaccepted outgoing transactions in the mempool.
	WaitForTransactionConfirmed bool
	// AdditionalProtocolFee is a protocol cost paid as network fee. The
	// larger of it and the priority fee is used.
	AdditionalProtocolFee uint64
	// PriorityEntries are spent by the final transaction.
	PriorityEntries []tx.UtxoEntry
	// NotifyCreated receives the final transaction id once it is known,
	// before anything is signed. An error aborts the payment.
	NotifyCreated func(ctx context.Context, finalTxID types.Hash) error
	// ScriptUnlock is the redeem script of a script-locked priority entry.
	ScriptUnlock []byte
}

// Result describes a built, and unless estimating, submitted payment.
type Result struct {
	// TransactionIDs are in submission order; the last one is final.
	TransactionIDs     []types.Hash `json:"transaction_ids,omitempty"`
	FinalTransactionID types.Hash   `json:"final_transaction_id"`
	FinalAmount        uint64       `json:"final_amount"`
	Fees               uint64       `json:"fees"`
	Masses             []uint64     `json:"masses"`
}

// Manager builds and submits payments. It is safe for concurrent use, but
// payments from one wallet must be serialized by the caller.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a manager.
func New(cfg Config) *Manager {
	if cfg.Retry == nil {
		cfg.Retry = ConstantRetry(DefaultRetryAttempts, DefaultRetryWait)
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	return &Manager{cfg: cfg, logger: klog.TxMgr}
}

// FeeEstimate returns the gateway's current fee buckets.
func (m *Manager) FeeEstimate(ctx context.Context) (gateway.FeeEstimate, error) {
	return m.cfg.Gateway.GetFeeEstimate(ctx)
}

// BuildAndSend pays outputs from sc. The priority fee, or the protocol fee
// when larger, is added on top of the mass fee of the final transaction.
func (m *Manager) BuildAndSend(ctx context.Context, sc SpendContext, outputs []tx.Payment, priorityFee uint64, opts Options) (*Result, error) {
	if err := sc.validate(); err != nil {
		return nil, err
	}
	funds := sc.Funds
	logger := m.logger.With().Str("address", funds.Address().String()).Logger()
	if funds.Balance().Outgoing > 0 {
		if _, err := funds.Reconcile(ctx); err != nil {
			logger.Debug().Err(err).Msg("Cannot reconcile in-flight inputs")
		}
	}
	fee := max(priorityFee, opts.AdditionalProtocolFee)
	outs := append([]tx.Payment(nil), outputs...)
	total := tx.SumPayments(outs)

	if opts.SendAll {
		if len(outs) == 0 {
			return nil, ErrNoOutputs
		}
		if err := funds.WaitSettled(ctx); err != nil {
			return nil, fmt.Errorf("wait for pending outputs: %w", err)
		}
		mature := funds.Balance().Mature
		others := total - outs[0].Amount
		if mature <= others || mature-others <= MinimalAmountToSend {
			return nil, fmt.Errorf("%w: mature %d, other outputs %d", ErrInsufficientBalance, mature, others)
		}
		outs[0].Amount = mature - others
	} else {
		if b := funds.Balance(); b.Mature < total+fee+MinimalAmountToSend && !b.Settled() {
			if err := funds.WaitSettled(ctx); err != nil {
				return nil, fmt.Errorf("wait for pending outputs: %w", err)
			}
		}
		// Priority entries are spendable even when they are not the wallet's.
		available := funds.Balance().Mature + tx.SumAmounts(opts.PriorityEntries)
		if available < total {
			return nil, fmt.Errorf("%w: available %d, need %d", ErrInsufficientBalance, available, total)
		}
	}
	if len(outs) > 0 && outs[0].Amount <= MinimalAmountToSend {
		return nil, fmt.Errorf("%w: first output %d not above %d", ErrInsufficientBalance, outs[0].Amount, MinimalAmountToSend)
	}

	source := tx.SenderPays
	if opts.SendAll {
		source = tx.ReceiverPays
	}
	redeem := redeemScripts(opts)

	var gen *tx.Generated
	err := m.cfg.Retry(ctx, func() error {
		rate, err := m.feeRate(ctx)
		if err != nil {
			return err
		}
		g, err := tx.Generate(tx.GeneratorSettings{
			Entries:         funds.SpendableEntries(),
			PriorityEntries: opts.PriorityEntries,
			RedeemScripts:   redeem,
			Outputs:         outs,
			ChangeAddress:   funds.Address(),
			PriorityFee:     fee,
			FeeSource:       source,
			FeeRate:         rate,
			MaxInputs:       m.cfg.MaxInputs,
		})
		if errors.Is(err, tx.ErrInsufficientFunds) {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrInsufficientBalance, err))
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("generate transactions: %w", err))
		}
		gen = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opts.SendAll && gen.FinalAmount <= MinimalAmountToSend {
		return nil, fmt.Errorf("%w: send-all output %d after fees not above %d",
			ErrInsufficientBalance, gen.FinalAmount, MinimalAmountToSend)
	}

	res := &Result{
		FinalTransactionID: gen.FinalTransactionID(),
		FinalAmount:        gen.FinalAmount,
		Fees:               gen.Fees,
		Masses:             gen.Masses(),
	}
	if opts.EstimateOnly {
		return res, nil
	}

	if opts.NotifyCreated != nil {
		if err := opts.NotifyCreated(ctx, res.FinalTransactionID); err != nil {
			return nil, fmt.Errorf("notify created: %w", err)
		}
	}

	for i, p := range gen.Transactions {
		if err := strategyFor(p, opts.ScriptUnlock).sign(sc.Signer, p); err != nil {
			return nil, fmt.Errorf("sign transaction %d: %w", i, err)
		}
		if err := p.Verify(); err != nil {
			return nil, fmt.Errorf("verify transaction %d: %w", i, err)
		}
	}

	// Registered before submitting so a fast acceptance is not missed.
	accepted := funds.AwaitTransaction(res.FinalTransactionID, m.cfg.AcceptTimeout)
	for i, p := range gen.Transactions {
		funds.TrackOutgoing(p)
		id, err := m.submit(ctx, p.Tx, opts.RBF)
		if err != nil {
			funds.Release(p.ID())
			return res, fmt.Errorf("submit transaction %d of %d: %w", i+1, len(gen.Transactions), err)
		}
		res.TransactionIDs = append(res.TransactionIDs, id)
		logger.Debug().Stringer("txid", id).Uint64("fee", p.Fee).Bool("final", p.IsFinal).Msg("Transaction submitted")
	}

	select {
	case err := <-accepted:
		if err != nil {
			logger.Warn().Err(err).Stringer("txid", res.FinalTransactionID).Msg("Final transaction not seen")
			if dropped := m.dropped(ctx, funds, res.FinalTransactionID); dropped {
				return res, fmt.Errorf("%w: %s", ErrTransactionDropped, res.FinalTransactionID)
			}
		}
	case <-ctx.Done():
		return res, ctx.Err()
	}

	if opts.WaitForTransactionConfirmed {
		if err := m.waitConfirmed(ctx, funds.Address()); err != nil {
			return res, err
		}
	}
	logger.Info().Stringer("txid", res.FinalTransactionID).Int("txs", len(res.TransactionIDs)).
		Uint64("fees", res.Fees).Msg("Payment sent")
	return res, nil
}

func (m *Manager) submit(ctx context.Context, t *tx.Transaction, replace bool) (types.Hash, error) {
	if replace {
		return m.cfg.Gateway.SubmitTransactionReplacement(ctx, t)
	}
	return m.cfg.Gateway.SubmitTransaction(ctx, t)
}

func (m *Manager) feeRate(ctx context.Context) (uint64, error) {
	if m.cfg.FeeRate > 0 {
		return m.cfg.FeeRate, nil
	}
	est, err := m.cfg.Gateway.GetFeeEstimate(ctx)
	if err != nil {
		return 0, fmt.Errorf("fee estimate: %w", err)
	}
	return est.NormalRate(), nil
}

// dropped reconciles funds and reports whether id was released because
// the node no longer holds it.
func (m *Manager) dropped(ctx context.Context, funds Funds, id types.Hash) bool {
	released, err := funds.Reconcile(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Stringer("txid", id).Msg("Cannot reconcile in-flight inputs")
		return false
	}
	for _, r := range released {
		if r == id {
			return true
		}
	}
	return false
}

// waitConfirmed blocks until addr has nothing sending in the mempool.
func (m *Manager) waitConfirmed(ctx context.Context, addr types.Address) error {
	w := mempool.NewWatcher(m.cfg.Gateway, addr, m.cfg.WatcherOptions...)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start mempool watcher: %w", err)
	}
	defer w.Stop()
	return w.Wait(ctx)
}

func redeemScripts(opts Options) map[types.Outpoint][]byte {
	if len(opts.ScriptUnlock) == 0 {
		return nil
	}
	scriptAddr := crypto.ScriptHashAddress(opts.ScriptUnlock)
	out := make(map[types.Outpoint][]byte)
	for _, e := range opts.PriorityEntries {
		if e.Script.PaysTo(scriptAddr) {
			out[e.Outpoint] = opts.ScriptUnlock
		}
	}
	return out
}
