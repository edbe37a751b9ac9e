// Package scheduler serializes wallet actions. Every wallet has a FIFO
// queue drained by one goroutine; wallets drain concurrently. Each action
// is validated, approved, executed and resolved exactly once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/approval"
	"github.com/Klingon-tech/klingnet-wallet/internal/commitreveal"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/internal/txmgr"
	"github.com/Klingon-tech/klingnet-wallet/internal/unfinished"
	"github.com/Klingon-tech/klingnet-wallet/internal/wallet"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// DefaultApprovalTimeout bounds the wait for an approval decision.
const DefaultApprovalTimeout = 5 * time.Minute

// Scheduler errors.
var (
	ErrStopped       = errors.New("scheduler stopped")
	ErrWalletExists  = errors.New("wallet already registered")
	ErrUnknownWallet = errors.New("unknown wallet")
)

// PayloadValidator checks the payload of one commit-reveal protocol before
// anything is sent.
type PayloadValidator interface {
	Validate(ctx context.Context, owner types.Address, payload string) error
}

// Deps are the engines actions are executed with.
type Deps struct {
	Transactions *txmgr.Manager
	CommitReveal *commitreveal.Engine
	// Unfinished persists commit-reveal actions between their legs. Nil
	// disables persistence.
	Unfinished *unfinished.Store
	// Validators are keyed by commit-reveal protocol.
	Validators map[string]PayloadValidator
	// Approver decides on every action. Nil rejects everything.
	Approver approval.Approver
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock approval timeouts are measured with.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithApprovalTimeout sets how long an action waits for its approval.
func WithApprovalTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.approvalTimeout = d
		}
	}
}

// WithRegisterer registers the scheduler metrics with reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.registerer = reg }
}

// Scheduler owns the per-wallet queues.
type Scheduler struct {
	deps            Deps
	clock           clock.Clock
	approvalTimeout time.Duration
	registerer      prometheus.Registerer
	metrics         *metrics
	goroutines      *fn.GoroutineManager
	logger          zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
}

// New creates a scheduler.
func New(deps Deps, opts ...Option) *Scheduler {
	s := &Scheduler{
		deps:            deps,
		clock:           clock.NewDefaultClock(),
		approvalTimeout: DefaultApprovalTimeout,
		goroutines:      fn.NewGoroutineManager(),
		logger:          klog.Scheduler,
		handles:         make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registerer == nil {
		s.registerer = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registerer)
	return s
}

// Stop cancels running actions and waits for every drain loop to exit.
// Actions still queued resolve with ErrStopped.
func (s *Scheduler) Stop() {
	s.goroutines.Stop()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.handles {
		s.failAll(h, ErrStopped)
	}
}

// Handle is the queue of one wallet.
type Handle struct {
	wallet *wallet.Wallet
	logger zerolog.Logger

	mu       sync.Mutex
	queue    []*entry
	draining bool
}

// ID returns the wallet id.
func (h *Handle) ID() string { return h.wallet.ID() }

// Wallet returns the queued wallet.
func (h *Handle) Wallet() *wallet.Wallet { return h.wallet }

// Busy reports whether the wallet's queue is being drained.
func (h *Handle) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// Pending returns the number of queued actions, excluding the one
// running.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// push queues e and reports whether the caller must start draining.
func (h *Handle) push(e *entry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, e)
	if h.draining {
		return false
	}
	h.draining = true
	return true
}

// next pops the oldest entry, going idle when there is none.
func (h *Handle) next() (*entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		h.draining = false
		return nil, false
	}
	e := h.queue[0]
	h.queue[0] = nil
	h.queue = h.queue[1:]
	return e, true
}

// Register starts queuing actions for w.
func (s *Scheduler) Register(w *wallet.Wallet) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[w.ID()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletExists, w.ID())
	}
	h := &Handle{wallet: w, logger: klog.WithWallet(s.logger, w.ID())}
	s.handles[w.ID()] = h
	s.metrics.depth.WithLabelValues(w.ID()).Set(0)
	return h, nil
}

// Unregister stops queuing actions for wallet id. Queued actions fail with
// WalletNotSelected; an action already executing runs to completion.
func (s *Scheduler) Unregister(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, id)
	}
	s.failAll(h, actions.Errorf(actions.WalletNotSelected, "%w: %s", ErrUnknownWallet, id))
	s.metrics.depth.DeleteLabelValues(id)
	return nil
}

// Handle returns the queue of wallet id, or nil.
func (s *Scheduler) Handle(id string) *Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handles[id]
}

// Handles returns every registered queue.
func (s *Scheduler) Handles() []*Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// entry is one submitted action.
type entry struct {
	id        string
	ctx       context.Context
	action    actions.Action
	progress  *progress
	resp      chan actions.Response
	submitted time.Time
}

// Submit queues action for wallet walletID. The returned channel receives
// exactly one response. Cancelling ctx fails the action if it has not
// completed. progress, when set, receives completion percentages.
func (s *Scheduler) Submit(ctx context.Context, walletID string, action actions.Action, progress func(int)) <-chan actions.Response {
	e := &entry{
		id:        uuid.NewString(),
		ctx:       ctx,
		action:    action,
		progress:  newProgress(action.Type, progress),
		resp:      make(chan actions.Response, 1),
		submitted: s.clock.Now(),
	}
	h := s.Handle(walletID)
	if h == nil {
		s.resolve(nil, e, actions.Failure(actions.Errorf(actions.WalletNotSelected, "%w: %q", ErrUnknownWallet, walletID)))
		return e.resp
	}
	if err := s.validate(ctx, h, action); err != nil {
		s.resolve(h, e, actions.Failure(err))
		return e.resp
	}
	if err := s.checkFunds(ctx, h, action, false); err != nil {
		s.resolve(h, e, actions.Failure(err))
		return e.resp
	}
	e.progress.step()

	// Instant actions still wait for approval, but never behind the queue.
	if action.Type.Instant() {
		ok := s.goroutines.Go(ctx, func(ctx context.Context) {
			s.resolve(h, e, s.run(ctx, h, e))
		})
		if !ok {
			s.resolve(h, e, actions.Failure(s.cancelled(e)))
		}
		return e.resp
	}

	start := h.push(e)
	s.metrics.depth.WithLabelValues(h.ID()).Set(float64(h.Pending()))
	h.logger.Debug().Str("action", e.id).Str("type", string(action.Type)).Msg("Action queued")
	if start && !s.goroutines.Go(context.Background(), func(ctx context.Context) { s.drain(ctx, h) }) {
		s.failAll(h, ErrStopped)
	}
	return e.resp
}

func (s *Scheduler) drain(ctx context.Context, h *Handle) {
	for {
		e, ok := h.next()
		if !ok {
			return
		}
		s.metrics.depth.WithLabelValues(h.ID()).Set(float64(h.Pending()))
		s.resolve(h, e, s.process(ctx, h, e))
	}
}

// process runs a dequeued entry. Balances may have moved since it was
// submitted, so it is validated again.
func (s *Scheduler) process(ctx context.Context, h *Handle, e *entry) actions.Response {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.ctx, cancel)()

	if ctx.Err() != nil {
		return actions.Failure(s.cancelled(e))
	}
	if err := s.validate(ctx, h, e.action); err != nil {
		return actions.Failure(err)
	}
	return s.run(ctx, h, e)
}

// run approves and executes e.
func (s *Scheduler) run(ctx context.Context, h *Handle, e *entry) actions.Response {
	action, err := s.approve(ctx, h, e.id, e.action)
	if err != nil {
		if ctx.Err() != nil {
			return actions.Failure(s.cancelled(e))
		}
		return actions.Failure(err)
	}
	if err := s.checkFunds(ctx, h, action, true); err != nil {
		return actions.Failure(err)
	}
	e.progress.step()

	res, err := s.execute(ctx, h, e, action)
	if err != nil {
		if ctx.Err() != nil && e.ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", ErrStopped, err)
		}
		return actions.Failure(err)
	}
	res.Type = action.Type
	res.PerformedByWallet = h.ID()
	e.progress.finish()
	return actions.Success(res)
}

// cancelled is the error of an entry whose context ended before it ran.
func (s *Scheduler) cancelled(e *entry) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	return ErrStopped
}

// approve asks the approver about a and attaches the decided priority
// fee. A missing decision after the approval timeout is a rejection.
func (s *Scheduler) approve(ctx context.Context, h *Handle, id string, a actions.Action) (actions.Action, error) {
	if s.deps.Approver == nil {
		return a, fmt.Errorf("%w: no approver configured", actions.ErrUserRejected)
	}
	req := approval.Request{ID: id, WalletID: h.ID(), Action: a, CreatedAt: s.clock.Now()}
	if masses, err := s.estimate(ctx, h, a); err == nil {
		req.Masses = masses
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	expired := make(chan struct{})
	timeout := s.clock.TickAfter(s.approvalTimeout)
	go func() {
		select {
		case <-timeout:
			close(expired)
			cancel()
		case <-actx.Done():
		}
	}()

	d, err := s.deps.Approver.RequestApproval(actx, req)
	if err != nil {
		select {
		case <-expired:
			return a, fmt.Errorf("%w: no decision within %s", actions.ErrUserRejected, s.approvalTimeout)
		default:
		}
		if ctx.Err() != nil {
			return a, ctx.Err()
		}
		return a, fmt.Errorf("%w: %w", actions.ErrUserRejected, err)
	}
	if !d.Approved {
		return a, actions.ErrUserRejected
	}
	if d.PriorityFee > 0 {
		a = a.WithPriorityFee(d.PriorityFee)
	}
	h.logger.Info().Str("action", id).Str("type", string(a.Type)).Uint64("priority_fee", a.PriorityFee).Msg("Action approved")
	return a, nil
}

// resolve delivers resp for e. h may be nil for unknown wallets.
func (s *Scheduler) resolve(h *Handle, e *entry, resp actions.Response) {
	s.metrics.actions.WithLabelValues(string(e.action.Type), resultLabel(resp.Success)).Inc()
	s.metrics.duration.WithLabelValues(string(e.action.Type)).Observe(s.clock.Now().Sub(e.submitted).Seconds())

	logger := s.logger
	if h != nil {
		logger = h.logger
	}
	if resp.Success {
		logger.Info().Str("action", e.id).Str("type", string(e.action.Type)).Msg("Action completed")
	} else {
		logger.Warn().Err(resp.Err).Str("action", e.id).Str("type", string(e.action.Type)).
			Stringer("code", resp.ErrorCode).Msg("Action failed")
	}
	e.resp <- resp
}

// failAll resolves every queued entry of h with err.
func (s *Scheduler) failAll(h *Handle, err error) {
	h.mu.Lock()
	queued := h.queue
	h.queue = nil
	h.draining = false
	h.mu.Unlock()
	for _, e := range queued {
		s.resolve(h, e, actions.Failure(err))
	}
	s.metrics.depth.WithLabelValues(h.ID()).Set(0)
}
