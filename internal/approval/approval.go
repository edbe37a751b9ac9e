// Package approval decides whether queued wallet actions may run and with
// which priority fee.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
)

// ErrUnknownRequest is returned when deciding a request that is not pending.
var ErrUnknownRequest = errors.New("unknown approval request")

// Request is shown to whoever approves an action.
type Request struct {
	ID       string         `json:"id"`
	WalletID string         `json:"wallet_id"`
	Action   actions.Action `json:"action"`
	// Masses is the estimated mass of each transaction the action sends.
	Masses    []uint64  `json:"masses,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision is the answer to a Request.
type Decision struct {
	Approved    bool   `json:"approved"`
	PriorityFee uint64 `json:"priority_fee,string"`
}

// Approver answers approval requests. It must return once ctx is done.
type Approver interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
}

// AutoApprover approves everything with a fixed priority fee.
type AutoApprover struct {
	PriorityFee uint64
}

// RequestApproval implements Approver.
func (a AutoApprover) RequestApproval(context.Context, Request) (Decision, error) {
	return Decision{Approved: true, PriorityFee: a.PriorityFee}, nil
}

type pending struct {
	req      Request
	decision chan Decision
}

// Broker parks requests until Approve or Reject is called for them.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	// notify, when set, is called for each new request.
	notify func(Request)
}

// NewBroker creates an empty broker. notify may be nil.
func NewBroker(notify func(Request)) *Broker {
	return &Broker{pending: make(map[string]*pending), notify: notify}
}

// RequestApproval implements Approver. The request is listed until it is
// decided or ctx is done.
func (b *Broker) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	p := &pending{req: req, decision: make(chan Decision, 1)}
	b.mu.Lock()
	if _, dup := b.pending[req.ID]; dup {
		b.mu.Unlock()
		return Decision{}, fmt.Errorf("duplicate approval request %s", req.ID)
	}
	b.pending[req.ID] = p
	b.mu.Unlock()
	defer b.remove(req.ID)

	if b.notify != nil {
		b.notify(req)
	}
	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// List returns the undecided requests, oldest first.
func (b *Broker) List() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Approve lets request id run with priorityFee.
func (b *Broker) Approve(id string, priorityFee uint64) error {
	return b.decide(id, Decision{Approved: true, PriorityFee: priorityFee})
}

// Reject declines request id.
func (b *Broker) Reject(id string) error {
	return b.decide(id, Decision{})
}

func (b *Broker) decide(id string, d Decision) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	p.decision <- d
	return nil
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
