package balance

import (
	"container/heap"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// waiter is one AwaitTransaction call.
type waiter struct {
	txID     types.Hash
	deadline time.Time
	result   chan error
	index    int // position in the expiry heap, -1 once resolved
}

// expiryHeap orders waiters by deadline.
type expiryHeap []*waiter

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// registry maps transaction ids to their waiters. A single goroutine,
// launched by start, expires waiters in deadline order.
type registry struct {
	clock clock.Clock

	mu     sync.Mutex
	byID   map[types.Hash][]*waiter
	expiry expiryHeap

	wake      chan struct{}
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	launched  bool
}

func newRegistry(c clock.Clock) *registry {
	r := &registry{
		clock: c,
		byID:  make(map[types.Hash][]*waiter),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
	return r
}

// start launches the expiry goroutine. Waiters added before start expire
// once it runs.
func (r *registry) start() {
	r.startOnce.Do(func() {
		r.mu.Lock()
		r.launched = true
		r.mu.Unlock()
		r.wg.Add(1)
		go r.expireLoop()
	})
}

// started reports whether the expiry goroutine was launched.
func (r *registry) started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launched
}

func (r *registry) add(txID types.Hash, timeout time.Duration) <-chan error {
	w := &waiter{
		txID:     txID,
		deadline: r.clock.Now().Add(timeout),
		result:   make(chan error, 1),
	}
	r.mu.Lock()
	r.byID[txID] = append(r.byID[txID], w)
	heap.Push(&r.expiry, w)
	first := r.expiry[0] == w
	r.mu.Unlock()

	if first {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return w.result
}

// resolve completes every waiter of txID with a nil error.
func (r *registry) resolve(txID types.Hash) {
	r.mu.Lock()
	ws := r.byID[txID]
	delete(r.byID, txID)
	for _, w := range ws {
		if w.index >= 0 {
			heap.Remove(&r.expiry, w.index)
		}
	}
	r.mu.Unlock()
	for _, w := range ws {
		w.result <- nil
	}
}

// pending reports the number of registered waiters.
func (r *registry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiry.Len()
}

func (r *registry) expireLoop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		var tick <-chan time.Time
		if r.expiry.Len() > 0 {
			tick = r.clock.TickAfter(r.expiry[0].deadline.Sub(r.clock.Now()))
		}
		r.mu.Unlock()

		select {
		case <-tick:
			r.expire()
		case <-r.wake:
		case <-r.quit:
			return
		}
	}
}

func (r *registry) expire() {
	now := r.clock.Now()
	var expired []*waiter
	r.mu.Lock()
	for r.expiry.Len() > 0 && !r.expiry[0].deadline.After(now) {
		w := heap.Pop(&r.expiry).(*waiter)
		ws := r.byID[w.txID]
		for i, other := range ws {
			if other == w {
				ws = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(ws) == 0 {
			delete(r.byID, w.txID)
		} else {
			r.byID[w.txID] = ws
		}
		expired = append(expired, w)
	}
	r.mu.Unlock()
	for _, w := range expired {
		w.result <- ErrTransactionTimeout
	}
}

// stop halts expiry. Waiters still registered are abandoned.
func (r *registry) stop() {
	r.startOnce.Do(func() {})
	close(r.quit)
	r.wg.Wait()
}
