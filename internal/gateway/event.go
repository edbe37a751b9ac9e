package gateway

import (
	"sync"

	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// EventType identifies a gateway notification.
type EventType uint8

const (
	// EventProcessorStarted is emitted whenever the node connection is
	// (re)established. Subscriptions must be re-registered.
	EventProcessorStarted EventType = iota + 1
	// EventProcessorStopped is emitted when the connection is lost.
	EventProcessorStopped
	// EventUtxosChanged carries UTXOs added and removed for subscribed
	// addresses.
	EventUtxosChanged
	// EventDaaScoreChanged carries the new virtual DAA score.
	EventDaaScoreChanged
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventProcessorStarted:
		return "processor-started"
	case EventProcessorStopped:
		return "processor-stopped"
	case EventUtxosChanged:
		return "utxos-changed"
	case EventDaaScoreChanged:
		return "daa-score-changed"
	default:
		return "unknown"
	}
}

// Event is a notification from the gateway feed.
type Event struct {
	Type     EventType
	Added    []UtxoEntry
	Removed  []UtxoEntry
	DAAScore uint64
}

// Touches reports whether a UtxosChanged event concerns addr.
func (e Event) Touches(addr types.Address) bool {
	for _, u := range e.Added {
		if u.Script.PaysTo(addr) {
			return true
		}
	}
	for _, u := range e.Removed {
		if u.Script.PaysTo(addr) {
			return true
		}
	}
	return false
}

// Listener receives gateway events.
type Listener func(Event)

// Listeners is a registry of listeners that gateway implementations embed
// to fan out events.
type Listeners struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]Listener
}

// Add registers fn and returns its removal function.
func (l *Listeners) Add(fn Listener) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]Listener)
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Emit delivers ev to every listener.
func (l *Listeners) Emit(ev Event) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}
