package core

import (
	"sync"
	"time"
)

// Change is pushed to subscribers after an event commits. It names what moved,
// not the new value; subscribers query for fresh balances themselves, so a
// dropped notification can never desynchronize anyone.
type Change struct {
	EntityKey  string    `json:"entity_key"`
	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier fans committed changes out to subscribers. Delivery is non-blocking:
// a subscriber that stops draining its channel loses notifications rather than
// stalling the engine.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Change)}
}

// Subscribe returns a buffered change channel and a cancel func that closes it.
func (n *Notifier) Subscribe() (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Change, 64)
	n.subs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
}

// Publish offers the change to every subscriber without blocking.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
