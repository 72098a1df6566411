package core

import (
	"testing"
	"time"
)

func TestNotifierDeliversToSubscribers(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	n.Publish(Change{EntityKey: "medicine:1", Kind: EventSale, OccurredAt: time.Now()})

	select {
	case c := <-ch:
		if c.EntityKey != "medicine:1" || c.Kind != EventSale {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestNotifierNonBlockingWhenSubscriberStalls(t *testing.T) {
	n := NewNotifier()
	_, cancel := n.Subscribe()
	defer cancel()

	// Well past the channel buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			n.Publish(Change{EntityKey: "medicine:1", Kind: EventAdjustment})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
}

func TestNotifierCancelClosesChannel(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	n.Publish(Change{EntityKey: "medicine:1", Kind: EventSale})
}
