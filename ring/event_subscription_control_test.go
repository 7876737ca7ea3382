package ring

import (
	"testing"

	"github.com/ehrlich-b/lola-shm/shm"
)

func newTestSubscriptionControl(t *testing.T, maxSubscribers, ceiling int, enforceMax bool) *EventSubscriptionControl {
	t.Helper()
	arena := shm.NewArena(make([]byte, 1<<16))
	_, c, err := NewEventSubscriptionControl(arena, maxSubscribers, ceiling, enforceMax)
	if err != nil {
		t.Fatalf("NewEventSubscriptionControl failed: %v", err)
	}
	return c
}

func TestSubscribeUnsubscribe(t *testing.T) {
	c := newTestSubscriptionControl(t, 4, 8, true)

	if err := c.Subscribe(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", c.SubscriberCount())
	}
	if c.ChosenMaxSamples() != 2 {
		t.Fatalf("expected chosen window 2, got %d", c.ChosenMaxSamples())
	}

	if err := c.Unsubscribe(); err != nil {
		t.Fatalf("unexpected error unsubscribing: %v", err)
	}
	if c.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", c.SubscriberCount())
	}

	if err := c.Unsubscribe(); err == nil {
		t.Fatal("expected error unsubscribing with no subscribers")
	}
}

func TestSubscribeEnforcesSubscriberMax(t *testing.T) {
	c := newTestSubscriptionControl(t, 1, 8, true)

	if err := c.Subscribe(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Subscribe(1); err == nil {
		t.Fatal("expected subscribe to fail once max subscriber count reached")
	}
}

func TestSubscribeRefusesWindowGrowthUnderEnforcement(t *testing.T) {
	c := newTestSubscriptionControl(t, 4, 8, true)

	if err := c.Subscribe(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A second subscriber asking for a bigger window than the live one
	// established must be refused while enforcement is on.
	if err := c.Subscribe(4); err == nil {
		t.Fatal("expected window growth past a live subscriber's to be refused")
	}
	// The same request within the established window is fine.
	if err := c.Subscribe(2); err != nil {
		t.Fatalf("expected subscribe within the window to succeed, got %v", err)
	}
}

func TestSubscribeWithoutEnforcementGrowsWindow(t *testing.T) {
	c := newTestSubscriptionControl(t, 4, 4, false)

	if err := c.Subscribe(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Subscribe(3); err != nil {
		t.Fatalf("expected growth to be allowed without enforcement, got %v", err)
	}
	if c.ChosenMaxSamples() != 3 {
		t.Fatalf("expected chosen window 3, got %d", c.ChosenMaxSamples())
	}
}

func TestChosenWindowNeverShrinks(t *testing.T) {
	c := newTestSubscriptionControl(t, 4, 8, false)

	c.Subscribe(6)
	c.Subscribe(2)
	if c.ChosenMaxSamples() != 6 {
		t.Fatalf("expected chosen window 6, got %d", c.ChosenMaxSamples())
	}

	// The subscriber that established the window leaves; the window stays.
	c.Unsubscribe()
	if c.ChosenMaxSamples() != 6 {
		t.Fatalf("chosen window must not shrink on unsubscribe, got %d", c.ChosenMaxSamples())
	}
}

func TestRollbackUnsubscribeRestoresCount(t *testing.T) {
	c := newTestSubscriptionControl(t, 4, 8, false)
	c.Subscribe(2)
	c.Subscribe(4)

	c.RollbackUnsubscribe(4)
	if c.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after rollback, got %d", c.SubscriberCount())
	}

	// Rollback on an already-empty word must not underflow.
	c.RollbackUnsubscribe(2)
	c.RollbackUnsubscribe(2)
	if c.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", c.SubscriberCount())
	}
}
