package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()
	bus := New()

	all, unsubAll := bus.Subscribe(8)
	defer unsubAll()
	filtered, unsubFiltered := bus.SubscribeTypes(8, "task.completed")
	defer unsubFiltered()

	bus.Publish(Event{Type: "task.enqueued"})
	bus.Publish(Event{Type: "task.completed"})
	bus.Publish(Event{Type: "agent.health"})

	recv := func(ch <-chan Event) []string {
		var types []string
		for {
			select {
			case e := <-ch:
				types = append(types, e.Type)
			case <-time.After(50 * time.Millisecond):
				return types
			}
		}
	}

	if got := recv(all); len(got) != 3 {
		t.Fatalf("unfiltered subscriber got %v, want 3 events", got)
	}
	got := recv(filtered)
	if len(got) != 1 || got[0] != "task.completed" {
		t.Fatalf("filtered subscriber got %v, want [task.completed]", got)
	}
}

func TestPublishSetsTime(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: "x"})
	select {
	case e := <-ch:
		if e.Time.IsZero() {
			t.Fatal("Publish left Time zero")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.SubscribeTypes(1, "x")
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered %d events, want 1 (rest dropped)", len(ch))
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must not panic on the closed channel.
	bus.Publish(Event{Type: "x"})
}
