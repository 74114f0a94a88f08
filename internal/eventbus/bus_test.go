package eventbus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, un1 := b.Subscribe(4)
	defer un1()
	ch2, un2 := b.Subscribe(4)
	defer un2()

	b.Publish(Event{Type: "x", Data: 42})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := recv(t, ch)
		if ev.Type != "x" || ev.Data != 42 {
			t.Fatalf("ev = %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Fatal("publish must stamp a time")
		}
	}
}

func TestSubscribeTypeFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "wanted.a", "wanted.b")
	defer unsub()

	b.Publish(Event{Type: "ignored"})
	b.Publish(Event{Type: "wanted.b"})

	ev := recv(t, ch)
	if ev.Type != "wanted.b" {
		t.Fatalf("type = %q, filtered subscription leaked", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// far more events than the buffer holds; extras drop
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "burst"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	_ = ch
	unsub()
	unsub() // idempotent

	// publishing after close must not panic
	b.Publish(Event{Type: "after"})
}
