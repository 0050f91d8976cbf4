package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	c1, u1 := b.Subscribe(1)
	c2, u2 := b.Subscribe(1)
	defer u2()

	b.Publish(Event{Type: "room.admitted"})
	for _, ch := range []<-chan Event{c1, c2} {
		select {
		case e := <-ch:
			if e.Type != "room.admitted" || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}

	u1()
	u1()
	// Publishing after unsubscribe must not panic; a full buffer drops.
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-c2; e.Type != "a" {
		t.Fatalf("expected first event kept, got %q", e.Type)
	}
}

func TestCounter(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(8)
	c := NewCounter()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, ch)
		close(done)
	}()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})
	unsub()
	<-done
	cancel()

	if c.Count("x") != 2 || c.Count("y") != 1 {
		t.Fatalf("unexpected counts %+v", c.Snapshot())
	}
	snap := c.Snapshot()
	if len(snap) != 2 || snap[0].Type != "x" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
