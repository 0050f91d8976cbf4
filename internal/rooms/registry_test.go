package rooms

import (
	"testing"
	"time"

	"roombridge/internal/protocol"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func room(code, host string, players int) protocol.Room {
	return protocol.Room{
		Code:        code,
		Version:     "2.5_20240101_Debug",
		PlayerCount: players,
		Language:    protocol.English,
		ServerName:  "NA",
		PlayerName:  host,
	}
}

func TestAdmitWindow(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(30 * time.Minute)
	r.SetClock(clk.now)

	if !r.Admit(room("ABCDEF", "alice", 3)) {
		t.Fatalf("first admit should pass")
	}
	first, ok := r.Get("ABCDEF")
	if !ok {
		t.Fatalf("entry not created")
	}

	clk.t = clk.t.Add(10 * time.Minute)
	if r.Admit(room("ABCDEF", "bob", 9)) {
		t.Fatalf("second admit inside window should be rejected")
	}
	got, _ := r.Get("ABCDEF")
	if got != first {
		t.Fatalf("rejected admit mutated entry: %+v", got)
	}

	clk.t = clk.t.Add(20 * time.Minute)
	if !r.Admit(room("ABCDEF", "carol", 5)) {
		t.Fatalf("admit at exactly the interval should pass")
	}
	got, _ = r.Get("ABCDEF")
	if got.PlayerName != "carol" || got.PlayerCount != 5 {
		t.Fatalf("fields not updated: %+v", got)
	}
	if !got.LastAnnouncedAt.Equal(clk.t) {
		t.Fatalf("timestamp not updated: %v", got.LastAnnouncedAt)
	}
	if got.Announcements != 2 {
		t.Fatalf("expected 2 announcements, got %d", got.Announcements)
	}
}

func TestAdmitCodesIndependent(t *testing.T) {
	r := NewRegistry(time.Hour)
	if !r.Admit(room("ABCD", "a", 1)) || !r.Admit(room("WXYZ", "b", 1)) {
		t.Fatalf("distinct codes should both be admitted")
	}
	if r.Admit(room("ABCD", "a", 1)) {
		t.Fatalf("repeat should be rejected")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 rooms, got %d", r.Len())
	}
}

func TestSetInterval(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := NewRegistry(0)
	r.SetClock(clk.now)
	if r.Interval() != DefaultInterval {
		t.Fatalf("expected default interval, got %v", r.Interval())
	}
	r.Admit(room("ABCD", "a", 1))
	r.SetInterval(time.Minute)
	clk.t = clk.t.Add(time.Minute)
	if !r.Admit(room("ABCD", "a", 2)) {
		t.Fatalf("shortened interval should admit")
	}
}

func TestSnapshotOrder(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	r := NewRegistry(time.Hour)
	r.SetClock(clk.now)
	r.Admit(room("AAAA", "a", 1))
	clk.t = clk.t.Add(time.Second)
	r.Admit(room("BBBB", "b", 1))

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Code != "BBBB" || snap[1].Code != "AAAA" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
}
