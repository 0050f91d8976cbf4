// Package rooms tracks announced rooms by code and suppresses
// re-announcements inside a configurable window.
package rooms

import (
	"sort"
	"sync"
	"time"

	"roombridge/internal/protocol"
)

// DefaultInterval is the re-announcement window used when none is configured.
const DefaultInterval = 30 * time.Minute

// Entry is the stored state for one room code.
type Entry struct {
	protocol.Room
	LastAnnouncedAt time.Time `json:"last_announced_at"`
	Announcements   int       `json:"announcements"`
}

// Registry is safe for concurrent use. Entries live for the process lifetime.
type Registry struct {
	mu       sync.Mutex
	interval time.Duration
	rooms    map[string]*Entry

	nowFn func() time.Time
}

// NewRegistry returns a registry using interval; values <= 0 use DefaultInterval.
func NewRegistry(interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Registry{
		interval: interval,
		rooms:    map[string]*Entry{},
		nowFn:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.nowFn = now
	r.mu.Unlock()
}

// SetInterval changes the window for subsequent Admit calls.
func (r *Registry) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
}

func (r *Registry) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// Admit reports whether room should be announced. A new code is inserted and
// admitted. A known code is admitted once at least Interval has passed since
// its last admitted announcement; admission overwrites the stored fields and
// timestamp, rejection leaves them untouched.
func (r *Registry) Admit(room protocol.Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	e, ok := r.rooms[room.Code]
	if !ok {
		r.rooms[room.Code] = &Entry{Room: room, LastAnnouncedAt: now, Announcements: 1}
		return true
	}
	if now.Sub(e.LastAnnouncedAt) < r.interval {
		return false
	}
	e.Room = room
	e.LastAnnouncedAt = now
	e.Announcements++
	return true
}

// Get returns a copy of the entry for code.
func (r *Registry) Get(code string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[code]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Snapshot returns copies of all entries, most recently announced first.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.rooms))
	for _, e := range r.rooms {
		out = append(out, *e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAnnouncedAt.Equal(out[j].LastAnnouncedAt) {
			return out[i].LastAnnouncedAt.After(out[j].LastAnnouncedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out
}
