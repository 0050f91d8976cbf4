package eventbus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal about something the bridge did: a room
// admitted, a ban fired, a message delivered.
//
// Publish never blocks. Subscribers get buffered channels and miss events
// when they fall behind.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Counter tallies events by type.
type Counter struct {
	mu     sync.Mutex
	counts map[string]uint64
	last   map[string]time.Time
}

func NewCounter() *Counter {
	return &Counter{counts: map[string]uint64{}, last: map[string]time.Time{}}
}

// Observe records e.
func (c *Counter) Observe(e Event) {
	c.mu.Lock()
	c.counts[e.Type]++
	c.last[e.Type] = e.Time
	c.mu.Unlock()
}

// Run consumes ch until it closes or ctx is done.
func (c *Counter) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// TypeCount is one row of a Counter snapshot.
type TypeCount struct {
	Type  string    `json:"type"`
	Count uint64    `json:"count"`
	Last  time.Time `json:"last"`
}

// Snapshot returns counts sorted by type.
func (c *Counter) Snapshot() []TypeCount {
	c.mu.Lock()
	out := make([]TypeCount, 0, len(c.counts))
	for t, n := range c.counts {
		out = append(out, TypeCount{Type: t, Count: n, Last: c.last[t]})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Count returns the tally for one type.
func (c *Counter) Count(typ string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[typ]
}
