// Package abuse counts cheat reports per player identity and bans an identity
// once it crosses a threshold.
package abuse

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"roombridge/internal/dispatch"
	"roombridge/internal/eventbus"
	"roombridge/internal/protocol"
	"roombridge/internal/render"
	"roombridge/internal/storage"
	logx "roombridge/pkg/logx"
)

// DefaultBanThreshold is the infraction count a new record must exceed.
const DefaultBanThreshold = 5

const (
	EventRecorded = "abuse.recorded"
	EventBanned   = "abuse.banned"
)

// Record is the accumulated state for one identity.
type Record struct {
	Identity        string    `json:"identity"`
	ClientID        int       `json:"client_id"`
	Name            string    `json:"name"`
	Reason          string    `json:"reason"`
	InfractionCount int       `json:"infraction_count"`
	Banned          bool      `json:"banned"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

type Config struct {
	// BanThreshold: a ban fires when InfractionCount > BanThreshold.
	BanThreshold int
	// RecheckOnIncrement evaluates the threshold on every report. When false
	// only the report that creates a record is checked.
	RecheckOnIncrement bool
	// BanTemplate renders the ban notification. Placeholders: {ClientId},
	// {FriendCode}, {Name}, {Reason}, {Count}.
	BanTemplate string
	// NotifyRoutes are the dispatcher routes that receive ban notifications.
	NotifyRoutes []string
}

// Tracker is safe for concurrent use.
type Tracker struct {
	log   logx.Logger
	store storage.Store
	disp  *dispatch.Dispatcher
	bus   eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	records map[string]*Record

	nowFn func() time.Time
}

func New(cfg Config, store storage.Store, disp *dispatch.Dispatcher, log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{
		log:     log,
		store:   store,
		disp:    disp,
		bus:     bus,
		records: map[string]*Record{},
		nowFn:   time.Now,
	}
	t.cfg = normalize(cfg)
	return t
}

func normalize(cfg Config) Config {
	if cfg.BanThreshold < 0 {
		cfg.BanThreshold = 0
	}
	if cfg.BanTemplate == "" {
		cfg.BanTemplate = render.BanTemplate
	}
	return cfg
}

// Apply swaps the threshold, recheck mode, template and routes. Existing
// records are kept.
func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = normalize(cfg)
	t.mu.Unlock()
}

// SetClock replaces the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.nowFn = now
	t.mu.Unlock()
}

// Record applies one report and returns a copy of the resulting record. If
// the report pushes the identity over the threshold, Ban runs before Record
// returns.
func (t *Tracker) Record(ctx context.Context, rep protocol.Report) Record {
	t.mu.Lock()
	now := t.nowFn()
	cfg := t.cfg
	rec, found := t.records[rep.Identity]
	if found {
		rec.InfractionCount++
		rec.ClientID = rep.ClientID
		rec.Name = rep.Name
		rec.Reason = rep.Reason
		rec.LastSeen = now
	} else {
		rec = &Record{
			Identity:        rep.Identity,
			ClientID:        rep.ClientID,
			Name:            rep.Name,
			Reason:          rep.Reason,
			InfractionCount: 1,
			FirstSeen:       now,
			LastSeen:        now,
		}
		t.records[rep.Identity] = rec
	}

	shouldBan := !rec.Banned && rec.InfractionCount > cfg.BanThreshold &&
		(!found || cfg.RecheckOnIncrement)
	if shouldBan {
		rec.Banned = true
	}
	snap := *rec
	t.mu.Unlock()

	t.log.Info("abuse report recorded",
		logx.String("identity", snap.Identity),
		logx.Int("client_id", snap.ClientID),
		logx.String("reason", snap.Reason),
		logx.Int("count", snap.InfractionCount),
		logx.Bool("new", !found))
	t.publish(EventRecorded, snap)

	if shouldBan {
		t.ban(ctx, snap, cfg)
	}
	return snap
}

// Ban marks the identity banned, appends it to the ban log and notifies the
// configured routes. Banning an already-banned identity is a no-op.
func (t *Tracker) Ban(ctx context.Context, identity string) bool {
	t.mu.Lock()
	rec, ok := t.records[identity]
	if !ok || rec.Banned {
		t.mu.Unlock()
		return false
	}
	rec.Banned = true
	snap := *rec
	cfg := t.cfg
	t.mu.Unlock()

	t.ban(ctx, snap, cfg)
	return true
}

func (t *Tracker) ban(ctx context.Context, rec Record, cfg Config) {
	t.log.Warn("identity banned",
		logx.String("identity", rec.Identity),
		logx.String("name", rec.Name),
		logx.Int("count", rec.InfractionCount))

	if t.store != nil {
		err := t.store.AppendBan(ctx, storage.BanEntry{
			At:       rec.LastSeen,
			ClientID: rec.ClientID,
			Identity: rec.Identity,
			Name:     rec.Name,
			Reason:   rec.Reason,
			Count:    rec.InfractionCount,
		})
		if err != nil {
			t.log.Error("ban log append failed", logx.String("identity", rec.Identity), logx.Err(err))
		}
	}
	t.publish(EventBanned, rec)

	if t.disp == nil {
		return
	}
	text := banContext(rec).Render(cfg.BanTemplate)
	for _, route := range cfg.NotifyRoutes {
		// Dispatcher logs delivery failures.
		_ = t.disp.Dispatch(ctx, route, text)
	}
}

func banContext(rec Record) render.Context {
	return render.New().
		With("ClientId", strconv.Itoa(rec.ClientID)).
		With("FriendCode", rec.Identity).
		With("Name", rec.Name).
		With("Reason", rec.Reason).
		With("Count", strconv.Itoa(rec.InfractionCount))
}

func (t *Tracker) publish(typ string, rec Record) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Data: rec})
}

// Get returns a copy of the record for identity.
func (t *Tracker) Get(identity string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[identity]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records, highest count first.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].InfractionCount != out[j].InfractionCount {
			return out[i].InfractionCount > out[j].InfractionCount
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Banned returns the number of banned identities.
func (t *Tracker) Banned() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.records {
		if r.Banned {
			n++
		}
	}
	return n
}
