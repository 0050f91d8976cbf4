package abuse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"roombridge/internal/dispatch"
	"roombridge/internal/protocol"
	"roombridge/internal/storage"
	logx "roombridge/pkg/logx"
)

type memStore struct {
	entries []storage.BanEntry
	err     error
}

func (m *memStore) AppendBan(_ context.Context, e storage.BanEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) Count(context.Context) (int, error) { return len(m.entries), nil }
func (m *memStore) Close() error                       { return nil }

func (m *memStore) Lines(context.Context) ([]string, error) {
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, storage.FormatBanLine(e))
	}
	return out, nil
}

type captureLane struct{ texts []string }

func (c *captureLane) Name() string { return "capture" }
func (c *captureLane) Submit(_ context.Context, msg dispatch.OutboundMessage) error {
	c.texts = append(c.texts, msg.Text)
	return nil
}

func report(identity string) protocol.Report {
	return protocol.Report{ClientID: 3, Identity: identity, Name: "Mallory", Reason: "speed"}
}

func newTracker(cfg Config) (*Tracker, *memStore, *captureLane) {
	st := &memStore{}
	lane := &captureLane{}
	d := dispatch.NewDispatcher(logx.Nop())
	d.Bind(dispatch.RouteBridge, lane)
	if cfg.NotifyRoutes == nil {
		cfg.NotifyRoutes = []string{dispatch.RouteBridge}
	}
	return New(cfg, st, d, logx.Nop(), nil), st, lane
}

func TestRecordFirstReportOnlyCheck(t *testing.T) {
	tr, st, lane := newTracker(Config{BanThreshold: DefaultBanThreshold})
	ctx := context.Background()

	rec := tr.Record(ctx, report("fc1"))
	if rec.InfractionCount != 1 || rec.Banned {
		t.Fatalf("first report: %+v", rec)
	}
	for i := 0; i < 5; i++ {
		rec = tr.Record(ctx, report("fc1"))
	}
	if rec.InfractionCount != 6 {
		t.Fatalf("expected count 6, got %d", rec.InfractionCount)
	}
	if rec.Banned || len(st.entries) != 0 || len(lane.texts) != 0 {
		t.Fatalf("increments must not trigger a ban: rec=%+v bans=%d notes=%d", rec, len(st.entries), len(lane.texts))
	}
}

func TestRecordOverwritesMutableFields(t *testing.T) {
	tr, _, _ := newTracker(Config{BanThreshold: 5})
	ctx := context.Background()
	tr.Record(ctx, report("fc1"))
	tr.Record(ctx, protocol.Report{ClientID: 9, Identity: "fc1", Name: "M2", Reason: "fly"})

	rec, ok := tr.Get("fc1")
	if !ok || rec.ClientID != 9 || rec.Name != "M2" || rec.Reason != "fly" || rec.InfractionCount != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRecordBansNewRecordOverThreshold(t *testing.T) {
	tr, st, lane := newTracker(Config{BanThreshold: 0})
	ctx := context.Background()

	rec := tr.Record(ctx, report("fc2"))
	if !rec.Banned {
		t.Fatalf("threshold 0 should ban on the first report")
	}
	if len(st.entries) != 1 {
		t.Fatalf("expected 1 ban log entry, got %d", len(st.entries))
	}
	if got := storage.FormatBanLine(st.entries[0]); got != "Id:3FriendCode:fc2Name:MalloryReason:speed : Count1" {
		t.Fatalf("unexpected ban line %q", got)
	}
	if len(lane.texts) != 1 || lane.texts[0] != "AddBan\nName:Mallory\nFriendCode:fc2Reason:speedCount:1" {
		t.Fatalf("unexpected notification %q", lane.texts)
	}

	// Banned is one-way and fires once.
	tr.Record(ctx, report("fc2"))
	if len(st.entries) != 1 || tr.Banned() != 1 {
		t.Fatalf("ban must fire at most once")
	}
}

func TestRecordRecheckOnIncrement(t *testing.T) {
	tr, st, _ := newTracker(Config{BanThreshold: 2, RecheckOnIncrement: true})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tr.Record(ctx, report("fc3"))
	}
	if len(st.entries) != 1 {
		t.Fatalf("expected exactly one ban, got %d", len(st.entries))
	}
	if st.entries[0].Count != 3 {
		t.Fatalf("ban should fire on the third report, got count %d", st.entries[0].Count)
	}
}

func TestBanSurvivesStoreFailure(t *testing.T) {
	tr, st, lane := newTracker(Config{BanThreshold: 0})
	st.err = errors.New("disk full")
	rec := tr.Record(context.Background(), report("fc4"))
	if !rec.Banned || len(lane.texts) != 1 {
		t.Fatalf("ban should stand and notify even when the log fails")
	}
}

func TestManualBanAndTemplate(t *testing.T) {
	tr, st, lane := newTracker(Config{BanThreshold: 100, BanTemplate: "ban {FriendCode} #{ClientId}"})
	ctx := context.Background()
	if tr.Ban(ctx, "missing") {
		t.Fatalf("unknown identity cannot be banned")
	}
	tr.Record(ctx, report("fc5"))
	if !tr.Ban(ctx, "fc5") || tr.Ban(ctx, "fc5") {
		t.Fatalf("manual ban should succeed exactly once")
	}
	if len(st.entries) != 1 || !strings.HasPrefix(lane.texts[0], "ban fc5 #3") {
		t.Fatalf("unexpected ban side effects: %v %q", st.entries, lane.texts)
	}
}
