package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"roombridge/internal/eventbus"
	logx "roombridge/pkg/logx"
)

type bridgeServer struct {
	mu        sync.Mutex
	logins    int
	posts     []string
	bodies    []map[string]string
	failGroup bool
}

func (s *bridgeServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.URL.Path {
		case "/get_login_info":
			s.logins++
			_, _ = w.Write([]byte(`{"user_id":1,"nickname":"bot"}`))
		case "/send_group_msg", "/send_private_msg":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			var m map[string]string
			_ = json.NewDecoder(r.Body).Decode(&m)
			s.posts = append(s.posts, r.URL.Path)
			s.bodies = append(s.bodies, m)
			if s.failGroup && r.URL.Path == "/send_group_msg" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestBridgeLanePrimaryTarget(t *testing.T) {
	bs := &bridgeServer{}
	srv := httptest.NewServer(bs.handler())
	defer srv.Close()

	lane := NewBridgeLane(BridgeConfig{
		BaseURL:    srv.URL + "/",
		Primary:    Recipient{ID: 42, Group: true},
		Recipients: []Recipient{{ID: 1}, {ID: 2}},
	}, srv.Client(), logx.Nop(), nil)

	if err := lane.Submit(context.Background(), OutboundMessage{ID: "m1", Text: "hello"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !lane.Connected() {
		t.Fatalf("expected handshake to mark lane connected")
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.logins != 1 {
		t.Fatalf("expected 1 handshake, got %d", bs.logins)
	}
	if len(bs.posts) != 1 || bs.posts[0] != "/send_group_msg" {
		t.Fatalf("expected single group post, got %v", bs.posts)
	}
	b := bs.bodies[0]
	if b["message"] != "hello" || b["group_id"] != "42" || b["message_type"] != "group" {
		t.Fatalf("unexpected body %v", b)
	}
	if _, ok := b["user_id"]; ok {
		t.Fatalf("group message must not carry user_id")
	}
}

func TestBridgeLaneRecipientFailureIsolated(t *testing.T) {
	bs := &bridgeServer{failGroup: true}
	srv := httptest.NewServer(bs.handler())
	defer srv.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	lane := NewBridgeLane(BridgeConfig{
		BaseURL:    srv.URL,
		Recipients: []Recipient{{ID: 10, Group: true}, {ID: 20, Group: false}},
	}, srv.Client(), logx.Nop(), bus)

	err := lane.Submit(context.Background(), OutboundMessage{ID: "m2", Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "recipient 10") {
		t.Fatalf("expected failure for recipient 10, got %v", err)
	}

	bs.mu.Lock()
	if len(bs.posts) != 2 || bs.posts[1] != "/send_private_msg" {
		t.Fatalf("second recipient should still be attempted, got %v", bs.posts)
	}
	if bs.bodies[1]["user_id"] != "20" || bs.bodies[1]["message_type"] != "private" {
		t.Fatalf("unexpected private body %v", bs.bodies[1])
	}
	bs.mu.Unlock()

	var sent, failed int
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			switch e.Type {
			case EventSent:
				sent++
			case EventFailed:
				failed++
			}
		case <-time.After(time.Second):
			t.Fatalf("missing delivery event")
		}
	}
	if sent != 1 || failed != 1 {
		t.Fatalf("expected 1 sent and 1 failed, got %d/%d", sent, failed)
	}
}

type errDoer struct{ calls int }

func (d *errDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return nil, errors.New("connection refused")
}

func TestBridgeLaneRehandshakeAfterTransportError(t *testing.T) {
	bs := &bridgeServer{}
	srv := httptest.NewServer(bs.handler())
	defer srv.Close()

	lane := NewBridgeLane(BridgeConfig{BaseURL: srv.URL, Primary: Recipient{ID: 1}}, srv.Client(), logx.Nop(), nil)
	if err := lane.Submit(context.Background(), OutboundMessage{Text: "a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := lane.Submit(context.Background(), OutboundMessage{Text: "b"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	bs.mu.Lock()
	logins := bs.logins
	bs.mu.Unlock()
	if logins != 1 {
		t.Fatalf("connected lane should not re-handshake, got %d", logins)
	}

	// A transport error drops the connected flag.
	down := NewBridgeLane(BridgeConfig{BaseURL: "http://bridge.invalid", Primary: Recipient{ID: 1}}, &errDoer{}, logx.Nop(), nil)
	down.connected.Store(true)
	if err := down.Submit(context.Background(), OutboundMessage{Text: "c"}); err == nil {
		t.Fatalf("expected error")
	}
	if down.Connected() {
		t.Fatalf("transport error should reset connected flag")
	}
}

type fakeSender struct {
	mu     sync.Mutex
	logins int
	sent   []string
	fail   map[int64]bool
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Login(context.Context) error {
	f.mu.Lock()
	f.logins++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SendToChannel(_ context.Context, id int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return errors.New("forbidden")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func TestGatewayLaneOneItemPerTick(t *testing.T) {
	fs := &fakeSender{}
	lane := NewGatewayLane(GatewayConfig{Interval: time.Hour, ChannelIDs: []int64{100}}, fs, logx.Nop(), nil)
	ticks := make(chan time.Time)
	lane.SetTicker(func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} })

	ctx := context.Background()
	for _, s := range []string{"one", "two", "three"} {
		if err := lane.Submit(ctx, OutboundMessage{Text: s}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if lane.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", lane.Depth())
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = lane.Run(runCtx)
		close(done)
	}()

	ticks <- time.Now()
	// The second send blocks until the first tick has been fully handled.
	ticks <- time.Now()
	cancel()
	<-done

	if lane.Depth() != 1 {
		t.Fatalf("expected 1 message left after 2 ticks, got %d", lane.Depth())
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.sent) != 2 || fs.sent[0] != "one" || fs.sent[1] != "two" {
		t.Fatalf("expected FIFO delivery, got %v", fs.sent)
	}
	if fs.logins != 1 {
		t.Fatalf("expected login on start, got %d", fs.logins)
	}
}

func TestGatewayLaneDrainOnceFIFO(t *testing.T) {
	fs := &fakeSender{fail: map[int64]bool{1: true}}
	lane := NewGatewayLane(GatewayConfig{ChannelIDs: []int64{1, 2}}, fs, logx.Nop(), nil)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		_ = lane.Submit(ctx, OutboundMessage{Text: s})
	}

	if !lane.DrainOnce(ctx) {
		t.Fatalf("expected a message")
	}
	if lane.Depth() != 2 {
		t.Fatalf("one tick should remove exactly one item, depth=%d", lane.Depth())
	}
	lane.DrainOnce(ctx)
	lane.DrainOnce(ctx)
	if lane.DrainOnce(ctx) {
		t.Fatalf("queue should be empty")
	}

	fs.mu.Lock()
	got := strings.Join(fs.sent, ",")
	fs.mu.Unlock()
	if got != "a,b,c" {
		t.Fatalf("channel 2 should receive every message in order despite channel 1 failing, got %q", got)
	}
	delivered, failed := lane.Stats()
	if delivered != 3 || failed != 3 {
		t.Fatalf("unexpected stats %d/%d", delivered, failed)
	}
}

type captureLane struct {
	got []OutboundMessage
}

func (c *captureLane) Name() string { return "capture" }

func (c *captureLane) Submit(_ context.Context, msg OutboundMessage) error {
	c.got = append(c.got, msg)
	return nil
}

func TestDispatcherRoutes(t *testing.T) {
	d := NewDispatcher(logx.Nop())
	a, b := &captureLane{}, &captureLane{}
	d.Bind(RouteBridge, a)
	d.Bind(RouteGateway, b)

	ctx := context.Background()
	if err := d.Dispatch(ctx, RouteBridge, "to-a"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, RouteGateway, "to-b"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, "nowhere", "x"); !errors.Is(err, ErrUnknownRoute) {
		t.Fatalf("expected ErrUnknownRoute, got %v", err)
	}
	if len(a.got) != 1 || a.got[0].Text != "to-a" || a.got[0].ID == "" {
		t.Fatalf("bridge lane got %+v", a.got)
	}
	if len(b.got) != 1 || b.got[0].Route != RouteGateway {
		t.Fatalf("gateway lane got %+v", b.got)
	}

	d.Bind(RouteGateway, nil)
	if d.Has(RouteGateway) || len(d.Routes()) != 1 {
		t.Fatalf("unbind failed: %v", d.Routes())
	}
}

func TestParseRecipients(t *testing.T) {
	in := "123 | true\n\n# c\n456|False\nbad\n789|maybe\n"
	got, err := ParseRecipients(strings.NewReader(in), logx.Nop())
	if err != nil {
		t.Fatalf("ParseRecipients: %v", err)
	}
	want := []Recipient{{ID: 123, Group: true}, {ID: 456, Group: false}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
