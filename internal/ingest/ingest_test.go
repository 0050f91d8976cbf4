package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"roombridge/internal/abuse"
	"roombridge/internal/banguard"
	"roombridge/internal/dispatch"
	"roombridge/internal/eventbus"
	"roombridge/internal/protocol"
	"roombridge/internal/render"
	"roombridge/internal/rooms"
	"roombridge/internal/runtime/supervisor"
	logx "roombridge/pkg/logx"
)

type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
	done     chan struct{}
	err      error
	panicOn  string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 16)}
}

func (h *recordingHandler) Handle(_ context.Context, payload string, _ net.Addr) error {
	defer func() { h.done <- struct{}{} }()
	if h.panicOn != "" && payload == h.panicOn {
		panic("handler blew up")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
	return h.err
}

func (h *recordingHandler) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *recordingHandler) got() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.payloads...)
}

func startServer(t *testing.T, guard *banguard.Guard, h Handler) (*Server, net.Addr) {
	t.Helper()
	srv := NewServer(Config{ReadTimeout: time.Second}, guard, logx.Nop(), eventbus.New())
	srv.Add(Channel{Name: "rooms", Addr: "127.0.0.1:0", Handler: h})

	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(ctx)
	if err := srv.Start(ctx, sup); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		if err := sup.Wait(wctx); err != nil {
			t.Errorf("supervisor: %v", err)
		}
	})
	return srv, srv.Addr("rooms")
}

func send(t *testing.T, addr net.Addr, payload string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// A banned peer may be reset before the write lands.
	_, _ = conn.Write([]byte(payload))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, _ := io.ReadAll(conn)
	return string(b)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
}

func TestProbeEchoesReply(t *testing.T) {
	h := newRecordingHandler()
	_, addr := startServer(t, nil, h)
	if got := send(t, addr, "test\x00\x00\x00"); got != protocol.ProbeReply {
		t.Fatalf("probe reply = %q", got)
	}
	if len(h.got()) != 0 {
		t.Fatalf("probe must not reach the handler")
	}
}

func TestPayloadTrimmedAndHandled(t *testing.T) {
	h := newRecordingHandler()
	srv, addr := startServer(t, nil, h)
	if got := send(t, addr, "ABCD|x\x00\x00\r\n"); got != "" {
		t.Fatalf("no response expected, got %q", got)
	}
	waitFor(t, h.done)
	if p := h.got(); len(p) != 1 || p[0] != "ABCD|x" {
		t.Fatalf("payloads = %q", p)
	}
	if st := srv.Stats()[0]; st.Handled != 1 || st.Accepted != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReadIsCappedAtFixedSize(t *testing.T) {
	h := newRecordingHandler()
	_, addr := startServer(t, nil, h)
	send(t, addr, strings.Repeat("a", ReadSize+20))
	waitFor(t, h.done)
	if p := h.got(); len(p) != 1 || len(p[0]) != ReadSize {
		t.Fatalf("expected one %d-byte payload, got %q", ReadSize, p)
	}
}

func TestBannedAddressNeverRead(t *testing.T) {
	guard, err := banguard.Parse(strings.NewReader("127.0.0.1\n"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h := newRecordingHandler()
	srv, addr := startServer(t, guard, h)

	if got := send(t, addr, "test"); got != "" {
		t.Fatalf("banned client got a reply: %q", got)
	}
	if len(h.got()) != 0 {
		t.Fatalf("banned payload reached handler")
	}
	if st := srv.Stats()[0]; st.Banned != 1 || st.Probes != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestHandlerFailuresDoNotStopLoop(t *testing.T) {
	h := newRecordingHandler()
	h.panicOn = "boom"
	srv, addr := startServer(t, nil, h)

	send(t, addr, "boom")
	waitFor(t, h.done)
	h.setErr(errors.New("rejected"))
	send(t, addr, "bad")
	waitFor(t, h.done)
	h.setErr(nil)
	send(t, addr, "good")
	waitFor(t, h.done)

	if p := h.got(); len(p) != 2 || p[1] != "good" {
		t.Fatalf("payloads = %q", p)
	}
	st := srv.Stats()[0]
	if st.Panics != 1 || st.Rejected != 1 || st.Handled != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStartReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := NewServer(Config{}, nil, logx.Nop(), nil)
	srv.Add(Channel{Name: "rooms", Addr: ln.Addr().String(), Handler: newRecordingHandler()})
	srv.Add(Channel{Name: "abuse", Addr: "127.0.0.1:0", Handler: newRecordingHandler()})

	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(ctx)
	err = srv.Start(ctx, sup)
	if !errors.Is(err, ErrListen) || errors.Is(err, ErrNoListeners) {
		t.Fatalf("want ErrListen only, got %v", err)
	}
	if a := srv.Active(); len(a) != 1 || a[0] != "abuse" {
		t.Fatalf("active = %v", a)
	}
	cancel()
	_ = sup.Wait(context.Background())
}

type captureLane struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureLane) Name() string { return "capture" }
func (c *captureLane) Submit(_ context.Context, msg dispatch.OutboundMessage) error {
	c.mu.Lock()
	c.texts = append(c.texts, msg.Text)
	c.mu.Unlock()
	return nil
}

func TestRoomHandlerRendersPerRoute(t *testing.T) {
	zh, en := &captureLane{}, &captureLane{}
	d := dispatch.NewDispatcher(logx.Nop())
	d.Bind("bridge", zh)
	d.Bind("gateway", en)

	reg := rooms.NewRegistry(time.Hour)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	h := NewRoomHandler(protocol.NewCodec(protocol.VersionStrict, logx.Nop()), reg, d, []RoomRoute{
		{Name: "bridge", Template: "{RoomCode} {Language}", Locale: protocol.LocaleZH},
		{Name: "gateway", Template: render.RoomTemplateEN, Locale: protocol.LocaleEN},
	}, logx.Nop(), bus)

	payload := "ABCDEF|1.2_20240101_Canary|3|SChinese|Asia|Alice"
	if err := h.Handle(context.Background(), payload, nil); err != nil {
		t.Fatal(err)
	}
	if len(zh.texts) != 1 || zh.texts[0] != "ABCDEF 简体中文" {
		t.Fatalf("bridge text = %q", zh.texts)
	}
	if len(en.texts) != 1 || !strings.Contains(en.texts[0], "ABCDEF") {
		t.Fatalf("gateway text = %q", en.texts)
	}

	// Second announcement inside the window is swallowed.
	if err := h.Handle(context.Background(), payload, nil); err != nil {
		t.Fatal(err)
	}
	if len(zh.texts) != 1 {
		t.Fatalf("re-announcement should be rate limited")
	}
	if e := <-events; e.Type != EventRoomAdmitted {
		t.Fatalf("first event = %s", e.Type)
	}
	if e := <-events; e.Type != EventRoomRateLimited {
		t.Fatalf("second event = %s", e.Type)
	}

	if err := h.Handle(context.Background(), "AB|1|2|3|4|5", nil); !errors.Is(err, protocol.ErrInvalidCode) {
		t.Fatalf("want ErrInvalidCode, got %v", err)
	}
}

func TestReportHandlerRecords(t *testing.T) {
	tr := abuse.New(abuse.Config{BanThreshold: 5}, nil, nil, logx.Nop(), nil)
	h := NewReportHandler(nil, tr)
	if err := h.Handle(context.Background(), "7|fc#1|Bob|fly", nil); err != nil {
		t.Fatal(err)
	}
	rec, ok := tr.Get("fc#1")
	if !ok || rec.ClientID != 7 || rec.InfractionCount != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if err := h.Handle(context.Background(), "x|fc|Bob|fly", nil); !errors.Is(err, protocol.ErrInvalidClientID) {
		t.Fatalf("want ErrInvalidClientID, got %v", err)
	}
}

// flakyListener fails the first Accept with EMFILE, then delegates.
type flakyListener struct {
	net.Listener
	failed atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failed.CompareAndSwap(false, true) {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestAcceptErrorDoesNotStopLoop(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln := &flakyListener{Listener: inner}

	h := newRecordingHandler()
	srv := NewServer(Config{ReadTimeout: time.Second}, nil, logx.Nop(), nil)
	cs := &channelState{Channel: Channel{Name: "rooms", Handler: h}, ln: ln}

	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(ctx, supervisor.WithCancelOnError(true))
	sup.Go("ingest.rooms", func(c context.Context) error { return srv.serve(c, cs) })

	send(t, inner.Addr(), "after-emfile")
	waitFor(t, h.done)
	if p := h.got(); len(p) != 1 || p[0] != "after-emfile" {
		t.Fatalf("payloads = %q", p)
	}
	if !ln.failed.Load() {
		t.Fatalf("listener never failed")
	}
	if sup.Context().Err() != nil {
		t.Fatalf("supervisor canceled: %v", sup.Err())
	}

	cancel()
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := sup.Wait(wctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := sup.Err(); err != nil {
		t.Fatalf("loop returned error: %v", err)
	}
}
