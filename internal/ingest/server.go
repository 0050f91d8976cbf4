// Package ingest accepts the game server's TCP announcements. Each channel
// (rooms, abuse reports) gets its own listener and accept loop; connections
// on one channel are handled one at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"roombridge/internal/banguard"
	"roombridge/internal/eventbus"
	"roombridge/internal/protocol"
	"roombridge/internal/runtime/supervisor"
	logx "roombridge/pkg/logx"
)

// ReadSize is the fixed number of bytes read from each connection.
const ReadSize = 60

const DefaultReadTimeout = 5 * time.Second

const (
	EventBannedIP = "ingest.banned_ip"
	EventRejected = "ingest.rejected"
)

var (
	ErrListen      = errors.New("ingest: listen failed")
	ErrNoListeners = errors.New("ingest: no listener started")
)

// Handler processes one trimmed payload. Returned errors are logged as
// protocol rejections; nothing is written back to the client.
type Handler interface {
	Handle(ctx context.Context, payload string, remote net.Addr) error
}

type HandlerFunc func(ctx context.Context, payload string, remote net.Addr) error

func (f HandlerFunc) Handle(ctx context.Context, payload string, remote net.Addr) error {
	return f(ctx, payload, remote)
}

// Channel binds a handler to a listen address.
type Channel struct {
	Name    string
	Addr    string
	Handler Handler
}

type Config struct {
	ReadTimeout time.Duration
}

// ChannelStats is a point-in-time view of one channel's counters.
type ChannelStats struct {
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	Accepted uint64 `json:"accepted"`
	Banned   uint64 `json:"banned"`
	Probes   uint64 `json:"probes"`
	Handled  uint64 `json:"handled"`
	Rejected uint64 `json:"rejected"`
	Panics   uint64 `json:"panics"`
}

type channelState struct {
	Channel
	ln net.Listener

	accepted atomic.Uint64
	banned   atomic.Uint64
	probes   atomic.Uint64
	handled  atomic.Uint64
	rejected atomic.Uint64
	panics   atomic.Uint64
}

type Server struct {
	cfg   Config
	guard *banguard.Guard
	log   logx.Logger
	bus   eventbus.Bus

	mu     sync.Mutex
	chans  []*channelState
	active []*channelState
}

func NewServer(cfg Config, guard *banguard.Guard, log logx.Logger, bus eventbus.Bus) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if guard == nil {
		guard = banguard.Empty()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, guard: guard, log: log, bus: bus}
}

// Add registers a channel. Channels must be added before Start.
func (s *Server) Add(ch Channel) {
	s.mu.Lock()
	s.chans = append(s.chans, &channelState{Channel: ch})
	s.mu.Unlock()
}

// Start binds every channel and runs their accept loops under sup. A channel
// that fails to bind is logged and skipped; its error is part of the
// returned error. Start fails with ErrNoListeners only if nothing bound.
func (s *Server) Start(ctx context.Context, sup *supervisor.Supervisor) error {
	s.mu.Lock()
	chans := append([]*channelState(nil), s.chans...)
	s.mu.Unlock()

	var errs []error
	lc := net.ListenConfig{}
	for _, cs := range chans {
		ln, err := lc.Listen(ctx, "tcp", cs.Addr)
		if err != nil {
			s.log.Error("listener disabled", logx.String("channel", cs.Name), logx.String("addr", cs.Addr), logx.Err(err))
			errs = append(errs, fmt.Errorf("%w: %s on %s: %v", ErrListen, cs.Name, cs.Addr, err))
			continue
		}
		cs.ln = ln
		s.mu.Lock()
		s.active = append(s.active, cs)
		s.mu.Unlock()
		s.log.Info("listening", logx.String("channel", cs.Name), logx.String("addr", ln.Addr().String()))

		cs := cs
		sup.Go("ingest."+cs.Name, func(ctx context.Context) error {
			return s.serve(ctx, cs)
		})
	}
	if len(s.Active()) == 0 {
		errs = append(errs, ErrNoListeners)
	}
	return errors.Join(errs...)
}

// Active returns the names of channels with a bound listener.
func (s *Server) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for _, cs := range s.active {
		out = append(out, cs.Name)
	}
	return out
}

// Addr returns the bound address of a channel, or nil.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.active {
		if cs.Name == name {
			return cs.ln.Addr()
		}
	}
	return nil
}

func (s *Server) Stats() []ChannelStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelStats, 0, len(s.active))
	for _, cs := range s.active {
		out = append(out, ChannelStats{
			Name:     cs.Name,
			Addr:     cs.ln.Addr().String(),
			Accepted: cs.accepted.Load(),
			Banned:   cs.banned.Load(),
			Probes:   cs.probes.Load(),
			Handled:  cs.handled.Load(),
			Rejected: cs.rejected.Load(),
			Panics:   cs.panics.Load(),
		})
	}
	return out
}

func (s *Server) serve(ctx context.Context, cs *channelState) error {
	stop := context.AfterFunc(ctx, func() { _ = cs.ln.Close() })
	defer stop()
	defer cs.ln.Close()

	var tempDelay time.Duration
	for {
		conn, err := cs.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Anything else (timeouts, EMFILE, ENFILE, aborted handshakes)
			// is retried; only cancellation ends the loop.
			tempDelay = max(5*time.Millisecond, min(tempDelay*2, time.Second))
			s.log.Warn("accept error; retrying", logx.String("channel", cs.Name), logx.Duration("delay", tempDelay), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0
		cs.accepted.Add(1)
		s.handleConn(ctx, cs, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, cs *channelState, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr()
	log := s.log.With(logx.String("channel", cs.Name), logx.String("remote", remote.String()))

	defer func() {
		if r := recover(); r != nil {
			cs.panics.Add(1)
			log.Error("connection handler panicked", logx.Any("panic", r))
		}
	}()

	if s.guard.IsBannedConn(remote) {
		cs.banned.Add(1)
		log.Info("rejected banned address")
		s.publish(EventBannedIP, remote.String())
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	buf := make([]byte, ReadSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil {
			log.Debug("read failed", logx.Err(err))
		}
		return
	}
	payload := protocol.TrimPadding(string(buf[:n]))
	log.Debug("payload received", logx.String("payload", payload))

	if protocol.IsProbe(payload) {
		cs.probes.Add(1)
		if _, err := conn.Write([]byte(protocol.ProbeReply)); err != nil {
			log.Debug("probe reply failed", logx.Err(err))
		}
		return
	}

	if err := cs.Handler.Handle(ctx, payload, remote); err != nil {
		cs.rejected.Add(1)
		log.Warn("payload rejected", logx.String("payload", payload), logx.Err(err))
		s.publish(EventRejected, cs.Name)
		return
	}
	cs.handled.Add(1)
}

func (s *Server) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
