// Package status serves a small read-only HTTP view of the bridge state.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"roombridge/internal/abuse"
	"roombridge/internal/dispatch"
	"roombridge/internal/eventbus"
	"roombridge/internal/heartbeat"
	"roombridge/internal/ingest"
	"roombridge/internal/rooms"
	"roombridge/internal/runtime/supervisor"
	"roombridge/internal/storage"
	logx "roombridge/pkg/logx"
)

// Sources are the components the endpoint reads. Nil members are omitted
// from the report.
type Sources struct {
	Rooms      *rooms.Registry
	Abuse      *abuse.Tracker
	Bridge     *dispatch.BridgeLane
	Gateway    *dispatch.GatewayLane
	Ingest     *ingest.Server
	Events     *eventbus.Counter
	Supervisor *supervisor.Supervisor
	Heartbeat  *heartbeat.Service
	Bans       storage.Store
}

type BridgeStatus struct {
	Connected  bool `json:"connected"`
	Recipients int  `json:"recipients"`
}

type GatewayStatus struct {
	Depth     int    `json:"depth"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

type Report struct {
	StartedAt    time.Time             `json:"started_at"`
	Uptime       string                `json:"uptime"`
	Listeners    []ingest.ChannelStats `json:"listeners"`
	RoomInterval string                `json:"room_interval,omitempty"`
	Rooms        []rooms.Entry         `json:"rooms"`
	Abuse        []abuse.Record        `json:"abuse,omitempty"`
	Banned       int                   `json:"banned"`
	Persisted    *int                  `json:"persisted_bans,omitempty"`
	Bridge       *BridgeStatus         `json:"bridge,omitempty"`
	Gateway      *GatewayStatus        `json:"gateway,omitempty"`
	Events       []eventbus.TypeCount  `json:"events,omitempty"`
	Heartbeat    *heartbeat.Result     `json:"heartbeat,omitempty"`
	Goroutines   *supervisor.Snapshot  `json:"goroutines,omitempty"`
}

type Server struct {
	addr      string
	src       Sources
	log       logx.Logger
	startedAt time.Time
	engine    *gin.Engine

	srv *http.Server
	ln  net.Listener
}

func New(addr string, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{addr: addr, src: src, log: log, startedAt: time.Now()}
	s.engine = s.router()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.healthz)
	r.GET("/status", s.status)
	r.GET("/bans", s.bans)
	return r
}

func (s *Server) healthz(c *gin.Context) {
	var active []string
	if s.src.Ingest != nil {
		active = s.src.Ingest.Active()
	}
	if len(active) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "listeners": active})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "listeners": active})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.report(c.Request.Context()))
}

// bans lists the persisted ban log, oldest first.
func (s *Server) bans(c *gin.Context) {
	if s.src.Bans == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ban log disabled"})
		return
	}
	lines, err := s.src.Bans.Lines(c.Request.Context())
	if err != nil {
		s.log.Warn("ban log read failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(lines), "lines": lines})
}

// Report assembles the current state.
func (s *Server) Report() Report { return s.report(context.Background()) }

func (s *Server) report(ctx context.Context) Report {
	rep := Report{
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Rooms:     []rooms.Entry{},
	}
	src := s.src
	if src.Ingest != nil {
		rep.Listeners = src.Ingest.Stats()
	}
	if src.Rooms != nil {
		rep.Rooms = src.Rooms.Snapshot()
		rep.RoomInterval = src.Rooms.Interval().String()
	}
	if src.Abuse != nil {
		rep.Abuse = src.Abuse.Snapshot()
		rep.Banned = src.Abuse.Banned()
	}
	if src.Bridge != nil {
		rep.Bridge = &BridgeStatus{Connected: src.Bridge.Connected(), Recipients: len(src.Bridge.Recipients())}
	}
	if src.Gateway != nil {
		d, f := src.Gateway.Stats()
		rep.Gateway = &GatewayStatus{Depth: src.Gateway.Depth(), Delivered: d, Failed: f}
	}
	if src.Events != nil {
		rep.Events = src.Events.Snapshot()
	}
	if src.Bans != nil {
		if n, err := src.Bans.Count(ctx); err == nil {
			rep.Persisted = &n
		} else {
			s.log.Debug("ban count failed", logx.Err(err))
		}
	}
	if src.Heartbeat != nil {
		last := src.Heartbeat.Last()
		rep.Heartbeat = &last
	}
	if src.Supervisor != nil {
		snap := src.Supervisor.Snapshot()
		rep.Goroutines = &snap
	}
	return rep
}

// Start binds addr and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context, sup *supervisor.Supervisor) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.log.Info("status endpoint listening", logx.String("addr", ln.Addr().String()))

	sup.Go("status.http", func(ctx context.Context) error {
		stop := context.AfterFunc(ctx, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.srv.Shutdown(sctx)
		})
		defer stop()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
