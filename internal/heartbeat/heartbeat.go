// Package heartbeat periodically GETs a keep-alive URL and logs the result.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "roombridge/pkg/logx"
)

const (
	DefaultSchedule = "@every 30s"
	DefaultTimeout  = 10 * time.Second

	// bodyLogLimit caps how much of the response body is logged.
	bodyLogLimit = 512
)

var ErrNotStarted = errors.New("heartbeat not started")

type Config struct {
	URL      string
	Schedule string
	Timeout  time.Duration
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is the outcome of the most recent ping.
type Result struct {
	At     time.Time `json:"at"`
	Status int       `json:"status,omitempty"`
	Body   string    `json:"body,omitempty"`
	Err    string    `json:"err,omitempty"`
	Pings  uint64    `json:"pings"`
}

type Service struct {
	cfg    Config
	client HTTPDoer
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	last Result
}

func New(cfg Config, client HTTPDoer, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		client: client,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the ping job and starts the cron runner. Overlapping runs
// are skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Ping(ctx) }); err != nil {
		return fmt.Errorf("heartbeat schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("heartbeat started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop waits for a running ping to finish or ctx to end.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return ErrNotStarted
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping performs one GET and records the result.
func (s *Service) Ping(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	res := Result{At: time.Now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = s.client.Do(req)
		if err == nil {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, bodyLogLimit))
			_ = resp.Body.Close()
			res.Status = resp.StatusCode
			res.Body = strings.TrimSpace(string(b))
		}
	}

	s.mu.Lock()
	res.Pings = s.last.Pings + 1
	if err != nil {
		res.Err = err.Error()
	}
	s.last = res
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("heartbeat failed", logx.String("url", s.cfg.URL), logx.Err(err))
		return res
	}
	s.log.Info("heartbeat", logx.Int("status", res.Status), logx.String("body", res.Body))
	return res
}

func (s *Service) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
