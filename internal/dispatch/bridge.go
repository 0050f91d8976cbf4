package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roombridge/internal/eventbus"
	logx "roombridge/pkg/logx"
)

// HTTPDoer is the subset of *http.Client used by the bridge lane.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// BridgeConfig configures the immediate HTTP bridge lane.
type BridgeConfig struct {
	BaseURL string
	// Primary, when non-zero, replaces Recipients with a single target.
	Primary    Recipient
	Recipients []Recipient
	Timeout    time.Duration
}

// BridgeLane posts each message to every recipient through a OneBot-style
// HTTP API. Delivery is synchronous and never retried.
type BridgeLane struct {
	cfg    BridgeConfig
	client HTTPDoer
	log    logx.Logger
	bus    eventbus.Bus

	hsMu      sync.Mutex
	connected atomic.Bool
}

type bridgeMessage struct {
	MessageType string `json:"message_type"`
	Message     string `json:"message"`
	GroupID     string `json:"group_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

func NewBridgeLane(cfg BridgeConfig, client HTTPDoer, log logx.Logger, bus eventbus.Bus) *BridgeLane {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &BridgeLane{cfg: cfg, client: client, log: log, bus: bus}
}

func (l *BridgeLane) Name() string { return RouteBridge }

// Connected reports whether the last handshake succeeded and no transport
// error has been seen since.
func (l *BridgeLane) Connected() bool { return l.connected.Load() }

// Recipients returns the effective target list.
func (l *BridgeLane) Recipients() []Recipient {
	if l.cfg.Primary.ID != 0 {
		return []Recipient{l.cfg.Primary}
	}
	return append([]Recipient(nil), l.cfg.Recipients...)
}

// Submit delivers msg to every recipient. A failing recipient does not stop
// the others; all failures are returned joined.
func (l *BridgeLane) Submit(ctx context.Context, msg OutboundMessage) error {
	if !l.connected.Load() {
		if err := l.Handshake(ctx); err != nil {
			l.log.Warn("bridge handshake failed; sending anyway", logx.Err(err))
		}
	}

	msg.Recipients = l.Recipients()
	if len(msg.Recipients) == 0 {
		l.log.Warn("bridge lane has no recipients", logx.String("msg_id", msg.ID))
		return nil
	}

	var errs []error
	for _, r := range msg.Recipients {
		if err := l.send(ctx, r, msg.Text); err != nil {
			l.log.Warn("bridge send failed",
				logx.Int64("id", r.ID), logx.Bool("group", r.Group), logx.String("msg_id", msg.ID), logx.Err(err))
			publish(l.bus, EventFailed, DeliveryEvent{MessageID: msg.ID, Lane: l.Name(), Recipient: r.ID, Error: err.Error()})
			errs = append(errs, fmt.Errorf("recipient %d: %w", r.ID, err))
			continue
		}
		l.log.Info("bridge message sent", logx.Int64("id", r.ID), logx.Bool("group", r.Group), logx.String("msg_id", msg.ID))
		publish(l.bus, EventSent, DeliveryEvent{MessageID: msg.ID, Lane: l.Name(), Recipient: r.ID})
	}
	return errors.Join(errs...)
}

// Handshake probes get_login_info and marks the lane connected on a 2xx.
func (l *BridgeLane) Handshake(ctx context.Context) error {
	l.hsMu.Lock()
	defer l.hsMu.Unlock()
	if l.connected.Load() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.BaseURL+"/get_login_info", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("get_login_info: status %d", resp.StatusCode)
	}
	l.connected.Store(true)
	l.log.Info("bridge connected", logx.String("login_info", strings.TrimSpace(string(body))))
	return nil
}

func (l *BridgeLane) send(ctx context.Context, r Recipient, text string) error {
	m := bridgeMessage{Message: text}
	endpoint := "/send_private_msg"
	if r.Group {
		m.MessageType = "group"
		m.GroupID = strconv.FormatInt(r.ID, 10)
		endpoint = "/send_group_msg"
	} else {
		m.MessageType = "private"
		m.UserID = strconv.FormatInt(r.ID, 10)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, l.cfg.BaseURL+endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		// Force a fresh handshake on the next send.
		l.connected.Store(false)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
