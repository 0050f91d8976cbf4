package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"roombridge/internal/eventbus"
	"roombridge/internal/transport"
	logx "roombridge/pkg/logx"
)

// DefaultMessageInterval is the gateway drain cadence.
const DefaultMessageInterval = 30 * time.Second

// TickerFunc returns a tick channel and a stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type GatewayConfig struct {
	Interval   time.Duration
	ChannelIDs []int64
}

// GatewayLane queues messages without bound and delivers at most one per
// tick through a logged-in chat session.
type GatewayLane struct {
	cfg    GatewayConfig
	sender transport.ChannelSender
	log    logx.Logger
	bus    eventbus.Bus
	ticker TickerFunc

	mu    sync.Mutex
	queue []OutboundMessage

	loggedIn  atomic.Bool
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func NewGatewayLane(cfg GatewayConfig, sender transport.ChannelSender, log logx.Logger, bus eventbus.Bus) *GatewayLane {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMessageInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &GatewayLane{cfg: cfg, sender: sender, log: log, bus: bus, ticker: realTicker}
}

// SetTicker replaces the tick source. Tests only.
func (l *GatewayLane) SetTicker(fn TickerFunc) { l.ticker = fn }

func (l *GatewayLane) Name() string { return RouteGateway }

// Submit appends msg to the queue with a snapshot of the channel list.
func (l *GatewayLane) Submit(ctx context.Context, msg OutboundMessage) error {
	_ = ctx
	if len(l.cfg.ChannelIDs) == 0 {
		l.log.Warn("gateway lane has no channels", logx.String("msg_id", msg.ID))
		return nil
	}
	msg.Recipients = make([]Recipient, 0, len(l.cfg.ChannelIDs))
	for _, id := range l.cfg.ChannelIDs {
		msg.Recipients = append(msg.Recipients, Recipient{ID: id})
	}

	l.mu.Lock()
	l.queue = append(l.queue, msg)
	depth := len(l.queue)
	l.mu.Unlock()

	l.log.Debug("gateway message queued", logx.String("msg_id", msg.ID), logx.Int("depth", depth))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: EventQueued, Data: msg.ID})
	}
	return nil
}

// Depth returns the number of queued messages.
func (l *GatewayLane) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stats returns delivered and failed per-channel send counts.
func (l *GatewayLane) Stats() (delivered, failed uint64) {
	return l.delivered.Load(), l.failed.Load()
}

// Run logs in and drains the queue once per interval until ctx is done.
// Messages still queued on exit are dropped.
func (l *GatewayLane) Run(ctx context.Context) error {
	if err := l.login(ctx); err != nil {
		l.log.Warn("gateway login failed; will retry on next send", logx.String("platform", l.sender.Name()), logx.Err(err))
	}

	tick, stop := l.ticker(l.cfg.Interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			if n := l.Depth(); n > 0 {
				l.log.Info("gateway lane stopped with queued messages", logx.Int("depth", n))
			}
			return nil
		case <-tick:
			l.DrainOnce(ctx)
		}
	}
}

// DrainOnce dequeues at most one message and tries every channel in it.
// It reports whether a message was dequeued.
func (l *GatewayLane) DrainOnce(ctx context.Context) bool {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	msg := l.queue[0]
	l.queue[0] = OutboundMessage{}
	l.queue = l.queue[1:]
	l.mu.Unlock()

	if !l.loggedIn.Load() {
		if err := l.login(ctx); err != nil {
			l.log.Warn("gateway login retry failed", logx.String("platform", l.sender.Name()), logx.Err(err))
		}
	}

	for _, r := range msg.Recipients {
		err := l.sender.SendToChannel(ctx, r.ID, msg.Text)
		if err != nil {
			l.failed.Add(1)
			l.log.Warn("gateway send failed", logx.String("platform", l.sender.Name()), logx.Int64("channel", r.ID), logx.String("msg_id", msg.ID), logx.Err(err))
			publish(l.bus, EventFailed, DeliveryEvent{MessageID: msg.ID, Lane: l.Name(), Recipient: r.ID, Error: err.Error()})
			continue
		}
		l.delivered.Add(1)
		l.log.Info("gateway message sent", logx.String("platform", l.sender.Name()), logx.Int64("channel", r.ID), logx.String("msg_id", msg.ID))
		publish(l.bus, EventSent, DeliveryEvent{MessageID: msg.ID, Lane: l.Name(), Recipient: r.ID})
	}
	return true
}

func (l *GatewayLane) login(ctx context.Context) error {
	if l.sender == nil {
		return errors.New("no gateway sender configured")
	}
	if err := l.sender.Login(ctx); err != nil {
		return fmt.Errorf("%s login: %w", l.sender.Name(), err)
	}
	l.loggedIn.Store(true)
	return nil
}
