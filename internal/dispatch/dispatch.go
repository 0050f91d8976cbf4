// Package dispatch delivers rendered messages through delivery lanes.
//
// A route name (for example "bridge" or "gateway") selects exactly one lane.
// The bridge lane delivers synchronously to every recipient; the gateway lane
// queues messages and drains one per tick.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"roombridge/internal/eventbus"
	logx "roombridge/pkg/logx"
)

const (
	RouteBridge  = "bridge"
	RouteGateway = "gateway"
)

// Event types published on the bus.
const (
	EventSent   = "dispatch.sent"
	EventFailed = "dispatch.failed"
	EventQueued = "dispatch.queued"
)

var ErrUnknownRoute = errors.New("unknown route")

// Recipient is one delivery target. Group only matters for the bridge lane.
type Recipient struct {
	ID    int64 `json:"id"`
	Group bool  `json:"group"`
}

// OutboundMessage is one unit of work for a lane. Recipients are resolved by
// the lane at submit time.
type OutboundMessage struct {
	ID         string      `json:"id"`
	Route      string      `json:"route"`
	Text       string      `json:"text"`
	Recipients []Recipient `json:"recipients,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// DeliveryEvent is the bus payload for EventSent/EventFailed.
type DeliveryEvent struct {
	MessageID string `json:"message_id"`
	Lane      string `json:"lane"`
	Recipient int64  `json:"recipient"`
	Error     string `json:"error,omitempty"`
}

// Lane delivers messages for one or more routes.
type Lane interface {
	Name() string
	Submit(ctx context.Context, msg OutboundMessage) error
}

// Dispatcher maps routes to lanes. It is safe for concurrent use.
type Dispatcher struct {
	log logx.Logger

	mu     sync.RWMutex
	routes map[string]Lane
}

func NewDispatcher(log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{log: log, routes: map[string]Lane{}}
}

// Bind routes messages for route to lane. A nil lane removes the route.
func (d *Dispatcher) Bind(route string, lane Lane) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lane == nil {
		delete(d.routes, route)
		return
	}
	d.routes[route] = lane
}

// Routes returns the bound route names, sorted.
func (d *Dispatcher) Routes() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.routes))
	for r := range d.routes {
		out = append(out, r)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Has reports whether route is bound.
func (d *Dispatcher) Has(route string) bool {
	d.mu.RLock()
	_, ok := d.routes[route]
	d.mu.RUnlock()
	return ok
}

// Dispatch hands text to the lane bound to route. Lane failures are logged
// and returned; callers treat them as non-fatal.
func (d *Dispatcher) Dispatch(ctx context.Context, route, text string) error {
	d.mu.RLock()
	lane := d.routes[route]
	d.mu.RUnlock()
	if lane == nil {
		d.log.Warn("dropping message for unbound route", logx.String("route", route))
		return fmt.Errorf("%w: %s", ErrUnknownRoute, route)
	}

	msg := OutboundMessage{
		ID:        uuid.NewString(),
		Route:     route,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if err := lane.Submit(ctx, msg); err != nil {
		d.log.Warn("delivery failed", logx.String("route", route), logx.String("lane", lane.Name()), logx.String("msg_id", msg.ID), logx.Err(err))
		return err
	}
	return nil
}

func publish(bus eventbus.Bus, typ string, ev DeliveryEvent) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
