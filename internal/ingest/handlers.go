package ingest

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"roombridge/internal/abuse"
	"roombridge/internal/dispatch"
	"roombridge/internal/eventbus"
	"roombridge/internal/protocol"
	"roombridge/internal/render"
	"roombridge/internal/rooms"
	logx "roombridge/pkg/logx"
)

const (
	EventRoomAdmitted    = "room.admitted"
	EventRoomRateLimited = "room.rate_limited"
)

// RoomRoute renders admitted rooms for one dispatcher route.
type RoomRoute struct {
	Name     string
	Template string
	Locale   protocol.DisplayLocale
}

// RoomHandler parses room announcements, applies the registry's
// re-announcement window and fans the rendered text out to every route.
type RoomHandler struct {
	codec    atomic.Pointer[protocol.Codec]
	routes   atomic.Pointer[[]RoomRoute]
	registry *rooms.Registry
	disp     *dispatch.Dispatcher
	log      logx.Logger
	bus      eventbus.Bus
}

func NewRoomHandler(codec *protocol.Codec, registry *rooms.Registry, disp *dispatch.Dispatcher, routes []RoomRoute, log logx.Logger, bus eventbus.Bus) *RoomHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &RoomHandler{registry: registry, disp: disp, log: log, bus: bus}
	h.SetCodec(codec)
	h.SetRoutes(routes)
	return h
}

// SetCodec swaps the codec, e.g. after a version pattern change.
func (h *RoomHandler) SetCodec(c *protocol.Codec) {
	if c == nil {
		c = protocol.NewCodec(protocol.VersionStrict, h.log)
	}
	h.codec.Store(c)
}

func (h *RoomHandler) SetRoutes(routes []RoomRoute) {
	cp := append([]RoomRoute(nil), routes...)
	h.routes.Store(&cp)
}

func (h *RoomHandler) Routes() []RoomRoute {
	return append([]RoomRoute(nil), (*h.routes.Load())...)
}

func (h *RoomHandler) Handle(ctx context.Context, payload string, remote net.Addr) error {
	room, err := h.codec.Load().ParseRoom(payload)
	if err != nil {
		return fmt.Errorf("room: %w", err)
	}
	if !h.registry.Admit(room) {
		h.log.Debug("room re-announced inside window", logx.String("code", room.Code))
		h.publish(EventRoomRateLimited, room)
		return nil
	}
	h.log.Info("room admitted",
		logx.String("code", room.Code),
		logx.String("version", room.Version),
		logx.Int("players", room.PlayerCount),
		logx.String("language", string(room.Language)),
		logx.String("server", room.ServerName))
	h.publish(EventRoomAdmitted, room)

	for _, rt := range *h.routes.Load() {
		text := render.Room(room, rt.Locale).Render(rt.Template)
		// Dispatcher logs failures; one route failing does not stop the rest.
		_ = h.disp.Dispatch(ctx, rt.Name, text)
	}
	return nil
}

func (h *RoomHandler) publish(typ string, room protocol.Room) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Data: room})
}

// ReportHandler feeds abuse reports into the tracker.
type ReportHandler struct {
	codec   *protocol.Codec
	tracker *abuse.Tracker
}

func NewReportHandler(codec *protocol.Codec, tracker *abuse.Tracker) *ReportHandler {
	if codec == nil {
		codec = &protocol.Codec{}
	}
	return &ReportHandler{codec: codec, tracker: tracker}
}

func (h *ReportHandler) Handle(ctx context.Context, payload string, remote net.Addr) error {
	rep, err := h.codec.ParseReport(payload)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	h.tracker.Record(ctx, rep)
	return nil
}
