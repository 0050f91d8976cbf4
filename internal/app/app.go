package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"roombridge/internal/abuse"
	"roombridge/internal/banguard"
	"roombridge/internal/config"
	"roombridge/internal/dispatch"
	"roombridge/internal/eventbus"
	"roombridge/internal/heartbeat"
	"roombridge/internal/ingest"
	"roombridge/internal/rooms"
	"roombridge/internal/status"
	"roombridge/internal/storage"
	"roombridge/internal/transport"
	"roombridge/internal/transport/discord"
	"roombridge/internal/transport/telegram"
	logx "roombridge/pkg/logx"
)

const (
	ChannelRooms = "rooms"
	ChannelAbuse = "abuse"
)

type App struct {
	cfgPath string
	runID   string

	cfgm *ConfigManager
	sup  *Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	events *eventbus.Counter
	store  storage.Store

	guard    *banguard.Guard
	registry *rooms.Registry
	tracker  *abuse.Tracker
	disp     *dispatch.Dispatcher
	bridge   *dispatch.BridgeLane
	gateway  *dispatch.GatewayLane
	sender   transport.ChannelSender
	roomH    *ingest.RoomHandler
	ingest   *ingest.Server

	heartbeat  *heartbeat.Service
	status     *status.Server
	statusAddr string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgPath, cfgm, cfg)
}

// openStore is swapped in tests.
var openStore = storage.Open

func newApp(cfgPath string, cfgm *ConfigManager, cfg *Config) (_ *App, err error) {
	// Resources opened so far; released in reverse order when construction fails.
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	runID := uuid.NewString()
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "gateway"))

	sender, err := newSender(cfg, bootLog)
	if err != nil {
		return nil, err
	}

	// A nil *Sender must not become a non-nil interface.
	var chat logx.ChatSender
	if sender != nil {
		chat = sender
	}
	if sender != nil {
		closers = append(closers, sender.Close)
	}
	logSvc, log := logx.New(mapLogConfig(cfg), chat)
	closers = append(closers, logSvc.Close)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	guard, err := banguard.Load(cfg.Ingest.BanIPPath, log.With(logx.String("comp", "banguard")))
	if err != nil {
		return nil, err
	}

	interval, err := parseDurationOrDefault("rooms.interval", cfg.Rooms.Interval, rooms.DefaultInterval)
	if err != nil {
		return nil, err
	}
	registry := rooms.NewRegistry(interval)

	disp := dispatch.NewDispatcher(log.With(logx.String("comp", "dispatch")))

	var bridge *dispatch.BridgeLane
	if config.BoolOr(cfg.Bridge.Enabled, true) {
		bc, err := mapBridgeConfig(cfg, log)
		if err != nil {
			return nil, err
		}
		bridge = dispatch.NewBridgeLane(bc, nil, log.With(logx.String("comp", "bridge")), bus)
		disp.Bind(dispatch.RouteBridge, bridge)
		if len(bridge.Recipients()) == 0 {
			log.Warn("bridge lane has no recipients; set bridge.target_id or bridge.recipients_path")
		}
	}

	var gateway *dispatch.GatewayLane
	if sender != nil {
		msgInterval, err := parseDurationOrDefault("gateway.message_interval", cfg.Gateway.MessageInterval, dispatch.DefaultMessageInterval)
		if err != nil {
			return nil, err
		}
		gateway = dispatch.NewGatewayLane(dispatch.GatewayConfig{
			Interval:   msgInterval,
			ChannelIDs: append([]int64(nil), cfg.Gateway.ChannelIDs...),
		}, sender, log.With(logx.String("comp", "gateway")), bus)
		disp.Bind(dispatch.RouteGateway, gateway)
		if len(cfg.Gateway.ChannelIDs) == 0 {
			log.Warn("gateway lane has no channel_ids; queued messages will be dropped")
		}
	}

	codec, err := mapCodec(cfg, log.With(logx.String("comp", "codec")))
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.Abuse.Enabled {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		st, err := openStore(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		closers = append(closers, st.Close)
		log.Info("ban log opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	tracker := abuse.New(mapAbuseConfig(cfg), store, disp, log.With(logx.String("comp", "abuse")), bus)

	routes, unbound := mapRoutes(cfg, disp)
	if len(unbound) > 0 {
		log.Info("routes without a lane are skipped", logx.String("routes", strings.Join(unbound, ",")))
	}
	roomH := ingest.NewRoomHandler(codec, registry, disp, routes, log.With(logx.String("comp", "rooms")), bus)

	readTimeout, err := parseDurationOrDefault("ingest.read_timeout", cfg.Ingest.ReadTimeout, ingest.DefaultReadTimeout)
	if err != nil {
		return nil, err
	}
	srv := ingest.NewServer(ingest.Config{ReadTimeout: readTimeout}, guard, log.With(logx.String("comp", "ingest")), bus)
	srv.Add(ingest.Channel{Name: ChannelRooms, Addr: cfg.Ingest.RoomsAddr, Handler: roomH})
	if cfg.Abuse.Enabled {
		srv.Add(ingest.Channel{Name: ChannelAbuse, Addr: cfg.Ingest.AbuseAddr, Handler: ingest.NewReportHandler(codec, tracker)})
	}

	var hb *heartbeat.Service
	if strings.TrimSpace(cfg.Heartbeat.URL) != "" {
		hbTimeout, err := parseDurationOrDefault("heartbeat.timeout", cfg.Heartbeat.Timeout, heartbeat.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		hb = heartbeat.New(heartbeat.Config{
			URL:      cfg.Heartbeat.URL,
			Schedule: cfg.Heartbeat.Schedule,
			Timeout:  hbTimeout,
		}, nil, log.With(logx.String("comp", "heartbeat")))
	}

	a := &App{
		cfgPath:   cfgPath,
		runID:     runID,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		events:    eventbus.NewCounter(),
		store:     store,
		guard:     guard,
		registry:  registry,
		tracker:   tracker,
		disp:      disp,
		bridge:    bridge,
		gateway:   gateway,
		sender:    sender,
		roomH:     roomH,
		ingest:    srv,
		heartbeat: hb,
	}
	if cfg.Status.Enabled {
		a.statusAddr = cfg.Status.Addr
	}
	return a, nil
}

func newSender(cfg *Config, log logx.Logger) (transport.ChannelSender, error) {
	timeout, err := parseDurationOrDefault("gateway.timeout", cfg.Gateway.Timeout, config.DefaultHTTPTimeout)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Platform)) {
	case "":
		return nil, nil
	case "telegram":
		s, err := telegram.New(telegram.Config{
			Token:    cfg.Gateway.Token,
			ThreadID: cfg.Gateway.ThreadID,
			Timeout:  timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "discord":
		s, err := discord.New(discord.Config{Token: cfg.Gateway.Token}, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown gateway.platform: %s", cfg.Gateway.Platform)
	}
}

func mapBridgeConfig(cfg *Config, log logx.Logger) (dispatch.BridgeConfig, error) {
	timeout, err := parseDurationOrDefault("bridge.timeout", cfg.Bridge.Timeout, config.DefaultHTTPTimeout)
	if err != nil {
		return dispatch.BridgeConfig{}, err
	}
	bc := dispatch.BridgeConfig{BaseURL: cfg.Bridge.BaseURL, Timeout: timeout}
	if cfg.Bridge.TargetID != 0 {
		bc.Primary = dispatch.Recipient{ID: cfg.Bridge.TargetID, Group: cfg.Bridge.TargetIsGroup}
		return bc, nil
	}
	if p := strings.TrimSpace(cfg.Bridge.RecipientsPath); p != "" {
		rs, err := dispatch.LoadRecipients(p, log.With(logx.String("comp", "recipients")))
		if err != nil {
			return dispatch.BridgeConfig{}, err
		}
		bc.Recipients = rs
	}
	return bc, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Ingest exposes the listener set, e.g. to read bound addresses.
func (a *App) Ingest() *ingest.Server { return a.ingest }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log.With(logx.String("comp", "supervisor"))), WithCancelOnError(true))
	if a.statusAddr != "" {
		a.status = status.New(a.statusAddr, status.Sources{
			Rooms:      a.registry,
			Abuse:      a.tracker,
			Bridge:     a.bridge,
			Gateway:    a.gateway,
			Ingest:     a.ingest,
			Events:     a.events,
			Supervisor: a.sup,
			Heartbeat:  a.heartbeat,
			Bans:       a.store,
		}, a.log.With(logx.String("comp", "status")))
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapCodec(cfg, logx.Nop()); err != nil {
			return err
		}
		if _, err := parseDurationOrDefault("rooms.interval", cfg.Rooms.Interval, rooms.DefaultInterval); err != nil {
			return err
		}
		for _, r := range cfg.Abuse.NotifyRoutes {
			if _, ok := cfg.Routes[r]; !ok {
				return fmt.Errorf("abuse.notify_routes: unknown route %q", r)
			}
		}
		return nil
	})

	counted, unsubCount := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.count", func(c context.Context) {
		defer unsubCount()
		a.events.Run(c, counted)
	})
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.debug", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.ingest.Start(a.sup.Context(), a.sup); err != nil {
		if errors.Is(err, ingest.ErrNoListeners) {
			a.sup.Cancel()
			return err
		}
		a.log.Warn("some listeners are disabled; continuing", logx.Err(err))
	}

	if a.gateway != nil {
		a.sup.GoRestart("dispatch.gateway", a.gateway.Run)
	}
	if a.heartbeat != nil {
		if err := a.heartbeat.Start(a.sup.Context()); err != nil {
			a.log.Warn("heartbeat disabled", logx.Err(err))
		}
	}
	if a.status != nil {
		if err := a.status.Start(a.sup.Context(), a.sup); err != nil {
			a.log.Warn("status endpoint disabled", logx.Err(err))
		}
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("run_id", a.runID),
		logx.String("listeners", strings.Join(a.ingest.Active(), ",")),
		logx.String("routes", strings.Join(a.disp.Routes(), ",")))
	return nil
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs, routeChanged := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if d, err := parseDurationOrDefault("rooms.interval", newCfg.Rooms.Interval, rooms.DefaultInterval); err == nil {
		a.registry.SetInterval(d)
	}
	if codec, err := mapCodec(newCfg, a.log.With(logx.String("comp", "codec"))); err == nil {
		a.roomH.SetCodec(codec)
	}
	if len(routeChanged) > 0 {
		routes, _ := mapRoutes(newCfg, a.disp)
		a.roomH.SetRoutes(routes)
		a.log.Debug("routes updated", logx.String("routes", strings.Join(routeChanged, ",")))
	}
	a.tracker.Apply(mapAbuseConfig(newCfg))

	if restart := RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so accept loops and the drain loop start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("heartbeat", time.Second, func(c context.Context) error {
		if a.heartbeat == nil {
			return nil
		}
		if err := a.heartbeat.Stop(c); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
			return err
		}
		return nil
	})
	if a.gateway != nil {
		if n := a.gateway.Depth(); n > 0 {
			a.log.Warn("dropping queued gateway messages", logx.Int("count", n))
		}
	}
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("gateway", 2*time.Second, func(context.Context) error {
		if a.sender != nil {
			return a.sender.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.String("run_id", a.runID))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
