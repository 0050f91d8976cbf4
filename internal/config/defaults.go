package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"roombridge/internal/protocol"
	"roombridge/internal/render"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
)

const (
	RouteBridge  = "bridge"
	RouteGateway = "gateway"

	DefaultRoomsAddr       = "127.0.0.1:25000"
	DefaultAbuseAddr       = "127.0.0.1:25250"
	DefaultReadTimeout     = 5 * time.Second
	DefaultRoomInterval    = 30 * time.Minute
	DefaultBridgeURL       = "http://localhost:3000"
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultMessageInterval = 30 * time.Second
	DefaultBanThreshold    = 5
	DefaultBanLog          = "./EAC.txt"
	DefaultHeartbeat       = "@every 30s"
	DefaultStatusAddr      = "127.0.0.1:8080"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROOMBRIDGE_"

// envOverlay holds the settings that may come from the environment instead
// of the config file. Non-empty values win over the file.
type envOverlay struct {
	GatewayToken string `env:"GATEWAY_TOKEN"`
	BridgeURL    string `env:"BRIDGE_URL"`
	LogLevel     string `env:"LOG_LEVEL"`
}

// applyEnv overlays ROOMBRIDGE_* variables. environ may be nil to read the
// process environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var ov envOverlay
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&ov, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if ov.GatewayToken != "" {
		cfg.Gateway.Token = ov.GatewayToken
	}
	if ov.BridgeURL != "" {
		cfg.Bridge.BaseURL = ov.BridgeURL
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	return nil
}

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Ingest.RoomsAddr) == "" {
		cfg.Ingest.RoomsAddr = DefaultRoomsAddr
	}
	if strings.TrimSpace(cfg.Ingest.AbuseAddr) == "" {
		cfg.Ingest.AbuseAddr = DefaultAbuseAddr
	}
	if strings.TrimSpace(cfg.Protocol.VersionPattern) == "" {
		cfg.Protocol.VersionPattern = "strict"
	}
	if strings.TrimSpace(cfg.Bridge.BaseURL) == "" {
		cfg.Bridge.BaseURL = DefaultBridgeURL
	}
	cfg.Bridge.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Bridge.BaseURL), "/")

	if cfg.Routes == nil {
		cfg.Routes = map[string]RouteConfig{}
	}
	if _, ok := cfg.Routes[RouteBridge]; !ok {
		cfg.Routes[RouteBridge] = RouteConfig{}
	}
	if _, ok := cfg.Routes[RouteGateway]; !ok {
		cfg.Routes[RouteGateway] = RouteConfig{}
	}
	for name, rc := range cfg.Routes {
		if strings.TrimSpace(rc.LanguageNames) == "" {
			if name == RouteBridge {
				rc.LanguageNames = "zh"
			} else {
				rc.LanguageNames = "en"
			}
		}
		if rc.Template == "" {
			if strings.EqualFold(rc.LanguageNames, "zh") {
				rc.Template = render.RoomTemplateZH
			} else {
				rc.Template = render.RoomTemplateEN
			}
		}
		cfg.Routes[name] = rc
	}

	if cfg.Abuse.BanThreshold == nil {
		v := DefaultBanThreshold
		cfg.Abuse.BanThreshold = &v
	}
	if strings.TrimSpace(cfg.Abuse.BanLog) == "" {
		cfg.Abuse.BanLog = DefaultBanLog
	}
	if strings.TrimSpace(cfg.Abuse.BanLogDriver) == "" {
		cfg.Abuse.BanLogDriver = "file"
	}
	if len(cfg.Abuse.NotifyRoutes) == 0 {
		cfg.Abuse.NotifyRoutes = []string{RouteBridge}
	}
	if cfg.Heartbeat.URL != "" && strings.TrimSpace(cfg.Heartbeat.Schedule) == "" {
		cfg.Heartbeat.Schedule = DefaultHeartbeat
	}
	if strings.TrimSpace(cfg.Status.Addr) == "" {
		cfg.Status.Addr = DefaultStatusAddr
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Chat.RatePerSec <= 0 {
		cfg.Logging.Chat.RatePerSec = 1
	}
}

// Validate checks a defaulted config. It returns every problem joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, _, err := net.SplitHostPort(cfg.Ingest.RoomsAddr); err != nil {
		add("ingest.rooms_addr: %w", err)
	}
	if cfg.Abuse.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Ingest.AbuseAddr); err != nil {
			add("ingest.abuse_addr: %w", err)
		}
	}
	durations := []struct{ path, raw string }{
		{"ingest.read_timeout", cfg.Ingest.ReadTimeout},
		{"rooms.interval", cfg.Rooms.Interval},
		{"bridge.timeout", cfg.Bridge.Timeout},
		{"gateway.message_interval", cfg.Gateway.MessageInterval},
		{"gateway.timeout", cfg.Gateway.Timeout},
		{"heartbeat.timeout", cfg.Heartbeat.Timeout},
		{"abuse.ban_log_busy_timeout", cfg.Abuse.BanLogBusyWait},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(cfg.Protocol.VersionPattern) {
	case "strict", "relaxed":
	default:
		add("protocol.version_pattern: unknown pattern %q", cfg.Protocol.VersionPattern)
	}

	for name, rc := range cfg.Routes {
		if _, ok := protocol.LookupLocale(rc.LanguageNames); !ok {
			add("routes.%s.language_names: want zh, cn, zh-CN or en, got %q", name, rc.LanguageNames)
		}
	}

	switch strings.ToLower(cfg.Gateway.Platform) {
	case "":
	case "telegram", "discord":
		if strings.TrimSpace(cfg.Gateway.Token) == "" {
			add("gateway.token: required for platform %q (or set %sGATEWAY_TOKEN)", cfg.Gateway.Platform, EnvPrefix)
		}
	default:
		add("gateway.platform: unknown platform %q", cfg.Gateway.Platform)
	}

	if t := cfg.Abuse.BanThreshold; t != nil && *t < 0 {
		add("abuse.ban_threshold: must be >= 0")
	}
	switch strings.ToLower(cfg.Abuse.BanLogDriver) {
	case "", "file", "sqlite", "sqlite3":
	default:
		add("abuse.ban_log_driver: unknown driver %q", cfg.Abuse.BanLogDriver)
	}

	if cfg.Heartbeat.URL != "" {
		if _, err := cron.ParseStandard(cfg.Heartbeat.Schedule); err != nil {
			add("heartbeat.schedule: %w", err)
		}
	}
	if cfg.Status.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Status.Addr); err != nil {
			add("status.addr: %w", err)
		}
	}
	if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChannelID == 0 {
		add("logging.chat.channel_id: required when chat logging is enabled")
	}
	return errors.Join(errs...)
}
