package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"roombridge/internal/abuse"
	"roombridge/internal/config"
	"roombridge/internal/dispatch"
	"roombridge/internal/ingest"
	"roombridge/internal/protocol"
	"roombridge/internal/storage"
	logx "roombridge/pkg/logx"
)

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	ac := cfg.Abuse
	path := strings.TrimSpace(ac.BanLog)
	if path == "" {
		path = config.DefaultBanLog
	}
	driver := strings.ToLower(strings.TrimSpace(ac.BanLogDriver))
	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		busy, err := parseDurationOrDefault("abuse.ban_log_busy_timeout", ac.BanLogBusyWait, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown abuse.ban_log_driver: %s", ac.BanLogDriver)
	}
}

func mapAbuseConfig(cfg *Config) abuse.Config {
	threshold := config.DefaultBanThreshold
	if cfg.Abuse.BanThreshold != nil {
		threshold = *cfg.Abuse.BanThreshold
	}
	return abuse.Config{
		BanThreshold:       threshold,
		RecheckOnIncrement: cfg.Abuse.RecheckOnIncrement,
		BanTemplate:        cfg.Abuse.BanTemplate,
		NotifyRoutes:       append([]string(nil), cfg.Abuse.NotifyRoutes...),
	}
}

// mapRoutes returns the enabled routes that have a bound lane, sorted by
// name, plus the names skipped because no lane serves them.
func mapRoutes(cfg *Config, disp *dispatch.Dispatcher) (routes []ingest.RoomRoute, unbound []string) {
	names := make([]string, 0, len(cfg.Routes))
	for name := range cfg.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rc := cfg.Routes[name]
		if !config.BoolOr(rc.Enabled, true) {
			continue
		}
		if !disp.Has(name) {
			unbound = append(unbound, name)
			continue
		}
		routes = append(routes, ingest.RoomRoute{
			Name:     name,
			Template: rc.Template,
			Locale:   protocol.ParseLocale(rc.LanguageNames),
		})
	}
	return routes, unbound
}

func mapCodec(cfg *Config, log logx.Logger) (*protocol.Codec, error) {
	p, err := protocol.ParseVersionPattern(cfg.Protocol.VersionPattern)
	if err != nil {
		return nil, fmt.Errorf("protocol.version_pattern: %w", err)
	}
	return protocol.NewCodec(p, log), nil
}

func mapLogConfig(cfg *Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			ChannelID:  lc.Chat.ChannelID,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}
