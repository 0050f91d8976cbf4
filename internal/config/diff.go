package config

import (
	"reflect"
	"sort"
	"strings"

	logx "roombridge/pkg/logx"
)

// Sections applied at runtime on reload. Everything else needs a restart.
var hotSections = map[string]bool{
	"logging":  true,
	"routes":   true,
	"rooms":    true,
	"protocol": true,
	"abuse":    true,
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the route names whose template or language changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Ingest != newCfg.Ingest {
		changed = append(changed, "ingest")
		attrs = append(attrs,
			logx.String("ingest.rooms_addr", newCfg.Ingest.RoomsAddr),
			logx.String("ingest.abuse_addr", newCfg.Ingest.AbuseAddr),
			logx.String("ingest.read_timeout", strings.TrimSpace(newCfg.Ingest.ReadTimeout)),
			logx.Bool("ingest.ban_ip_path_set", strings.TrimSpace(newCfg.Ingest.BanIPPath) != ""),
		)
	}

	if oldCfg.Protocol != newCfg.Protocol {
		changed = append(changed, "protocol")
		attrs = append(attrs, logx.String("protocol.version_pattern", newCfg.Protocol.VersionPattern))
	}

	if strings.TrimSpace(oldCfg.Rooms.Interval) != strings.TrimSpace(newCfg.Rooms.Interval) {
		changed = append(changed, "rooms")
		attrs = append(attrs, logx.String("rooms.interval", strings.TrimSpace(newCfg.Rooms.Interval)))
	}

	routes := diffRoutes(oldCfg.Routes, newCfg.Routes)
	if len(routes) > 0 {
		changed = append(changed, "routes")
		attrs = append(attrs, logx.Int("routes.changed_count", len(routes)))
	}

	// Bridge (target ids are not secret but keep the summary short)
	if !reflect.DeepEqual(oldCfg.Bridge, newCfg.Bridge) {
		changed = append(changed, "bridge")
		attrs = append(attrs,
			logx.Bool("bridge.enabled", BoolOr(newCfg.Bridge.Enabled, true)),
			logx.String("bridge.base_url", newCfg.Bridge.BaseURL),
			logx.Bool("bridge.target_set", newCfg.Bridge.TargetID != 0),
			logx.Bool("bridge.recipients_path_set", strings.TrimSpace(newCfg.Bridge.RecipientsPath) != ""),
		)
	}

	// Gateway (never log token)
	og, ng := oldCfg.Gateway, newCfg.Gateway
	if og.Platform != ng.Platform ||
		strings.TrimSpace(og.MessageInterval) != strings.TrimSpace(ng.MessageInterval) ||
		strings.TrimSpace(og.Timeout) != strings.TrimSpace(ng.Timeout) ||
		og.ThreadID != ng.ThreadID ||
		!reflect.DeepEqual(og.ChannelIDs, ng.ChannelIDs) ||
		og.Token != ng.Token {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.platform", ng.Platform),
			logx.Int("gateway.channel_count", len(ng.ChannelIDs)),
			logx.String("gateway.message_interval", strings.TrimSpace(ng.MessageInterval)),
			logx.Bool("gateway.token_set", strings.TrimSpace(ng.Token) != ""),
			logx.Bool("gateway.token_changed", og.Token != ng.Token),
		)
	}

	oa, na := oldCfg.Abuse, newCfg.Abuse
	if derefInt(oa.BanThreshold) != derefInt(na.BanThreshold) ||
		oa.RecheckOnIncrement != na.RecheckOnIncrement ||
		oa.BanTemplate != na.BanTemplate ||
		!reflect.DeepEqual(oa.NotifyRoutes, na.NotifyRoutes) {
		changed = append(changed, "abuse")
		attrs = append(attrs,
			logx.Int("abuse.ban_threshold", derefInt(na.BanThreshold)),
			logx.Bool("abuse.recheck_on_increment", na.RecheckOnIncrement),
			logx.Int("abuse.notify_route_count", len(na.NotifyRoutes)),
		)
	}
	if oa.Enabled != na.Enabled ||
		strings.TrimSpace(oa.BanLog) != strings.TrimSpace(na.BanLog) ||
		strings.TrimSpace(oa.BanLogDriver) != strings.TrimSpace(na.BanLogDriver) ||
		strings.TrimSpace(oa.BanLogBusyWait) != strings.TrimSpace(na.BanLogBusyWait) {
		changed = append(changed, "abuse_channel")
		attrs = append(attrs,
			logx.Bool("abuse.enabled", na.Enabled),
			logx.String("abuse.ban_log", na.BanLog),
			logx.String("abuse.ban_log_driver", na.BanLogDriver),
		)
	}

	if oldCfg.Heartbeat != newCfg.Heartbeat {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.Bool("heartbeat.url_set", strings.TrimSpace(newCfg.Heartbeat.URL) != ""),
			logx.String("heartbeat.schedule", newCfg.Heartbeat.Schedule),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs, routes
}

// RestartRequired filters sections that cannot be applied at runtime.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func diffRoutes(oldM, newM map[string]RouteConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK ||
			BoolOr(o.Enabled, true) != BoolOr(n.Enabled, true) ||
			o.Template != n.Template ||
			!strings.EqualFold(o.LanguageNames, n.LanguageNames) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
