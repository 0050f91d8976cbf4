package config

type Config struct {
	Ingest    IngestConfig           `json:"ingest"`
	Protocol  ProtocolConfig         `json:"protocol"`
	Rooms     RoomsConfig            `json:"rooms"`
	Routes    map[string]RouteConfig `json:"routes,omitempty"`
	Bridge    BridgeConfig           `json:"bridge"`
	Gateway   GatewayConfig          `json:"gateway"`
	Abuse     AbuseConfig            `json:"abuse"`
	Heartbeat HeartbeatConfig        `json:"heartbeat"`
	Status    StatusConfig           `json:"status"`
	Logging   LoggingConfig          `json:"logging"`
}

// IngestConfig controls the two TCP listeners.
//
// Durations are Go duration strings (e.g. "5s").
type IngestConfig struct {
	RoomsAddr   string `json:"rooms_addr,omitempty"`   // default: "127.0.0.1:25000"
	AbuseAddr   string `json:"abuse_addr,omitempty"`   // default: "127.0.0.1:25250"
	ReadTimeout string `json:"read_timeout,omitempty"` // default: "5s"
	// BanIPPath is a newline-delimited list of banned client addresses.
	// Empty or missing file means nobody is banned.
	BanIPPath string `json:"ban_ip_path,omitempty"`
}

type ProtocolConfig struct {
	// VersionPattern is "strict" (channel tag required) or "relaxed".
	VersionPattern string `json:"version_pattern,omitempty"`
}

type RoomsConfig struct {
	// Interval is the minimum gap between two admitted announcements of the
	// same room code. Default "30m".
	Interval string `json:"interval,omitempty"`
}

// RouteConfig renders room announcements for one dispatcher route.
//
// Example:
//
//	"routes": { "gateway": { "template": "{RoomCode} {Language}", "language_names": "en" } }
type RouteConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"` // default: true
	Template      string `json:"template,omitempty"`
	LanguageNames string `json:"language_names,omitempty"` // "zh" | "en"
}

// BridgeConfig controls the immediate group-messaging bridge lane.
type BridgeConfig struct {
	Enabled *bool  `json:"enabled,omitempty"` // default: true
	BaseURL string `json:"base_url,omitempty"`
	// TargetID, when non-zero, is the only recipient and the recipients file
	// is ignored.
	TargetID       int64  `json:"target_id,omitempty"`
	TargetIsGroup  bool   `json:"target_is_group,omitempty"`
	RecipientsPath string `json:"recipients_path,omitempty"`
	Timeout        string `json:"timeout,omitempty"` // default: "10s"
}

// GatewayConfig controls the queued chat platform lane.
//
// An empty platform disables the lane.
type GatewayConfig struct {
	Platform        string  `json:"platform,omitempty"` // "telegram" | "discord"
	Token           string  `json:"token,omitempty"`
	ChannelIDs      []int64 `json:"channel_ids,omitempty"`
	MessageInterval string  `json:"message_interval,omitempty"` // default: "30s"
	// ThreadID targets a forum topic (telegram only).
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // default: "10s"
}

type AbuseConfig struct {
	Enabled bool `json:"enabled"`
	// BanThreshold is a pointer so an explicit 0 (ban on first report) is
	// distinguishable from an omitted value (default 5).
	BanThreshold       *int     `json:"ban_threshold,omitempty"`
	RecheckOnIncrement bool     `json:"recheck_on_increment,omitempty"`
	BanTemplate        string   `json:"ban_template,omitempty"`
	NotifyRoutes       []string `json:"notify_routes,omitempty"` // default: ["bridge"]

	// BanLog is the ban log path (default "./EAC.txt"). BanLogDriver is
	// "file" (one text line per ban) or "sqlite".
	BanLog         string `json:"ban_log,omitempty"`
	BanLogDriver   string `json:"ban_log_driver,omitempty"`
	BanLogBusyWait string `json:"ban_log_busy_timeout,omitempty"` // sqlite only
}

// HeartbeatConfig controls the optional keep-alive GET.
//
// Schedule accepts cron specs and descriptors such as "@every 30s".
type HeartbeatConfig struct {
	URL      string `json:"url,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// StatusConfig controls the local HTTP status endpoint.
//
// Prefer binding to localhost; the endpoint has no authentication.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool `json:"enabled"`
	// Path may contain {time}, e.g. "./logs/log_{time}.txt".
	Path string `json:"path"`
}

// LoggingChat forwards warnings to a gateway channel.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  int64  `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
