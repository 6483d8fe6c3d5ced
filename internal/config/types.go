package config

// Config is the root configuration document.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Role selects which change tables are relevant and how events are
	// classified: "seller", "driver", "buyer" or "admin".
	Role string `json:"role"`

	Feed    FeedConfig    `json:"feed"`
	Logging LoggingConfig `json:"logging"`

	Router   *RouterConfig   `json:"router,omitempty"`
	Alerts   *AlertsConfig   `json:"alerts,omitempty"`
	Audio    *AudioConfig    `json:"audio,omitempty"`
	Presence *PresenceConfig `json:"presence,omitempty"`

	Permission *PermissionConfig `json:"permission,omitempty"`
	Notify     *NotifyConfig     `json:"notify,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
}

// FeedConfig controls the change-feed client.
type FeedConfig struct {
	// URL is the base endpoint of the change-feed stream.
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`

	// ActorID scopes subscriptions to this account's rows (the seller,
	// driver or buyer id). Empty means unscoped; admins watch everything.
	ActorID string `json:"actor_id,omitempty"`

	DialTimeout string `json:"dial_timeout,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`

	// RetryMax is the number of consecutive failed dials before a
	// subscription is marked degraded. 0 keeps the default.
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// RouterConfig controls event classification and duplicate suppression.
type RouterConfig struct {
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	// PersistDedup also records suppressions in storage so duplicates
	// are suppressed across restarts. Requires a storage section.
	PersistDedup bool `json:"persist_dedup,omitempty"`
}

// AlertsConfig controls the bounded on-screen alert queue.
type AlertsConfig struct {
	// Capacity is the maximum number of visible alerts. Default 5.
	Capacity   int    `json:"capacity,omitempty"`
	DefaultTTL string `json:"default_ttl,omitempty"`
}

// AudioConfig controls tone playback.
type AudioConfig struct {
	Enabled   bool    `json:"enabled"`
	Volume    float64 `json:"volume,omitempty"` // 0..1, default 1
	Vibration bool    `json:"vibration,omitempty"`
	// SampleRate applies to the PCM output device. Default 22050.
	SampleRate int `json:"sample_rate,omitempty"`
	// Output is the PCM sink path, e.g. a FIFO consumed by aplay.
	// Empty disables the audio device (tones are skipped, not queued).
	Output string `json:"output,omitempty"`
}

// PresenceConfig controls the online-counter.
type PresenceConfig struct {
	Enabled bool `json:"enabled"`
	// APIURL is the backend REST base for presence queries. Defaults to
	// the feed URL's scheme+host.
	APIURL string `json:"api_url,omitempty"`
	// RefreshSpec is a cron spec for the periodic backstop refresh,
	// e.g. "@every 2m".
	RefreshSpec      string `json:"refresh_spec,omitempty"`
	QueryTimeout     string `json:"query_timeout,omitempty"`
	ScanLimit        int    `json:"scan_limit,omitempty"`
	StalenessHorizon string `json:"staleness_horizon,omitempty"`
	// Kinds are the actor kinds recomputed by the backstop, e.g. ["driver"].
	Kinds []string `json:"kinds,omitempty"`
	// EventTables maps feed tables to the presence kind their changes affect,
	// e.g. {"driver_status": "driver"}.
	EventTables map[string]string `json:"event_tables,omitempty"`
}

// PermissionConfig controls notification permission handling.
type PermissionConfig struct {
	// GrantFile is the operator-controlled grant state file.
	// Default "./notify_grant".
	GrantFile string `json:"grant_file,omitempty"`
	// GrantStaleAfter discards persisted grants older than this. Default 720h.
	GrantStaleAfter string `json:"grant_stale_after,omitempty"`
}

// NotifyConfig controls the outbound notification channel.
//
// Example:
//
//	"notify": { "enabled": true, "telegram": { "token": "...", "chat_id": 123 } }
type NotifyConfig struct {
	Enabled     bool            `json:"enabled"`
	RatePerSec  int             `json:"rate_per_sec,omitempty"`
	SendTimeout string          `json:"send_timeout,omitempty"`
	Telegram    *TelegramTarget `json:"telegram,omitempty"`
}

type TelegramTarget struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./marketpulse_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward mirrors warnings and errors into the alert queue so
// operational problems surface in the same place as order alerts.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
