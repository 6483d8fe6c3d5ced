package config

import (
	"fmt"
	"strings"
)

var validRoles = map[string]bool{
	"seller": true,
	"driver": true,
	"buyer":  true,
	"admin":  true,
}

// storageEnabled reports whether the section selects a real driver. The
// driver list mirrors storage.Open, "none" included.
func storageEnabled(sc *StorageConfig) bool {
	return sc != nil && sc.Driver != "" && sc.Driver != "none"
}

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true,
}

// Validate checks cross-field constraints before a config is committed.
// Duration fields are parsed here so a bad reload is rejected as a whole
// instead of half-applying.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	role := strings.ToLower(strings.TrimSpace(cfg.Role))
	if !validRoles[role] {
		return fmt.Errorf("role: unknown role %q", cfg.Role)
	}
	if strings.TrimSpace(cfg.Feed.URL) == "" {
		return fmt.Errorf("feed.url: required")
	}
	durations := []struct{ path, raw string }{
		{"feed.dial_timeout", cfg.Feed.DialTimeout},
		{"feed.read_timeout", cfg.Feed.ReadTimeout},
		{"feed.retry_base", cfg.Feed.RetryBase},
		{"feed.retry_max_delay", cfg.Feed.RetryMaxDelay},
	}
	if cfg.Router != nil {
		durations = append(durations, struct{ path, raw string }{"router.dedup_window", cfg.Router.DedupWindow})
	}
	if cfg.Alerts != nil {
		durations = append(durations, struct{ path, raw string }{"alerts.default_ttl", cfg.Alerts.DefaultTTL})
		if cfg.Alerts.Capacity < 0 {
			return fmt.Errorf("alerts.capacity: must be >= 0")
		}
	}
	if cfg.Presence != nil {
		durations = append(durations,
			struct{ path, raw string }{"presence.query_timeout", cfg.Presence.QueryTimeout},
			struct{ path, raw string }{"presence.staleness_horizon", cfg.Presence.StalenessHorizon})
	}
	if cfg.Permission != nil {
		durations = append(durations, struct{ path, raw string }{"permission.grant_stale_after", cfg.Permission.GrantStaleAfter})
	}
	if cfg.Notify != nil {
		durations = append(durations, struct{ path, raw string }{"notify.send_timeout", cfg.Notify.SendTimeout})
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Audio != nil {
		if cfg.Audio.Volume < 0 || cfg.Audio.Volume > 1 {
			return fmt.Errorf("audio.volume: must be in [0,1]")
		}
	}
	if cfg.Notify != nil && cfg.Notify.Enabled {
		tg := cfg.Notify.Telegram
		if tg == nil || strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			return fmt.Errorf("notify.telegram: token and chat_id are required when notify is enabled")
		}
	}
	if cfg.Storage != nil {
		switch cfg.Storage.Driver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if storageEnabled(cfg.Storage) && strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required when driver is set")
		}
	}
	if cfg.Router != nil && cfg.Router.PersistDedup && !storageEnabled(cfg.Storage) {
		return fmt.Errorf("router.persist_dedup: requires a storage section")
	}
	if lvl := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lvl != "" && !validLevels[lvl] {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Forward.Enabled {
		if lvl := strings.ToLower(strings.TrimSpace(cfg.Logging.Forward.MinLevel)); lvl != "" && !validLevels[lvl] {
			return fmt.Errorf("logging.forward.min_level: unknown level %q", cfg.Logging.Forward.MinLevel)
		}
	}
	return nil
}
