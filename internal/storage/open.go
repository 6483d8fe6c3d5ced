package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"marketpulse/pkg/logx"
)

// Store is the durable local key-value API used by the core.
//
// It persists small namespaced values (the permission grant), router dedup
// windows, and a bounded notification history. It must survive restarts but
// is never authoritative over live platform state.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendHistory(ctx context.Context, e HistoryEntry) error
	RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
