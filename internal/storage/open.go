package storage

import (
	"context"
	"errors"
	"strings"

	logx "roombridge/pkg/logx"
)

// Store is the ban log API used by the abuse tracker.
type Store interface {
	AppendBan(ctx context.Context, e BanEntry) error
	// Count returns the number of bans persisted so far, including those
	// written by earlier runs.
	Count(ctx context.Context) (int, error)
	// Lines returns the persisted ban lines, oldest first.
	Lines(ctx context.Context) ([]string, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
