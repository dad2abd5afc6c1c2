package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"groupcast/pkg/logx"
)

var ErrClosed = errors.New("storage closed")

// Config configures the last-sent store.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "redis": shared Redis instance
//   - "memory": in-process only (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	Addr        string        // redis only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by the deduper.
type Store interface {
	// LastSent returns the recorded last-sent time for a destination.
	// ok is false when no record exists.
	LastSent(ctx context.Context, destination string) (at time.Time, ok bool, err error)
	// SetLastSent records the last-sent time, overwriting any prior record.
	SetLastSent(ctx context.Context, destination string, at time.Time) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
