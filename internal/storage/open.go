package storage

import (
	"errors"
	"strings"

	"queuebell/internal/queue"
	logx "queuebell/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (queue.Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
