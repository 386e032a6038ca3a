package kv

import (
	"context"
	"fmt"

	"github.com/anchal00/nextup/internal/logger"
)

// Open builds the backend named by driver: "badger", "sqlite", "postgres" or
// "memory". badgerOpts apply to the badger backend only.
func Open(ctx context.Context, driver, path, dsn string, log logger.Logger, badgerOpts ...BadgerOption) (Store, error) {
	switch driver {
	case "badger":
		return NewBadgerStore(path, badgerOpts...)
	case "sqlite":
		return NewSqliteStore(path, log)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
