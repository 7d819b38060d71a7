// Package prefs stores small string-list preferences across runs.
package prefs

import (
	"context"
	"fmt"
)

// Store persists string lists under string keys.
type Store interface {
	// GetStringList returns the value for key and whether it was present.
	GetStringList(ctx context.Context, key string) ([]string, bool, error)
	SetStringList(ctx context.Context, key string, value []string) error
	Close() error
}

// Open builds a Store for the given driver ("memory", "sqlite", "postgres").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("prefs: unknown driver %q", driver)
	}
}
