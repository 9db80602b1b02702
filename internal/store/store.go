// Package store persists cached read responses for the offline layer.
package store

import (
	"context"
	"fmt"
	"time"
)

// Entry is one cached response body keyed by request identity.
type Entry struct {
	Key       string
	Body      []byte
	FetchedAt time.Time
}

// Repository defines the interface for the offline read cache.
type Repository interface {
	// Get returns the entry for key, or nil when nothing is cached.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put creates or replaces the entry for e.Key.
	Put(ctx context.Context, e *Entry) error

	// Delete removes the entry for key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Purge removes entries fetched before the cutoff and reports how many were dropped.
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Open returns the repository for driver. An empty DSN with the sqlite
// driver opens an in-memory database.
func Open(driver, dsn string) (Repository, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", driver)
	}
}
