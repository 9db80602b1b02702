package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

const (
	busyRetries = 2
	busyBase    = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.Mutex // serialises writers to avoid SQLITE_BUSY
	busyBase time.Duration
}

// NewSQLite creates a new SQLite-backed repository. ":memory:" keeps the
// cache in a single private connection.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	memory := dbPath == ":memory:"
	dsn := dbPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, busyBase: busyBase}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS read_cache (
		cache_key TEXT PRIMARY KEY,
		body BLOB NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_read_cache_fetched ON read_cache(fetched_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves the cached entry for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, body, fetched_at FROM read_cache WHERE cache_key = ?`, key)

	var e Entry
	var fetchedAt int64
	err := row.Scan(&e.Key, &e.Body, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache row: %w", err)
	}
	e.FetchedAt = time.UnixMilli(fetchedAt)
	return &e, nil
}

// Put creates or replaces a cache entry.
func (s *SQLiteStore) Put(ctx context.Context, e *Entry) error {
	query := `
	INSERT INTO read_cache (cache_key, body, fetched_at)
	VALUES (?, ?, ?)
	ON CONFLICT(cache_key) DO UPDATE SET
		body = excluded.body,
		fetched_at = excluded.fetched_at`

	return s.withBusyRetry(ctx, "put", e.Key, func() error {
		if _, err := s.db.ExecContext(ctx, query, e.Key, e.Body, e.FetchedAt.UnixMilli()); err != nil {
			return fmt.Errorf("upsert cache entry: %w", err)
		}
		return nil
	})
}

// Delete removes a cache entry.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.withBusyRetry(ctx, "delete", key, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM read_cache WHERE cache_key = ?`, key); err != nil {
			return fmt.Errorf("delete cache entry: %w", err)
		}
		return nil
	})
}

// Purge removes entries fetched before the cutoff.
func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM read_cache WHERE fetched_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry runs op under the writer lock, retrying SQLITE_BUSY with
// exponential backoff: 100ms, then 200ms.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op, key string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.busyBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		s.mu.Lock()
		err := fn()
		s.mu.Unlock()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, busyRetries), ctx), func(err error, delay time.Duration) {
		slog.Debug("Cache write hit SQLITE_BUSY, retrying", "op", op, "key", key, "attempt", attempts, "delay", delay)
	})
	if err != nil && isBusy(err) {
		return fmt.Errorf("cache %s for %s failed after %d attempts: %w", op, key, attempts, err)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
