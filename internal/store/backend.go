// ABOUTME: Combined Store interface and backend selection by driver name
// ABOUTME: Opens SQLite, Postgres, Badger or in-memory stores from config

package store

import (
	"context"
	"fmt"
	"time"
)

// Store is the full persistence surface the gateway needs.
type Store interface {
	StatusStore
	MessageStore
	ProfileStore

	// Close releases any resources held by the store
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Driver   string
	Path     string // sqlite file or badger directory
	DSN      string // postgres connection string
	MinConns int
	MaxConns int
}

// Open creates the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return NewSQLiteStore(opts.Path)
	case DriverPostgres:
		return NewPostgresStore(ctx, PostgresConfig{
			DSN:      opts.DSN,
			MinConns: opts.MinConns,
			MaxConns: opts.MaxConns,
		})
	case DriverBadger:
		return NewBadgerStore(opts.Path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// normalizeLimit applies the history default and cap.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// timeLayout is fixed-width so that stored strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
