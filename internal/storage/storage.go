// Package storage persists feed registry snapshots.
package storage

import (
	"context"
	"log/slog"
	"strings"

	"rss_relay/internal/model"
)

// Store loads and saves complete registry snapshots.
//
// Save must be atomic: after a crash Load returns either the previous
// snapshot or the new one, never a mix.
type Store interface {
	Load(ctx context.Context) (map[string]*model.Feed, error)
	Save(ctx context.Context, feeds []*model.Feed) error
	Close() error
}

// Open picks a backend from dsn: postgres:// URLs use PostgreSQL, paths
// ending in .json use a JSON file, anything else is a SQLite database.
func Open(dsn string, log *slog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(dsn)
	case strings.HasSuffix(dsn, ".json"):
		return NewJSONFile(dsn, log), nil
	default:
		return NewSQLite(dsn)
	}
}

// IsFile reports whether dsn names a local file that may need its directory created.
func IsFile(dsn string) bool {
	return !strings.HasPrefix(dsn, "postgres://") &&
		!strings.HasPrefix(dsn, "postgresql://") &&
		!strings.HasPrefix(dsn, "file:") &&
		dsn != ":memory:"
}
