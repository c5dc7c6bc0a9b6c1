// Package sqlite provides a SQLite-backed persistent store built on the shared
// SQL write-through layer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"uniformcore/internal/infra/persistence/memory"
	"uniformcore/internal/infra/persistence/sqlstore"
	"uniformcore/pkg/domain"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const defaultPath = "uniformcore.db"

// Store persists the catalog to a SQLite file.
type Store struct {
	*sqlstore.Store
	path string
}

// Dialect describes SQLite for the shared SQL layer.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:        "sqlite",
		PayloadType: "TEXT",
		Isolation:   sql.LevelDefault,
		Bind:        func(int) string { return "?" },
		IsConflict:  IsBusy,
	}
}

// IsBusy reports whether err is a SQLite lock contention error.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// NewStore opens (creating if needed) the SQLite database at path.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := sqlstore.Open(context.Background(), db, Dialect(), engine, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
