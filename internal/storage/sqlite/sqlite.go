// Package sqlite is the single-node history backend: pure-Go SQLite
// (modernc.org/sqlite via glebarez/sqlite) with the PostgreSQL backend's
// tables and queries.
package sqlite

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/warp/internal/storage"
	pgstore "github.com/jkaninda/warp/internal/storage/postgres"
)

// Config locates the database file.
type Config struct {
	Path        string
	JournalMode string // default "wal"
}

var _ storage.Store = (*Store)(nil)

// Store is the SQLite history store.
type Store struct {
	*pgstore.Base
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	mode := cmp.Or(cfg.JournalMode, "wal")
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", cfg.Path, mode)

	db, err := gorm.Open(sqlite.Open(dsn), pgstore.GormConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	base, err := pgstore.NewBase(db)
	if err != nil {
		return nil, err
	}
	// One connection: concurrent dispatches would otherwise hit SQLITE_BUSY.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	logger.Info("history store ready",
		slog.String("driver", "sqlite"),
		slog.String("path", cfg.Path),
		slog.String("journal_mode", mode),
	)
	return &Store{Base: base}, nil
}
