// Package postgres is the PostgreSQL history backend. Its GORM models and
// repository are dialect-neutral and shared with the SQLite backend; no GORM
// type leaves the storage packages.
package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" database/sql driver
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/warp/internal/storage"
)

// Config is the DSN plus pool tuning. Zero values take the defaults below.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	c.MaxOpenConns = cmp.Or(c.MaxOpenConns, 25)
	c.MaxIdleConns = cmp.Or(c.MaxIdleConns, 5)
	c.ConnMaxLifetime = cmp.Or(c.ConnMaxLifetime, 30*time.Minute)
	c.ConnMaxIdleTime = cmp.Or(c.ConnMaxIdleTime, 10*time.Minute)
	return c
}

var (
	_ storage.Store = (*Store)(nil)
	_ storage.Store = (*Base)(nil)
)

// Base is a storage.Store over any GORM dialect. Backends construct the
// *gorm.DB and hand it to NewBase.
type Base struct {
	*HistoryRepository
	db    *gorm.DB
	sqlDB *sql.DB
}

// NewBase wraps an opened GORM handle.
func NewBase(db *gorm.DB) (*Base, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying sql.DB: %w", err)
	}
	return &Base{HistoryRepository: NewHistoryRepository(db), db: db, sqlDB: sqlDB}, nil
}

// Migrate creates or updates the history tables.
func (b *Base) Migrate(ctx context.Context) error {
	if err := b.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrating %s: %w", b.db.Dialector.Name(), err)
	}
	return nil
}

func (b *Base) Ping(ctx context.Context) error { return b.sqlDB.PingContext(ctx) }

func (b *Base) Close() error { return b.sqlDB.Close() }

// GormConfig is the GORM configuration every backend opens with.
func GormConfig(logger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:  NewGormLogger(logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Store is the PostgreSQL history store.
type Store struct {
	*Base
}

// Open connects through the pgx database/sql driver. Call Migrate before
// first use.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	cfg = cfg.withDefaults()

	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	gcfg := GormConfig(logger)
	gcfg.PrepareStmt = true
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gcfg)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	base, err := NewBase(db)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Info("history store ready",
		slog.String("driver", "postgres"),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return &Store{Base: base}, nil
}
