// Package store persists campaign records in SQLite or PostgreSQL.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"descfetch/internal/device"
	"descfetch/internal/platform/pg"
	"descfetch/internal/platform/sqlite"
	"descfetch/internal/shared"
)

//go:embed migrations
var migrations embed.FS

// Record is a finished (or last known) campaign.
type Record struct {
	ID          string              `json:"id"`
	URL         string              `json:"url"`
	State       string              `json:"state"`
	Attempts    int                 `json:"attempts"`
	Error       string              `json:"error,omitempty"`
	Description *device.Description `json:"description,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

// Store persists campaign records.
type Store interface {
	// Save inserts or replaces the record with r.ID.
	Save(ctx context.Context, r Record) error
	// Get returns shared.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (Record, error)
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]Record, error)
	// LatestByURL returns the newest record for url or shared.ErrNotFound.
	LatestByURL(ctx context.Context, url string) (Record, error)
	// Ping checks that the backend answers queries.
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures the backend.
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	Logger      *slog.Logger
}

// Migrate applies the embedded schema for the selected backend.
func Migrate(ctx context.Context, o Options) error {
	log := logger(o)
	switch o.Driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(o.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("store: create data dir: %w", err)
		}
		if err := sqlite.ApplyMigrations(o.SQLitePath, migrations, "migrations/sqlite"); err != nil {
			return err
		}
		v, _, err := sqlite.MigrationVersion(o.SQLitePath, migrations, "migrations/sqlite")
		if err != nil {
			return err
		}
		log.Info("schema ready", slog.String("driver", o.Driver), slog.Uint64("version", uint64(v)))
		return nil
	case DriverPostgres:
		if err := pg.WaitForDB(ctx, o.PostgresDSN, pgWaitOptions(log)); err != nil {
			return err
		}
		info, err := pg.ApplyMigrations(o.PostgresDSN, migrations, "migrations/postgres")
		if err != nil {
			return err
		}
		log.Info("schema ready",
			slog.String("driver", o.Driver),
			slog.Bool("applied", info.Applied),
			slog.Uint64("version", uint64(info.FinalVersion)))
		return nil
	default:
		return shared.MarkKind(fmt.Errorf("store: unknown driver %q", o.Driver), shared.KindValidation)
	}
}

// Open migrates and opens the selected backend.
func Open(ctx context.Context, o Options) (Store, error) {
	if err := Migrate(ctx, o); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	switch o.Driver {
	case DriverSQLite:
		db, err := sqlite.NewDB(ctx, o.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return NewSQLiteStore(db), nil
	default:
		pool, err := pg.NewPool(ctx, o.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return NewPostgresStore(pool), nil
	}
}

func logger(o Options) *slog.Logger {
	if o.Logger == nil {
		return slog.Default().With("component", "store")
	}
	return o.Logger.With("component", "store")
}

func pgWaitOptions(log *slog.Logger) pg.HealthCheckOptions {
	opts := pg.DefaultHealthCheckOptions()
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("postgres not ready",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	}
	return opts
}

func notFound(what, key string) error {
	return shared.MarkKind(fmt.Errorf("store: %s %q", what, key), shared.KindNotFound)
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
