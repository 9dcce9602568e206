// Package migrations wires golang-migrate execution for the tradepilot schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradepilot/internal/infra/telemetry"
	"github.com/coachpo/tradepilot/internal/observability"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errNoFiles      = errors.New("migrations source required")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Dir returns the migrations directory at dir as a filesystem, failing before
// any connection is made when it does not exist.
func Dir(dir string) (fs.FS, error) {
	resolved, err := resolveDir(dir)
	if err != nil {
		return nil, err
	}
	return os.DirFS(resolved), nil
}

// Apply brings the database reachable via dsn up to the latest migration in
// files. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn string, files fs.FS, logger observability.Logger) error {
	logger = observability.OrNop(logger)
	m, closeFn, err := open(ctx, dsn, files)
	if err != nil {
		return err
	}
	defer closeFn(logger)

	logger.Info("running database migrations")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "applied")
	logger.Info("database migrations applied successfully")
	return nil
}

// Rollback reverts steps migrations.
func Rollback(ctx context.Context, dsn string, files fs.FS, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	logger = observability.OrNop(logger)
	m, closeFn, err := open(ctx, dsn, files)
	if err != nil {
		return err
	}
	defer closeFn(logger)

	if err := m.Steps(-steps); err != nil {
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back")
	logger.Info("database migrations rolled back", observability.F("steps", steps))
	return nil
}

// Version reports the applied schema version and whether it is dirty.
// ok is false when no migration has been applied yet.
func Version(ctx context.Context, dsn string, files fs.FS) (version uint, dirty, ok bool, err error) {
	m, closeFn, err := open(ctx, dsn, files)
	if err != nil {
		return 0, false, false, err
	}
	defer closeFn(nil)

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, true, nil
}

func open(ctx context.Context, dsn string, files fs.FS) (*migrate.Migrate, func(observability.Logger), error) {
	if files == nil {
		return nil, nil, errNoFiles
	}
	src, err := iofs.New(files, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations source: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = src.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = src.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = src.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	closeFn := func(logger observability.Logger) {
		logger = observability.OrNop(logger)
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.Err(dbErr))
		}
	}
	return m, closeFn, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("tradepilot_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result)))
}
