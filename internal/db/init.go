package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/constants"
	"github.com/RezaEskandarii/rollqueue/internal/lock"
	"github.com/RezaEskandarii/rollqueue/migrations"
	"github.com/RezaEskandarii/rollqueue/types/config"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"net/url"
	"strings"
)

const migrationsTable = "rollqueue_schema_migrations"

// Connect opens the shared connection pool and verifies it is reachable.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	dsn, err := DataSourceName(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return db, nil
}

// DataSourceName applies cfg.SSLMode to the connection string unless the string already names one.
// Both URL (postgres://...) and keyword (host=... dbname=...) forms are accepted.
func DataSourceName(cfg config.PostgresConfig) (string, error) {
	raw := strings.TrimSpace(cfg.ConnectionUrl)
	if raw == "" {
		return "", errors.New("postgres connection URL is empty")
	}
	if cfg.SSLMode == "" {
		return raw, nil
	}

	if strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("invalid postgres connection URL: %w", err)
		}
		q := u.Query()
		if q.Get("sslmode") == "" {
			q.Set("sslmode", cfg.SSLMode)
			u.RawQuery = q.Encode()
		}
		return u.String(), nil
	}

	if strings.Contains(raw, "sslmode=") {
		return raw, nil
	}
	return raw + " sslmode=" + cfg.SSLMode, nil
}

// Migrate applies the embedded migrations on a dedicated connection.
// Only one process migrates at a time: the others block on the migration lock
// and find nothing left to do once they get it.
func Migrate(ctx context.Context, cfg config.PostgresConfig, distributedLock lock.DistributedLockManager, logger logrus.FieldLogger) error {
	if err := distributedLock.Acquire(ctx, constants.MigrationLock); err != nil {
		return err
	}
	defer func() {
		if err := distributedLock.Release(context.WithoutCancel(ctx), constants.MigrationLock); err != nil {
			logger.WithError(err).Warn("failed to release migration lock")
		}
	}()

	db, err := Connect(ctx, cfg)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.Close()
		return fmt.Errorf("migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: migrationsTable})
	if err != nil {
		src.Close()
		db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		driver.Close()
		src.Close()
		db.Close()
		return fmt.Errorf("migrate init: %w", err)
	}
	// Closing m closes the driver, which also closes db.
	defer func() {
		srcErr, dbErr := m.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			logger.WithError(err).Warn("failed to close migration resources")
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate version: %w", err)
	}
	logger.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("database schema is up to date")
	return nil
}
