// Package store owns the shared Postgres connection pool and schema
// migrations used by the event log, queue, and catalog packages.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool wraps *pgxpool.Pool with the connection tuning this module's
// write-heavy, long-lived server process needs.
type Pool struct {
	*pgxpool.Pool
}

// Open establishes a pooled Postgres connection, mirroring the teacher's
// store-constructor idiom (configure pool limits, ping to verify, fail
// closed on error) adapted from MySQL's database/sql pooling to pgxpool's
// native config.
func Open(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close releases every connection in the pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

//go:embed embedded_migrations/*.sql
var embeddedMigrations embed.FS

// Migrate applies every pending migration embedded under
// embedded_migrations/*.sql to the database dsn points at. The repository's
// top-level migrations/ directory holds the same files, except that its
// 001_init also creates and drops a step_snapshots table nothing uses.
//
// Grounded on correlator-io-correlator's migrations/runner.go: open via
// database/sql, wrap with postgres.WithInstance, source from an embedded
// iofs.FS, run Up() and tolerate ErrNoChange.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("store: ping migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: postgres driver: %w", err)
	}

	src, err := iofs.New(embeddedMigrations, "embedded_migrations")
	if err != nil {
		return fmt.Errorf("store: load migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}
