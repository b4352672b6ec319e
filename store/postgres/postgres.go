/*
Package postgres provides a PostgreSQL-backed implementation of generic.TxStore.

PURPOSE:
  Same tables and queries as store/sqlite (see store/sqlstore), opened
  through the pgx database/sql driver. Concurrency is left to the
  database: balance rows are read with SELECT ... FOR UPDATE, the version
  column catches anything that slipped past, and serialization failures or
  deadlocks surface as generic.ErrConflict so the service retries them.

ERROR MAPPING (SQLSTATE):
  23505 unique_violation      → constraint name decides the ledger error
  40001 serialization_failure → ErrConflict
  40P01 deadlock_detected     → ErrConflict
  55P03 lock_not_available    → ErrConflict

SEE ALSO:
  - store/sqlstore/sqlstore.go: Queries
  - store/sqlite/sqlite.go: SQLite flavor
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/ledger-engine/store/sqlstore"
)

// Store is the PostgreSQL store.
type Store struct {
	*sqlstore.Store
}

// Dialect is the PostgreSQL flavor of the shared queries.
var Dialect = sqlstore.Dialect{
	Name:                 "postgres",
	NumberedPlaceholders: true,
	LockSuffix:           " FOR UPDATE",
	UniqueViolation:      uniqueViolation,
	Retryable:            retryable,
}

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New connects, pings and migrates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{Store: sqlstore.New(db, Dialect)}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS movements (
		id BIGSERIAL PRIMARY KEY,
		owner_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		source TEXT NOT NULL,
		amount NUMERIC(20, 4) NOT NULL,
		unit_value NUMERIC(20, 4) NOT NULL DEFAULT 0,
		related_order_id TEXT,
		reverses_id BIGINT REFERENCES movements(id),
		idempotency_key TEXT,
		note TEXT NOT NULL DEFAULT '',
		author_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_movements_owner_resource ON movements(owner_id, resource_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_movements_created_at ON movements(created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_idempotency
		ON movements(idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_reverses
		ON movements(reverses_id) WHERE reverses_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS balances (
		owner_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		balance NUMERIC(20, 4) NOT NULL,
		total_out NUMERIC(20, 4) NOT NULL,
		total_in NUMERIC(20, 4) NOT NULL,
		total_charged NUMERIC(20, 4) NOT NULL,
		total_credited NUMERIC(20, 4) NOT NULL,
		total_debited NUMERIC(20, 4) NOT NULL,
		total_adjusted NUMERIC(20, 4) NOT NULL,
		last_movement_id BIGINT NOT NULL DEFAULT 0,
		last_movement_at TIMESTAMPTZ,
		version BIGINT NOT NULL,
		PRIMARY KEY (owner_id, resource_id)
	)`,

	`CREATE TABLE IF NOT EXISTS cashback_records (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		period INTEGER NOT NULL,
		total_purchases NUMERIC(20, 4) NOT NULL,
		total_refunds NUMERIC(20, 4) NOT NULL,
		percentage NUMERIC(9, 4) NOT NULL,
		computed_amount NUMERIC(20, 4) NOT NULL,
		status TEXT NOT NULL,
		linked_movement_id BIGINT REFERENCES movements(id),
		reversal_movement_id BIGINT REFERENCES movements(id),
		description TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		reversed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_cashback_active_owner_period
		ON cashback_records(owner_id, period) WHERE status IN ('pending', 'processed')`,
	`CREATE INDEX IF NOT EXISTS idx_cashback_period ON cashback_records(period, created_at)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Reset deletes all data. Tests and local tooling only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.DB().ExecContext(ctx, `TRUNCATE cashback_records, balances, movements RESTART IDENTITY`)
	return err
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}
