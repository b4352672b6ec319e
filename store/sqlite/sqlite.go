/*
Package sqlite provides a SQLite-backed implementation of generic.TxStore.

PURPOSE:
  Opens the database, migrates the schema and supplies the SQLite dialect
  to the shared queries in store/sqlstore.

KEY TABLES:
  movements:        Immutable log of all balance changes
  balances:         One aggregate row per (owner, resource), versioned
  cashback_records: Yearly cashback results per owner

INDEXES:
  - idx_movements_owner_resource: Balance recompute (hot path for reconcile)
  - idx_movements_idempotency: Caller-supplied dedup keys
  - idx_movements_reverses: One compensation per movement
  - idx_cashback_active_owner_period: At most one pending/processed record
    per (owner, period); reversed and failed records don't count

CONCURRENCY:
  SQLite has a single writer. The store serializes transactions with a
  sync.RWMutex and opens transactions with BEGIN IMMEDIATE so a second
  process gets SQLITE_BUSY (mapped to ErrConflict) instead of a deadlock.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := generic.NewService(store, generic.DefaultLedgerConfig())

SEE ALSO:
  - store/sqlstore/sqlstore.go: Queries
  - store/postgres/postgres.go: Same schema on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/ledger-engine/store/sqlstore"
)

// Store is the SQLite store.
type Store struct {
	*sqlstore.Store
}

// Dialect is the SQLite flavor of the shared queries.
var Dialect = sqlstore.Dialect{
	Name:            "sqlite",
	SerializeWrites: true,
	UniqueViolation: uniqueViolation,
	Retryable:       isBusy,
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for ":memory:" and matches SQLite's single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{Store: sqlstore.New(db, Dialect)}, nil
}

const schema = `
	-- Movements (append-only log)
	CREATE TABLE IF NOT EXISTS movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		source TEXT NOT NULL,
		amount TEXT NOT NULL,
		unit_value TEXT NOT NULL DEFAULT '0',
		related_order_id TEXT,
		reverses_id INTEGER REFERENCES movements(id),
		idempotency_key TEXT,
		note TEXT NOT NULL DEFAULT '',
		author_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_owner_resource
		ON movements(owner_id, resource_id, id);
	CREATE INDEX IF NOT EXISTS idx_movements_created_at
		ON movements(created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_idempotency
		ON movements(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_reverses
		ON movements(reverses_id) WHERE reverses_id IS NOT NULL;

	-- Balances (derived aggregate, kept in step with movements)
	CREATE TABLE IF NOT EXISTS balances (
		owner_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		balance TEXT NOT NULL,
		total_out TEXT NOT NULL,
		total_in TEXT NOT NULL,
		total_charged TEXT NOT NULL,
		total_credited TEXT NOT NULL,
		total_debited TEXT NOT NULL,
		total_adjusted TEXT NOT NULL,
		last_movement_id INTEGER NOT NULL DEFAULT 0,
		last_movement_at TIMESTAMP,
		version INTEGER NOT NULL,
		PRIMARY KEY (owner_id, resource_id)
	);

	-- Cashback records
	CREATE TABLE IF NOT EXISTS cashback_records (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		period INTEGER NOT NULL,
		total_purchases TEXT NOT NULL,
		total_refunds TEXT NOT NULL,
		percentage TEXT NOT NULL,
		computed_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		linked_movement_id INTEGER REFERENCES movements(id),
		reversal_movement_id INTEGER REFERENCES movements(id),
		description TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		reversed_at TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_cashback_active_owner_period
		ON cashback_records(owner_id, period) WHERE status IN ('pending', 'processed');
	CREATE INDEX IF NOT EXISTS idx_cashback_period
		ON cashback_records(period, created_at);
`

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Reset deletes all data. Tests and local tooling only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.DB().ExecContext(ctx, `
		DELETE FROM cashback_records;
		DELETE FROM balances;
		DELETE FROM movements;
	`)
	return err
}

// uniqueViolation reports SQLITE_CONSTRAINT_UNIQUE / PRIMARYKEY. SQLite
// names the columns rather than the index, e.g.
// "UNIQUE constraint failed: movements.idempotency_key".
func uniqueViolation(err error) (string, bool) {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return sqliteErr.Error(), true
		}
		return "", false
	}
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return err.Error(), true
	}
	return "", false
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
