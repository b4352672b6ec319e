/*
store.go - Persistence interface for movements, balances and cashback records

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  MovementStore:  Append-only movement log (append, get, query)
  BalanceStore:   Derived aggregate rows (lock, save, list)
  CashbackStore:  Per-(owner, period) cashback records
  TxStore:        All of the above inside one atomic unit of work

APPEND-ONLY CONTRACT:
  MovementStore has no Update or Delete. Balances and cashback records are
  mutable, but only ever written in the same transaction as the movement
  that justifies the change.

LOCKING:
  LockBalance reads the row for update. SQL stores take a row lock
  (SELECT ... FOR UPDATE) or serialize writers; SaveBalance additionally
  checks Version and returns ErrConflict when another writer got there
  first.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - service.go: The only caller that writes
  - reconcile.go: Recomputes balances from LoadMovements
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// MOVEMENT STORE - Append-only
// =============================================================================

// MovementFilter selects movements. Results are ordered newest first
// (id descending); BeforeID is the exclusive cursor for the next page.
type MovementFilter struct {
	OwnerID        OwnerID
	ResourceID     string
	Direction      Direction
	Source         Source
	IdempotencyKey string
	From           time.Time
	To             time.Time
	BeforeID       MovementID
	Limit          int
}

type MovementStore interface {
	// AppendMovement persists m and returns it with its assigned ID.
	// Returns ErrDuplicateIdempotencyKey if the key is taken and
	// ErrNotReversible if m.ReversesID was already compensated.
	AppendMovement(ctx context.Context, m Movement) (Movement, error)

	// GetMovement returns ErrMovementNotFound if id doesn't exist.
	GetMovement(ctx context.Context, id MovementID) (Movement, error)

	// QueryMovements returns one page matching the filter, newest first.
	QueryMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)

	// LoadMovements returns every movement for the pair, oldest first.
	LoadMovements(ctx context.Context, owner OwnerID, resourceID string) ([]Movement, error)

	// IsReversed reports whether a compensating movement references id.
	IsReversed(ctx context.Context, id MovementID) (bool, error)
}

// =============================================================================
// BALANCE STORE - Derived aggregate
// =============================================================================

type BalanceStore interface {
	// GetBalance returns the row, or ok=false if the pair has none yet.
	GetBalance(ctx context.Context, owner OwnerID, resourceID string) (Balance, bool, error)

	// LockBalance is GetBalance with row-level locking for the current
	// transaction. Only meaningful inside WithTx.
	LockBalance(ctx context.Context, owner OwnerID, resourceID string) (Balance, bool, error)

	// SaveBalance inserts or updates the row. The stored version must equal
	// b.Version; the saved row gets b.Version+1. Returns ErrConflict otherwise.
	SaveBalance(ctx context.Context, b Balance) (Balance, error)

	// ListBalances returns every row of an owner, ordered by resource id.
	ListBalances(ctx context.Context, owner OwnerID) ([]Balance, error)

	// ListBalanceKeys returns up to limit keys ordered by (owner, resource)
	// strictly after the cursor. Used by bulk reconciliation.
	ListBalanceKeys(ctx context.Context, after BalanceKey, limit int) ([]BalanceKey, error)
}

// =============================================================================
// CASHBACK STORE
// =============================================================================

type CashbackStore interface {
	// CreateCashbackRecord returns ErrAlreadyProcessed when an active
	// (pending or processed) record exists for the same owner and period.
	CreateCashbackRecord(ctx context.Context, r CashbackRecord) error

	// UpdateCashbackRecord overwrites the mutable fields (status, links,
	// failure reason, timestamps).
	UpdateCashbackRecord(ctx context.Context, r CashbackRecord) error

	// GetCashbackRecord returns ErrRecordNotFound if id doesn't exist.
	GetCashbackRecord(ctx context.Context, id string) (CashbackRecord, error)

	// FindActiveCashbackRecord returns the pending or processed record for
	// the pair, or ok=false.
	FindActiveCashbackRecord(ctx context.Context, owner OwnerID, period int) (CashbackRecord, bool, error)

	// ListCashbackRecords returns every record of the period, oldest first.
	ListCashbackRecords(ctx context.Context, period int) ([]CashbackRecord, error)
}

// =============================================================================
// COMBINED + TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	MovementStore
	BalanceStore
	CashbackStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
