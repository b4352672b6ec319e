/*
Package sqlstore implements generic.TxStore over database/sql.

PURPOSE:
  The SQLite and PostgreSQL stores share every query. They differ only in
  placeholder syntax, row locking, schema DDL and how the driver reports
  unique violations and lost races; those live in a Dialect supplied by
  store/sqlite and store/postgres.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the movements table
  - Corrections are compensating movements (reverses_id)

KEY TABLES:
  movements:        Immutable log of every balance change
  balances:         Derived aggregate, one row per (owner, resource)
  cashback_records: Yearly cashback results

CONSTRAINTS RELIED ON:
  - movements.idempotency_key unique when not null
  - movements.reverses_id unique when not null (one reversal per movement)
  - cashback_records (owner_id, period) unique where status is active
  - balances primary key (owner_id, resource_id) plus a version column

CONCURRENCY:
  With Dialect.SerializeWrites (SQLite) a sync.RWMutex serializes writers
  in-process, like a single-writer database would. Otherwise the database
  does the work: LockBalance uses SELECT ... FOR UPDATE and SaveBalance
  checks the version.

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Dialects + schema
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/generic"
)

// Dialect captures what differs between database engines.
type Dialect struct {
	Name string

	// Numbered placeholders ($1, $2...) instead of ?.
	NumberedPlaceholders bool

	// LockSuffix is appended to SELECTs that read a row for update.
	LockSuffix string

	// SerializeWrites guards WithTx and writes with an in-process mutex.
	SerializeWrites bool

	// UniqueViolation reports whether err is a unique-constraint failure and
	// returns the driver's description of the constraint.
	UniqueViolation func(err error) (string, bool)

	// Retryable reports whether err is a lost race (busy database,
	// serialization failure, deadlock).
	Retryable func(err error) bool
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements generic.TxStore.
type Store struct {
	db *sql.DB
	d  Dialect
	mu sync.RWMutex
}

var _ generic.TxStore = (*Store)(nil)

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d}
}

// DB exposes the pool for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) rlock() func() {
	if !s.d.SerializeWrites {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) lock() func() {
	if !s.d.SerializeWrites {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) q(db querier) *queries {
	return &queries{db: db, d: &s.d}
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	defer s.lock()()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(s.q(sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.classify(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (s *Store) classify(err error) error {
	if s.d.Retryable != nil && s.d.Retryable(err) {
		return fmt.Errorf("%w: %v", generic.ErrConflict, err)
	}
	return err
}

// =============================================================================
// NON-TRANSACTIONAL ENTRY POINTS
// =============================================================================

func (s *Store) AppendMovement(ctx context.Context, m generic.Movement) (generic.Movement, error) {
	defer s.lock()()
	return s.q(s.db).AppendMovement(ctx, m)
}

func (s *Store) GetMovement(ctx context.Context, id generic.MovementID) (generic.Movement, error) {
	defer s.rlock()()
	return s.q(s.db).GetMovement(ctx, id)
}

func (s *Store) QueryMovements(ctx context.Context, f generic.MovementFilter) ([]generic.Movement, error) {
	defer s.rlock()()
	return s.q(s.db).QueryMovements(ctx, f)
}

func (s *Store) LoadMovements(ctx context.Context, owner generic.OwnerID, resourceID string) ([]generic.Movement, error) {
	defer s.rlock()()
	return s.q(s.db).LoadMovements(ctx, owner, resourceID)
}

func (s *Store) IsReversed(ctx context.Context, id generic.MovementID) (bool, error) {
	defer s.rlock()()
	return s.q(s.db).IsReversed(ctx, id)
}

func (s *Store) GetBalance(ctx context.Context, owner generic.OwnerID, resourceID string) (generic.Balance, bool, error) {
	defer s.rlock()()
	return s.q(s.db).GetBalance(ctx, owner, resourceID)
}

// LockBalance outside a transaction is a plain read.
func (s *Store) LockBalance(ctx context.Context, owner generic.OwnerID, resourceID string) (generic.Balance, bool, error) {
	return s.GetBalance(ctx, owner, resourceID)
}

func (s *Store) SaveBalance(ctx context.Context, b generic.Balance) (generic.Balance, error) {
	defer s.lock()()
	return s.q(s.db).SaveBalance(ctx, b)
}

func (s *Store) ListBalances(ctx context.Context, owner generic.OwnerID) ([]generic.Balance, error) {
	defer s.rlock()()
	return s.q(s.db).ListBalances(ctx, owner)
}

func (s *Store) ListBalanceKeys(ctx context.Context, after generic.BalanceKey, limit int) ([]generic.BalanceKey, error) {
	defer s.rlock()()
	return s.q(s.db).ListBalanceKeys(ctx, after, limit)
}

func (s *Store) CreateCashbackRecord(ctx context.Context, r generic.CashbackRecord) error {
	defer s.lock()()
	return s.q(s.db).CreateCashbackRecord(ctx, r)
}

func (s *Store) UpdateCashbackRecord(ctx context.Context, r generic.CashbackRecord) error {
	defer s.lock()()
	return s.q(s.db).UpdateCashbackRecord(ctx, r)
}

func (s *Store) GetCashbackRecord(ctx context.Context, id string) (generic.CashbackRecord, error) {
	defer s.rlock()()
	return s.q(s.db).GetCashbackRecord(ctx, id)
}

func (s *Store) FindActiveCashbackRecord(ctx context.Context, owner generic.OwnerID, period int) (generic.CashbackRecord, bool, error) {
	defer s.rlock()()
	return s.q(s.db).FindActiveCashbackRecord(ctx, owner, period)
}

func (s *Store) ListCashbackRecords(ctx context.Context, period int) ([]generic.CashbackRecord, error) {
	defer s.rlock()()
	return s.q(s.db).ListCashbackRecords(ctx, period)
}

// =============================================================================
// QUERIES - Shared by the pool and by open transactions
// =============================================================================

type queries struct {
	db querier
	d  *Dialect
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (q *queries) rebind(query string) string {
	if !q.d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *queries) unique(err error) (string, bool) {
	if q.d.UniqueViolation == nil {
		return "", false
	}
	return q.d.UniqueViolation(err)
}

func (q *queries) wrap(op string, err error) error {
	if q.d.Retryable != nil && q.d.Retryable(err) {
		return fmt.Errorf("%s: %w: %v", op, generic.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const movementColumns = `id, owner_id, resource_id, direction, source, amount, unit_value,
	related_order_id, reverses_id, idempotency_key, note, author_id, created_at`

func (q *queries) AppendMovement(ctx context.Context, m generic.Movement) (generic.Movement, error) {
	query := q.rebind(`
		INSERT INTO movements
		(owner_id, resource_id, direction, source, amount, unit_value,
		 related_order_id, reverses_id, idempotency_key, note, author_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	var reverses sql.NullInt64
	if m.ReversesID != 0 {
		reverses = sql.NullInt64{Int64: int64(m.ReversesID), Valid: true}
	}
	err := q.db.QueryRowContext(ctx, query,
		m.OwnerID,
		m.Resource.ResourceID(),
		m.Direction,
		m.Source,
		m.Amount.String(),
		m.UnitValue.String(),
		nullString(m.RelatedOrderID),
		reverses,
		nullString(m.IdempotencyKey),
		m.Note,
		m.AuthorID,
		m.CreatedAt.UTC(),
	).Scan(&m.ID)
	if err != nil {
		if constraint, ok := q.unique(err); ok {
			switch {
			case strings.Contains(constraint, "idempotency"):
				return generic.Movement{}, generic.ErrDuplicateIdempotencyKey
			case strings.Contains(constraint, "reverses"):
				return generic.Movement{}, &generic.StateError{
					Kind: generic.ErrNotReversible, OwnerID: m.OwnerID,
					Resource: m.Resource.ResourceID(), MovementID: m.ReversesID, Reason: "already reversed",
				}
			}
		}
		return generic.Movement{}, q.wrap("failed to append movement", err)
	}
	return m, nil
}

func (q *queries) GetMovement(ctx context.Context, id generic.MovementID) (generic.Movement, error) {
	movements, err := q.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements WHERE id = ?`, id)
	if err != nil {
		return generic.Movement{}, err
	}
	if len(movements) == 0 {
		return generic.Movement{}, &generic.StateError{Kind: generic.ErrMovementNotFound, MovementID: id}
	}
	return movements[0], nil
}

func (q *queries) QueryMovements(ctx context.Context, f generic.MovementFilter) ([]generic.Movement, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.OwnerID != "" {
		add("owner_id = ?", f.OwnerID)
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if f.Direction != "" {
		add("direction = ?", f.Direction)
	}
	if f.Source != "" {
		add("source = ?", f.Source)
	}
	if f.IdempotencyKey != "" {
		add("idempotency_key = ?", f.IdempotencyKey)
	}
	if !f.From.IsZero() {
		add("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("created_at < ?", f.To.UTC())
	}
	if f.BeforeID != 0 {
		add("id < ?", f.BeforeID)
	}

	query := `SELECT ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.queryMovements(ctx, query, args...)
}

func (q *queries) LoadMovements(ctx context.Context, owner generic.OwnerID, resourceID string) ([]generic.Movement, error) {
	return q.queryMovements(ctx,
		`SELECT `+movementColumns+` FROM movements WHERE owner_id = ? AND resource_id = ? ORDER BY id ASC`,
		owner, resourceID)
}

func (q *queries) IsReversed(ctx context.Context, id generic.MovementID) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, q.rebind(`SELECT COUNT(*) FROM movements WHERE reverses_id = ?`), id).Scan(&count)
	if err != nil {
		return false, q.wrap("failed to check reversal", err)
	}
	return count > 0, nil
}

func (q *queries) queryMovements(ctx context.Context, query string, args ...any) ([]generic.Movement, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, q.wrap("failed to query movements", err)
	}
	defer rows.Close()

	var movements []generic.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func scanMovement(rows *sql.Rows) (generic.Movement, error) {
	var (
		m          generic.Movement
		resourceID string
		orderID    sql.NullString
		reverses   sql.NullInt64
		idemKey    sql.NullString
		createdAt  dbTime
	)
	err := rows.Scan(
		&m.ID, &m.OwnerID, &resourceID, &m.Direction, &m.Source, &m.Amount, &m.UnitValue,
		&orderID, &reverses, &idemKey, &m.Note, &m.AuthorID, &createdAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}
	m.Resource = generic.GetOrCreateResource(resourceID)
	m.RelatedOrderID = orderID.String
	m.ReversesID = generic.MovementID(reverses.Int64)
	m.IdempotencyKey = idemKey.String
	m.CreatedAt = createdAt.Time
	return m, nil
}

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `owner_id, resource_id, balance, total_out, total_in, total_charged,
	total_credited, total_debited, total_adjusted, last_movement_id, last_movement_at, version`

func (q *queries) GetBalance(ctx context.Context, owner generic.OwnerID, resourceID string) (generic.Balance, bool, error) {
	return q.getBalance(ctx, owner, resourceID, "")
}

func (q *queries) LockBalance(ctx context.Context, owner generic.OwnerID, resourceID string) (generic.Balance, bool, error) {
	return q.getBalance(ctx, owner, resourceID, q.d.LockSuffix)
}

func (q *queries) getBalance(ctx context.Context, owner generic.OwnerID, resourceID, suffix string) (generic.Balance, bool, error) {
	balances, err := q.queryBalances(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE owner_id = ? AND resource_id = ?`+suffix,
		owner, resourceID)
	if err != nil || len(balances) == 0 {
		return generic.Balance{}, false, err
	}
	return balances[0], true, nil
}

func (q *queries) SaveBalance(ctx context.Context, b generic.Balance) (generic.Balance, error) {
	var lastAt any
	if !b.LastMovementAt.IsZero() {
		lastAt = b.LastMovementAt.UTC()
	}
	if b.Version == 0 {
		_, err := q.db.ExecContext(ctx, q.rebind(`
			INSERT INTO balances (`+balanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`),
			b.OwnerID, b.Resource.ResourceID(), b.Balance.String(), b.TotalOut.String(), b.TotalIn.String(),
			b.TotalCharged.String(), b.TotalCredited.String(), b.TotalDebited.String(), b.TotalAdjusted.String(),
			int64(b.LastMovementID), lastAt,
		)
		if err != nil {
			if _, ok := q.unique(err); ok {
				return generic.Balance{}, fmt.Errorf("insert balance %s/%s: %w", b.OwnerID, b.Resource.ResourceID(), generic.ErrConflict)
			}
			return generic.Balance{}, q.wrap("failed to insert balance", err)
		}
		b.Version = 1
		return b, nil
	}

	res, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE balances SET
			balance = ?, total_out = ?, total_in = ?, total_charged = ?,
			total_credited = ?, total_debited = ?, total_adjusted = ?,
			last_movement_id = ?, last_movement_at = ?, version = version + 1
		WHERE owner_id = ? AND resource_id = ? AND version = ?
	`),
		b.Balance.String(), b.TotalOut.String(), b.TotalIn.String(), b.TotalCharged.String(),
		b.TotalCredited.String(), b.TotalDebited.String(), b.TotalAdjusted.String(),
		int64(b.LastMovementID), lastAt,
		b.OwnerID, b.Resource.ResourceID(), b.Version,
	)
	if err != nil {
		return generic.Balance{}, q.wrap("failed to update balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Balance{}, q.wrap("failed to update balance", err)
	}
	if n == 0 {
		return generic.Balance{}, fmt.Errorf("balance %s/%s changed since version %d: %w",
			b.OwnerID, b.Resource.ResourceID(), b.Version, generic.ErrConflict)
	}
	b.Version++
	return b, nil
}

func (q *queries) ListBalances(ctx context.Context, owner generic.OwnerID) ([]generic.Balance, error) {
	return q.queryBalances(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE owner_id = ? ORDER BY resource_id`, owner)
}

func (q *queries) ListBalanceKeys(ctx context.Context, after generic.BalanceKey, limit int) ([]generic.BalanceKey, error) {
	query := q.rebind(`
		SELECT owner_id, resource_id FROM balances
		WHERE owner_id > ? OR (owner_id = ? AND resource_id > ?)
		ORDER BY owner_id, resource_id
		LIMIT ?
	`)
	rows, err := q.db.QueryContext(ctx, query, after.OwnerID, after.OwnerID, after.ResourceID, limit)
	if err != nil {
		return nil, q.wrap("failed to list balances", err)
	}
	defer rows.Close()

	var keys []generic.BalanceKey
	for rows.Next() {
		var k generic.BalanceKey
		if err := rows.Scan(&k.OwnerID, &k.ResourceID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (q *queries) queryBalances(ctx context.Context, query string, args ...any) ([]generic.Balance, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, q.wrap("failed to query balances", err)
	}
	defer rows.Close()

	var balances []generic.Balance
	for rows.Next() {
		var (
			b          generic.Balance
			resourceID string
			lastID     int64
			lastAt     dbTime
		)
		if err := rows.Scan(
			&b.OwnerID, &resourceID, &b.Balance, &b.TotalOut, &b.TotalIn, &b.TotalCharged,
			&b.TotalCredited, &b.TotalDebited, &b.TotalAdjusted, &lastID, &lastAt, &b.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		b.Resource = generic.GetOrCreateResource(resourceID)
		b.LastMovementID = generic.MovementID(lastID)
		b.LastMovementAt = lastAt.Time
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// =============================================================================
// CASHBACK RECORDS
// =============================================================================

const cashbackColumns = `id, owner_id, period, total_purchases, total_refunds, percentage,
	computed_amount, status, linked_movement_id, reversal_movement_id, description,
	failure_reason, created_at, updated_at, processed_at, reversed_at`

func (q *queries) CreateCashbackRecord(ctx context.Context, r generic.CashbackRecord) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO cashback_records (`+cashbackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		r.ID, r.OwnerID, r.Period, r.TotalPurchases.String(), r.TotalRefunds.String(), r.Percentage.String(),
		r.ComputedAmount.String(), r.Status, nullID(r.LinkedMovementID), nullID(r.ReversalMovementID),
		r.Description, r.FailureReason, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
		nullTime(r.ProcessedAt), nullTime(r.ReversedAt),
	)
	if err != nil {
		if _, ok := q.unique(err); ok {
			return &generic.StateError{Kind: generic.ErrAlreadyProcessed, OwnerID: r.OwnerID, Period: r.Period}
		}
		return q.wrap("failed to create cashback record", err)
	}
	return nil
}

func (q *queries) UpdateCashbackRecord(ctx context.Context, r generic.CashbackRecord) error {
	res, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE cashback_records SET
			status = ?, linked_movement_id = ?, reversal_movement_id = ?, failure_reason = ?,
			updated_at = ?, processed_at = ?, reversed_at = ?
		WHERE id = ?
	`),
		r.Status, nullID(r.LinkedMovementID), nullID(r.ReversalMovementID), r.FailureReason,
		r.UpdatedAt.UTC(), nullTime(r.ProcessedAt), nullTime(r.ReversedAt), r.ID,
	)
	if err != nil {
		if _, ok := q.unique(err); ok {
			return &generic.StateError{Kind: generic.ErrAlreadyProcessed, OwnerID: r.OwnerID, Period: r.Period}
		}
		return q.wrap("failed to update cashback record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.StateError{Kind: generic.ErrRecordNotFound, RecordID: r.ID}
	}
	return nil
}

func (q *queries) GetCashbackRecord(ctx context.Context, id string) (generic.CashbackRecord, error) {
	records, err := q.queryCashback(ctx, `SELECT `+cashbackColumns+` FROM cashback_records WHERE id = ?`, id)
	if err != nil {
		return generic.CashbackRecord{}, err
	}
	if len(records) == 0 {
		return generic.CashbackRecord{}, &generic.StateError{Kind: generic.ErrRecordNotFound, RecordID: id}
	}
	return records[0], nil
}

func (q *queries) FindActiveCashbackRecord(ctx context.Context, owner generic.OwnerID, period int) (generic.CashbackRecord, bool, error) {
	records, err := q.queryCashback(ctx,
		`SELECT `+cashbackColumns+` FROM cashback_records
		 WHERE owner_id = ? AND period = ? AND status IN ('pending', 'processed')`,
		owner, period)
	if err != nil || len(records) == 0 {
		return generic.CashbackRecord{}, false, err
	}
	return records[0], true, nil
}

func (q *queries) ListCashbackRecords(ctx context.Context, period int) ([]generic.CashbackRecord, error) {
	return q.queryCashback(ctx,
		`SELECT `+cashbackColumns+` FROM cashback_records WHERE period = ? ORDER BY created_at, id`, period)
}

func (q *queries) queryCashback(ctx context.Context, query string, args ...any) ([]generic.CashbackRecord, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, q.wrap("failed to query cashback records", err)
	}
	defer rows.Close()

	var records []generic.CashbackRecord
	for rows.Next() {
		var (
			r                   generic.CashbackRecord
			linked, reversal    sql.NullInt64
			created, updated    dbTime
			processed, reversed dbTime
		)
		if err := rows.Scan(
			&r.ID, &r.OwnerID, &r.Period, &r.TotalPurchases, &r.TotalRefunds, &r.Percentage,
			&r.ComputedAmount, &r.Status, &linked, &reversal, &r.Description,
			&r.FailureReason, &created, &updated, &processed, &reversed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cashback record: %w", err)
		}
		r.LinkedMovementID = generic.MovementID(linked.Int64)
		r.ReversalMovementID = generic.MovementID(reversal.Int64)
		r.CreatedAt, r.UpdatedAt = created.Time, updated.Time
		r.ProcessedAt, r.ReversedAt = processed.Time, reversed.Time
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullID(id generic.MovementID) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(id), Valid: true}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// dbTime scans timestamps from drivers that return time.Time (pgx, sqlite
// TIMESTAMP columns) as well as text. NULL scans as the zero time.
type dbTime struct {
	Time time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	}
	return fmt.Errorf("unsupported time value %T", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

// scan targets must satisfy sql.Scanner.
var (
	_ sql.Scanner = (*dbTime)(nil)
	_ sql.Scanner = (*decimal.Decimal)(nil)
)
