/*
ledger.go - Append-only movement log

PURPOSE:
  The movement log is the immutable source of truth for every balance
  change. Gives, returns, charges, top-ups, cashback credits, adjustments
  and reversals are all recorded here. The Balance aggregate is derived
  from it and can always be recomputed (see reconcile.go).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, movements cannot be modified
  3. ORDERED: IDs are strictly increasing in append order
  4. VALID: Amount is nonzero and (direction, source) is an allowed pair

CORRECTIONS:
  If a mistake is made, you don't edit the movement. Instead:
  1. Append a compensating movement referencing it (ReversesID)
  2. Both original and compensation remain in the log
  3. Net effect is correction, but history is preserved

EXAMPLE FLOW:
  1. 10 crates given to a customer:   Out +10
  2. 3 crates come back:              In  −3
  3. The give was a typo:             In  −10 (reverses #1)
  4. Re-record the real give:         Out +8

  Crate log: [+10, −3, −10, +8] = 5 crates

SEE ALSO:
  - store.go: Low-level persistence interface
  - balance.go: Folds movements into the Balance aggregate
*/
package generic

import (
	"context"
	"time"
)

const defaultPageSize = 100

// AmountScale is the number of decimal places every store keeps. Amounts
// with more precision would be truncated by NUMERIC(20, 4) columns.
const AmountScale = 4

// =============================================================================
// MOVEMENT LOG
// =============================================================================

// MovementLog is the source of truth for all balance changes.
//
// INVARIANTS:
//   - Append-only: No Update, No Delete. EVER.
//   - Immutable: Once written, movements cannot be modified.
//
// Corrections are made via compensating movements, not edits.
type MovementLog interface {
	// Append validates the draft and persists it. This is the ONLY write.
	Append(ctx context.Context, draft MovementDraft) (Movement, error)

	// Query returns a lazy, restartable iterator over matching movements,
	// newest first.
	Query(filter MovementFilter) *MovementIterator
}

// =============================================================================
// DEFAULT MOVEMENT LOG - Implementation using MovementStore
// =============================================================================

type DefaultMovementLog struct {
	Store MovementStore
	Now   func() time.Time
}

func NewMovementLog(store MovementStore, now func() time.Time) *DefaultMovementLog {
	if now == nil {
		now = time.Now
	}
	return &DefaultMovementLog{Store: store, Now: now}
}

func (l *DefaultMovementLog) Append(ctx context.Context, draft MovementDraft) (Movement, error) {
	if err := ValidateDraft(draft); err != nil {
		return Movement{}, err
	}
	return l.Store.AppendMovement(ctx, draft.toMovement(l.Now().UTC()))
}

func (l *DefaultMovementLog) Query(filter MovementFilter) *MovementIterator {
	return &MovementIterator{store: l.Store, filter: filter}
}

// ValidateDraft checks a draft without touching storage.
func ValidateDraft(d MovementDraft) error {
	if d.OwnerID == "" {
		return invalid("owner", "required")
	}
	if d.Resource == nil || d.Resource.ResourceID() == "" {
		return invalid("resource", "required")
	}
	if _, ok := validPairs[d.Direction]; !ok {
		return invalid("direction", "unknown direction "+string(d.Direction))
	}
	if !ValidPair(d.Direction, d.Source) {
		return invalid("source", string(d.Source)+" not allowed for "+string(d.Direction))
	}
	if d.Amount.IsZero() {
		return invalidAmount("must be nonzero")
	}
	if !d.Amount.Equal(d.Amount.Truncate(AmountScale)) {
		return invalidAmount("at most 4 decimal places")
	}
	if d.Direction != DirectionAdjustment && d.Amount.IsNegative() {
		return invalidAmount("must be positive for " + string(d.Direction))
	}
	if UnitFor(d.Resource) == UnitContainers && !d.Amount.IsInteger() {
		return invalidAmount("container quantities are whole numbers")
	}
	if d.UnitValue.IsNegative() {
		return invalid("unit_value", "must not be negative")
	}
	if d.ReversesID != 0 && d.Source != SourceReversal && d.Source != SourceCashbackReversal {
		return invalid("source", "compensating movements need a reversal source")
	}
	return nil
}

// =============================================================================
// ITERATOR - Cursor paging over the store
// =============================================================================

// MovementIterator pages through QueryMovements lazily. Filter.Limit is the
// page size; the iterator walks every page until the store returns a short
// one.
//
//   it := log.Query(filter)
//   for it.Next(ctx) {
//       m := it.Movement()
//   }
//   if err := it.Err(); err != nil { ... }
type MovementIterator struct {
	store  MovementStore
	filter MovementFilter
	page   []Movement
	pos    int
	cursor MovementID
	done   bool
	err    error
	cur    Movement
}

// NewMovementIterator iterates over store directly.
func NewMovementIterator(store MovementStore, filter MovementFilter) *MovementIterator {
	return &MovementIterator{store: store, filter: filter}
}

func (it *MovementIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		if !it.fetch(ctx) {
			return false
		}
	}
	it.cur = it.page[it.pos]
	it.pos++
	return true
}

func (it *MovementIterator) fetch(ctx context.Context) bool {
	f := it.filter
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if it.cursor != 0 {
		f.BeforeID = it.cursor
	}
	page, err := it.store.QueryMovements(ctx, f)
	if err != nil {
		it.err = err
		return false
	}
	it.page, it.pos = page, 0
	if len(page) < f.Limit {
		it.done = true
	}
	if len(page) == 0 {
		return false
	}
	it.cursor = page[len(page)-1].ID
	return true
}

// Movement returns the current element.
func (it *MovementIterator) Movement() Movement { return it.cur }

// Err returns the first storage error encountered.
func (it *MovementIterator) Err() error { return it.err }

// Cursor returns the id to pass as BeforeID to resume after the current page.
func (it *MovementIterator) Cursor() MovementID { return it.cursor }

// Reset restarts the iteration from the filter's original cursor.
func (it *MovementIterator) Reset() {
	it.page, it.pos, it.cursor, it.done, it.err = nil, 0, 0, false, nil
	it.cur = Movement{}
}

// Collect drains the iterator, stopping after max elements when max > 0.
func (it *MovementIterator) Collect(ctx context.Context, max int) ([]Movement, error) {
	var out []Movement
	for it.Next(ctx) {
		out = append(out, it.Movement())
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, it.Err()
}
