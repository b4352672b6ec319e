/*
balance.go - Balance aggregate maintenance

PURPOSE:
  The Aggregator folds movements into the per-(owner, resource) Balance
  row. Reads of the current balance are O(1) because the row is kept in
  step with the log inside the same transaction as every append.

SIGN POLICY:
  Out, Credit       → balance += amount
  In, Charge, Debit → balance −= amount
  Adjustment        → balance += delta (signed)
  Reconciliation    → nothing; it only records the drift that was discarded

  Rollups accumulate magnitudes: TotalOut, TotalIn, TotalCharged,
  TotalCredited, TotalDebited. TotalAdjusted is the net signed sum.

INVARIANT:
  balance == Σ Contribution(m) over the pair's movements, at every commit.
  Fold is the single definition used by Apply and by Recompute, so the
  incremental path and the rebuild path cannot disagree.

SEE ALSO:
  - types.go: Movement.Contribution
  - reconcile.go: Uses Recompute to detect drift
*/
package generic

import (
	"context"
	"fmt"
)

// =============================================================================
// FOLD - Pure balance arithmetic
// =============================================================================

// Fold returns b with m applied.
func Fold(b Balance, m Movement) Balance {
	if m.IsAudit() {
		return markSeen(b, m)
	}
	b.Balance = b.Balance.Add(m.Contribution())
	switch m.Direction {
	case DirectionOut:
		b.TotalOut = b.TotalOut.Add(m.Amount)
	case DirectionIn:
		b.TotalIn = b.TotalIn.Add(m.Amount)
	case DirectionCharge:
		b.TotalCharged = b.TotalCharged.Add(m.Amount)
	case DirectionCredit:
		b.TotalCredited = b.TotalCredited.Add(m.Amount)
	case DirectionDebit:
		b.TotalDebited = b.TotalDebited.Add(m.Amount)
	case DirectionAdjustment:
		b.TotalAdjusted = b.TotalAdjusted.Add(m.Amount)
	}
	return markSeen(b, m)
}

func markSeen(b Balance, m Movement) Balance {
	if m.ID > b.LastMovementID {
		b.LastMovementID = m.ID
		b.LastMovementAt = m.CreatedAt
	}
	return b
}

// Recompute rebuilds the aggregate from scratch. The returned row keeps
// the version of base so it can be saved over it.
func Recompute(base Balance, movements []Movement) Balance {
	b := NewBalance(base.OwnerID, base.Resource)
	b.Version = base.Version
	for _, m := range movements {
		b = Fold(b, m)
	}
	return b
}

// =============================================================================
// AGGREGATOR - Read-or-create, fold, persist
// =============================================================================

type Aggregator struct{}

// Apply locks the row for m's pair, folds m into it and saves it.
// Must run in the same transaction as the append of m.
func (Aggregator) Apply(ctx context.Context, store BalanceStore, m Movement) (Balance, error) {
	b, err := lockOrNew(ctx, store, m.OwnerID, m.Resource)
	if err != nil {
		return Balance{}, err
	}
	saved, err := store.SaveBalance(ctx, Fold(b, m))
	if err != nil {
		return Balance{}, fmt.Errorf("apply movement %d: %w", m.ID, err)
	}
	return saved, nil
}

// Rebuild replaces the row with the fold of the full log for the pair.
func (Aggregator) Rebuild(ctx context.Context, store Store, owner OwnerID, resource ResourceType) (Balance, error) {
	b, err := lockOrNew(ctx, store, owner, resource)
	if err != nil {
		return Balance{}, err
	}
	movements, err := store.LoadMovements(ctx, owner, resource.ResourceID())
	if err != nil {
		return Balance{}, err
	}
	return store.SaveBalance(ctx, Recompute(b, movements))
}

func lockOrNew(ctx context.Context, store BalanceStore, owner OwnerID, resource ResourceType) (Balance, error) {
	b, ok, err := store.LockBalance(ctx, owner, resource.ResourceID())
	if err != nil {
		return Balance{}, err
	}
	if !ok {
		b = NewBalance(owner, resource)
	}
	return b, nil
}
