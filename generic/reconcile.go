/*
reconcile.go - Drift detection between the Balance aggregate and the log

PURPOSE:
  The movement log is the ground truth; the Balance row is a cache of
  Σ movements. Anything that writes the row outside the service (manual
  SQL, a restored backup, a crash between append and update) makes it
  drift. Reconcile recomputes the sum from the log and, when the row
  disagrees, overwrites the row with the log-derived value and appends a
  reconciliation entry so the correction itself is audited.

ALGORITHM (one transaction per pair):
  1. Lock the Balance row (missing row = stored 0)
  2. computed := Σ Contribution over the pair's movements
  3. discrepancy := stored − computed
  4. |discrepancy| < Epsilon → already_reconciled, nothing written
  5. Otherwise append Adjustment{source: reconciliation, amount: discrepancy}
     and rebuild the row from the log

  Reconciliation entries contribute nothing to the fold (Movement.IsAudit),
  so after step 5 Balance.balance == computed and Σ movements is unchanged.
  OldBalance in the report is the stored value that was discarded;
  NewBalance is the log-derived value now in the row.

SEE ALSO:
  - balance.go: Recompute / Rebuild
  - api/scheduler.go: Runs ReconcileAll periodically
*/
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ReconcileStatus string

const (
	ReconcileAlreadyReconciled ReconcileStatus = "already_reconciled"
	ReconcileAdjusted          ReconcileStatus = "adjusted"
)

// ReconciliationReport is the outcome for one (owner, resource) pair.
type ReconciliationReport struct {
	OwnerID         OwnerID
	ResourceID      string
	Status          ReconcileStatus
	StoredBalance   decimal.Decimal
	ComputedBalance decimal.Decimal
	Discrepancy     decimal.Decimal // stored − computed
	OldBalance      decimal.Decimal
	NewBalance      decimal.Decimal
	AdjustmentID    MovementID
	CheckedAt       time.Time
}

// PairError is a failed pair in a bulk run.
type PairError struct {
	Key   BalanceKey
	Kind  string
	Error string
}

// BulkReconciliationReport summarizes ReconcileAll.
type BulkReconciliationReport struct {
	Checked     int
	Adjusted    int
	Failed      int
	Interrupted bool
	Adjustments []ReconciliationReport
	Errors      []PairError
	StartedAt   time.Time
	FinishedAt  time.Time
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	svc *Service
}

func NewReconciler(svc *Service) *Reconciler {
	return &Reconciler{svc: svc}
}

// Reconcile checks one pair and repairs drift.
func (r *Reconciler) Reconcile(ctx context.Context, owner OwnerID, resource ResourceType) (ReconciliationReport, error) {
	report := ReconciliationReport{OwnerID: owner, ResourceID: resource.ResourceID()}
	err := r.svc.Atomic(ctx, "reconcile", func(tx *Tx) error {
		report = ReconciliationReport{OwnerID: owner, ResourceID: resource.ResourceID(), CheckedAt: r.svc.Now()}

		stored, err := tx.Balance(ctx, owner, resource)
		if err != nil {
			return err
		}
		movements, err := tx.store.LoadMovements(ctx, owner, resource.ResourceID())
		if err != nil {
			return err
		}
		computed := Recompute(stored, movements)

		report.StoredBalance = stored.Balance
		report.ComputedBalance = computed.Balance
		report.Discrepancy = stored.Balance.Sub(computed.Balance)
		report.OldBalance = stored.Balance

		if report.Discrepancy.Abs().LessThan(r.svc.cfg.Epsilon) {
			report.Status = ReconcileAlreadyReconciled
			report.NewBalance = stored.Balance
			return nil
		}

		m, err := tx.log.Append(ctx, MovementDraft{
			OwnerID:   owner,
			Resource:  resource,
			Direction: DirectionAdjustment,
			Source:    SourceReconciliation,
			Amount:    report.Discrepancy.Round(AmountScale),
			Note:      fmt.Sprintf("reconciliation: stored %s replaced by movements sum %s", stored.Balance, computed.Balance),
			AuthorID:  "system",
		})
		if err != nil {
			return err
		}
		tx.appended = append(tx.appended, m)

		rebuilt, err := r.svc.agg.Rebuild(ctx, tx.store, owner, resource)
		if err != nil {
			return err
		}
		report.Status = ReconcileAdjusted
		report.NewBalance = rebuilt.Balance
		report.AdjustmentID = m.ID
		return nil
	})
	if err != nil {
		return ReconciliationReport{}, err
	}
	if report.Status == ReconcileAdjusted {
		r.svc.recorder.DriftDetected(report)
		r.svc.logger.Warn("balance drift repaired",
			zap.String("owner", string(owner)),
			zap.String("resource", report.ResourceID),
			zap.String("stored", report.StoredBalance.String()),
			zap.String("computed", report.ComputedBalance.String()),
			zap.String("discrepancy", report.Discrepancy.String()),
			zap.Int64("movement_id", int64(report.AdjustmentID)),
		)
	}
	return report, nil
}

// ReconcileAll walks every balance row. Cancelling ctx stops between pairs
// and returns the partial report with Interrupted set.
func (r *Reconciler) ReconcileAll(ctx context.Context) (BulkReconciliationReport, error) {
	report := BulkReconciliationReport{StartedAt: r.svc.Now()}
	var cursor BalanceKey
	for {
		keys, err := r.svc.store.ListBalanceKeys(ctx, cursor, r.svc.cfg.ReconcilePageSize)
		if err != nil {
			report.FinishedAt = r.svc.Now()
			return report, err
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				report.Interrupted = true
				report.FinishedAt = r.svc.Now()
				return report, nil
			}
			report.Checked++
			res, err := r.Reconcile(ctx, key.OwnerID, GetOrCreateResource(key.ResourceID))
			switch {
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, PairError{Key: key, Kind: KindOf(err), Error: err.Error()})
			case res.Status == ReconcileAdjusted:
				report.Adjusted++
				report.Adjustments = append(report.Adjustments, res)
			}
			cursor = key
		}
		if len(keys) < r.svc.cfg.ReconcilePageSize {
			break
		}
	}
	report.FinishedAt = r.svc.Now()
	r.svc.logger.Info("bulk reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("adjusted", report.Adjusted),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
