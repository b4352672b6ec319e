/*
Package cashback pays a yearly percentage of each owner's net purchases
into their wallet.

PURPOSE:
  For a calendar year, computed_amount = (purchases − refunds) × pct / 100,
  rounded to cents, is credited to the wallet as a CashbackCredit movement.
  The CashbackRecord and the wallet credit commit in one transaction.

LIFECYCLE:
  pending → processed → reversed
  pending → failed         (persisted separately for triage)

  At most one pending/processed record exists per (owner, period); the
  stores enforce it with a partial unique index, so two racing runs cannot
  both pay.

BATCHES:
  ProcessBatch treats each owner as an independent unit of work. A failure
  for one owner is reported and the batch continues. Cancelling the
  context stops between owners; finished owners stay committed. A
  RunLocker keeps two batches for the same period from overlapping.

SEE ALSO:
  - generic/service.go: Atomic, Tx.Topup, Tx.Reverse
  - upstream/purchases.go: HTTP PurchaseHistory
  - store/redislock: Redis RunLocker
*/
package cashback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/generic"
)

// Ineligibility reasons reported by Calculate.
const (
	ReasonOwnerNotFound  = "owner_not_found"
	ReasonNotEligible    = "not_eligible"
	ReasonZeroPercentage = "zero_percentage"
	ReasonNoPurchaseData = "no_purchase_data"
	ReasonNoNetPurchases = "no_net_purchases"
)

// Totals are an owner's purchase and refund sums for one period.
type Totals struct {
	Purchases decimal.Decimal
	Refunds   decimal.Decimal
	Found     bool // false when the history has no data for the owner
}

// PurchaseHistory sums completed purchases and refunds per calendar year.
type PurchaseHistory interface {
	PurchaseTotals(ctx context.Context, owner generic.OwnerID, period int) (Totals, error)
}

// RunLocker serializes batch runs across processes.
type RunLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Calculation is the outcome of Calculate. Nothing is written.
type Calculation struct {
	OwnerID        generic.OwnerID
	Period         int
	Eligible       bool
	Reason         string
	TotalPurchases decimal.Decimal
	TotalRefunds   decimal.Decimal
	Percentage     decimal.Decimal
	Amount         decimal.Decimal
}

type ProcessOptions struct {
	// Force reverses an existing processed record before paying again.
	Force       bool
	Description string
	AuthorID    string
}

// OwnerError is one failed unit of a batch.
type OwnerError struct {
	OwnerID generic.OwnerID
	Kind    string
	Message string
}

// BatchReport summarizes ProcessBatch.
type BatchReport struct {
	Period      int
	Total       int
	Processed   int
	Failed      int
	TotalAmount decimal.Decimal
	Errors      []OwnerError
	Interrupted bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// =============================================================================
// PROCESSOR
// =============================================================================

type Processor struct {
	svc     *generic.Service
	history PurchaseHistory
	locker  RunLocker
	onBatch func(BatchReport)
	logger  *zap.Logger
}

type Option func(*Processor)

// WithRunLocker replaces the in-process lock, e.g. with store/redislock.
func WithRunLocker(l RunLocker) Option { return func(p *Processor) { p.locker = l } }

// OnBatchFinished registers a hook called with every completed batch report.
func OnBatchFinished(fn func(BatchReport)) Option { return func(p *Processor) { p.onBatch = fn } }

func NewProcessor(svc *generic.Service, history PurchaseHistory, opts ...Option) *Processor {
	p := &Processor{
		svc:     svc,
		history: history,
		locker:  NewLocalLocker(),
		logger:  svc.Logger().Named("cashback"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Calculate computes what Process would pay, without writing.
func (p *Processor) Calculate(ctx context.Context, owner generic.OwnerID, period int) (Calculation, error) {
	calc := Calculation{OwnerID: owner, Period: period}
	if owner == "" {
		return calc, &generic.ValidationError{Field: "owner", Reason: "required"}
	}
	if period < 1 {
		return calc, &generic.ValidationError{Field: "period", Reason: "must be a calendar year"}
	}

	calc.Percentage = p.svc.Config().CashbackPercentage
	if dir := p.svc.Owners(); dir != nil {
		o, ok, err := dir.LookupOwner(ctx, owner)
		if err != nil {
			return calc, generic.Upstream("directory", owner, err)
		}
		if !ok {
			return ineligible(calc, ReasonOwnerNotFound), nil
		}
		if !o.CashbackEligible {
			return ineligible(calc, ReasonNotEligible), nil
		}
		if o.CashbackPercentage != nil {
			calc.Percentage = *o.CashbackPercentage
		}
	}
	if !calc.Percentage.IsPositive() {
		return ineligible(calc, ReasonZeroPercentage), nil
	}

	totals, err := p.history.PurchaseTotals(ctx, owner, period)
	if err != nil {
		return calc, generic.Upstream("purchase_history", owner, err)
	}
	calc.TotalPurchases, calc.TotalRefunds = totals.Purchases, totals.Refunds
	if !totals.Found || (totals.Purchases.IsZero() && totals.Refunds.IsZero()) {
		return ineligible(calc, ReasonNoPurchaseData), nil
	}

	net := totals.Purchases.Sub(totals.Refunds)
	calc.Amount = net.Mul(calc.Percentage).Div(decimal.NewFromInt(100)).Round(2)
	if !calc.Amount.IsPositive() {
		calc.Amount = decimal.Zero
		return ineligible(calc, ReasonNoNetPurchases), nil
	}
	calc.Eligible = true
	return calc, nil
}

func ineligible(c Calculation, reason string) Calculation {
	c.Eligible = false
	c.Reason = reason
	return c
}

// Process pays cashback for one owner and period.
func (p *Processor) Process(ctx context.Context, owner generic.OwnerID, period int, opts ProcessOptions) (generic.CashbackRecord, error) {
	calc, err := p.Calculate(ctx, owner, period)
	if err != nil {
		p.recordFailure(ctx, calc, opts, err)
		return generic.CashbackRecord{}, err
	}
	if !calc.Eligible {
		return generic.CashbackRecord{}, &generic.StateError{
			Kind: generic.ErrNotEligible, OwnerID: owner, Period: period, Reason: calc.Reason,
		}
	}

	var rec generic.CashbackRecord
	err = p.svc.Atomic(ctx, "cashback_process", func(tx *generic.Tx) error {
		st := tx.Store()
		existing, ok, err := st.FindActiveCashbackRecord(ctx, owner, period)
		if err != nil {
			return err
		}
		if ok {
			if !opts.Force {
				return &generic.StateError{
					Kind: generic.ErrAlreadyProcessed, OwnerID: owner, Period: period, RecordID: existing.ID,
				}
			}
			if _, err := p.reverseRecord(ctx, tx, existing, "superseded by forced reprocessing", opts.AuthorID); err != nil {
				return err
			}
		}

		now := p.svc.Now()
		rec = newRecord(calc, opts.Description, now)
		if err := st.CreateCashbackRecord(ctx, rec); err != nil {
			return err
		}
		m, err := tx.Topup(ctx, generic.TopupInput{
			OwnerID:     owner,
			Amount:      calc.Amount,
			Description: describe(rec),
			Source:      generic.SourceCashbackCredit,
			AuthorID:    opts.AuthorID,
		})
		if err != nil {
			return err
		}
		rec.Status = generic.CashbackProcessed
		rec.LinkedMovementID = m.ID
		rec.ProcessedAt = now
		rec.UpdatedAt = now
		return st.UpdateCashbackRecord(ctx, rec)
	})
	if err != nil {
		p.recordFailure(ctx, calc, opts, err)
		return generic.CashbackRecord{}, err
	}

	p.logger.Info("cashback processed",
		zap.String("owner", string(owner)),
		zap.Int("period", period),
		zap.String("amount", rec.ComputedAmount.String()),
		zap.String("record_id", rec.ID),
		zap.Int64("movement_id", int64(rec.LinkedMovementID)),
	)
	return rec, nil
}

func newRecord(calc Calculation, description string, now time.Time) generic.CashbackRecord {
	return generic.CashbackRecord{
		ID:             uuid.NewString(),
		OwnerID:        calc.OwnerID,
		Period:         calc.Period,
		TotalPurchases: calc.TotalPurchases,
		TotalRefunds:   calc.TotalRefunds,
		Percentage:     calc.Percentage,
		ComputedAmount: calc.Amount,
		Status:         generic.CashbackPending,
		Description:    description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func describe(r generic.CashbackRecord) string {
	if r.Description != "" {
		return r.Description
	}
	return fmt.Sprintf("cashback %s: %s%% of %s", generic.CalendarYear(r.Period), r.Percentage, r.TotalPurchases.Sub(r.TotalRefunds))
}

// recordFailure persists a failed record for operator triage. Expected
// rejections (already processed, not eligible, bad input) are not recorded.
func (p *Processor) recordFailure(ctx context.Context, calc Calculation, opts ProcessOptions, cause error) {
	if generic.IsClientError(cause) || generic.IsNotFound(cause) || calc.OwnerID == "" || calc.Period < 1 {
		return
	}
	rec := newRecord(calc, opts.Description, p.svc.Now())
	rec.Status = generic.CashbackFailed
	rec.FailureReason = cause.Error()
	if err := p.svc.Store().CreateCashbackRecord(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Error("failed to persist cashback failure", zap.String("owner", string(calc.OwnerID)), zap.Error(err))
		return
	}
	p.logger.Warn("cashback failed",
		zap.String("owner", string(calc.OwnerID)),
		zap.Int("period", calc.Period),
		zap.String("record_id", rec.ID),
		zap.Error(cause),
	)
}

// Reverse undoes a processed record with a compensating wallet debit.
func (p *Processor) Reverse(ctx context.Context, recordID, reason, authorID string) (generic.CashbackRecord, error) {
	var rec generic.CashbackRecord
	err := p.svc.Atomic(ctx, "cashback_reverse", func(tx *generic.Tx) error {
		existing, err := tx.Store().GetCashbackRecord(ctx, recordID)
		if err != nil {
			return err
		}
		rec, err = p.reverseRecord(ctx, tx, existing, reason, authorID)
		return err
	})
	if err != nil {
		return generic.CashbackRecord{}, err
	}
	p.logger.Info("cashback reversed",
		zap.String("owner", string(rec.OwnerID)),
		zap.Int("period", rec.Period),
		zap.String("record_id", rec.ID),
	)
	return rec, nil
}

func (p *Processor) reverseRecord(ctx context.Context, tx *generic.Tx, rec generic.CashbackRecord, reason, authorID string) (generic.CashbackRecord, error) {
	if rec.Status != generic.CashbackProcessed {
		return rec, &generic.StateError{
			Kind: generic.ErrNotProcessed, OwnerID: rec.OwnerID, Period: rec.Period,
			RecordID: rec.ID, Reason: "status is " + string(rec.Status),
		}
	}
	if reason == "" {
		reason = fmt.Sprintf("cashback %d reversed", rec.Period)
	}
	m, err := tx.Reverse(ctx, generic.ReverseInput{
		MovementID: rec.LinkedMovementID,
		Reason:     reason,
		AuthorID:   authorID,
	}, generic.SourceCashbackReversal)
	if err != nil {
		return rec, err
	}
	now := p.svc.Now()
	rec.Status = generic.CashbackReversed
	rec.ReversalMovementID = m.ID
	rec.ReversedAt = now
	rec.UpdatedAt = now
	return rec, tx.Store().UpdateCashbackRecord(ctx, rec)
}

// ProcessBatch runs Process for every owner. An empty owners list means
// every cashback-eligible owner in the directory.
func (p *Processor) ProcessBatch(ctx context.Context, period int, owners []generic.OwnerID, opts ProcessOptions) (BatchReport, error) {
	report := BatchReport{Period: period, TotalAmount: decimal.Zero, StartedAt: p.svc.Now()}
	cfg := p.svc.Config()

	if period < 1 {
		return report, &generic.ValidationError{Field: "period", Reason: "must be a calendar year"}
	}
	if len(owners) == 0 {
		dir := p.svc.Owners()
		if dir == nil {
			return report, &generic.ValidationError{Field: "owners", Reason: "required without an owner directory"}
		}
		listed, err := dir.ListCashbackEligible(ctx, cfg.CashbackMaxBatch)
		if err != nil {
			return report, generic.Upstream("directory", "", err)
		}
		owners = listed
	}
	if len(owners) > cfg.CashbackMaxBatch {
		return report, &generic.ValidationError{
			Field:  "owners",
			Reason: fmt.Sprintf("batch of %d exceeds the limit of %d", len(owners), cfg.CashbackMaxBatch),
		}
	}

	unlock, err := p.locker.Acquire(ctx, fmt.Sprintf("cashback:%d", period), cfg.CashbackLockTTL)
	if err != nil {
		return report, fmt.Errorf("cashback batch %d: %w", period, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			p.logger.Error("failed to release batch lock", zap.Int("period", period), zap.Error(err))
		}
	}()

	report.Total = len(owners)
	for _, owner := range owners {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		rec, err := p.Process(ctx, owner, period, opts)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, OwnerError{OwnerID: owner, Kind: generic.KindOf(err), Message: err.Error()})
			continue
		}
		report.Processed++
		report.TotalAmount = report.TotalAmount.Add(rec.ComputedAmount)
	}
	report.FinishedAt = p.svc.Now()
	if p.onBatch != nil {
		p.onBatch(report)
	}

	p.logger.Info("cashback batch finished",
		zap.Int("period", period),
		zap.Int("total", report.Total),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.String("total_amount", report.TotalAmount.String()),
		zap.Bool("interrupted", report.Interrupted),
	)
	return report, nil
}

// Records lists every record of a period.
func (p *Processor) Records(ctx context.Context, period int) ([]generic.CashbackRecord, error) {
	return p.svc.Store().ListCashbackRecords(ctx, period)
}

// Record returns one record.
func (p *Processor) Record(ctx context.Context, id string) (generic.CashbackRecord, error) {
	return p.svc.Store().GetCashbackRecord(ctx, id)
}
