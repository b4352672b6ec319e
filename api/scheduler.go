/*
scheduler.go - Automated balance reconciliation

PURPOSE:
  Periodically replays the movement log against every stored balance row
  and repairs drift with an adjustment movement. Operators can also
  trigger a run over HTTP (POST /api/reconcile/all).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick calls Reconciler.ReconcileAll; pairs fail independently
  - The last report is kept for GET /api/reconcile/last
  - Stop cancels an in-flight run; the report is then marked interrupted

CONFIGURATION:
  - CheckInterval: How often to check (RECONCILE_INTERVAL, default 1 hour)
  - Enabled: Whether scheduler is active (0 interval disables it)

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileAll endpoint (manual reconciliation)
  - generic/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/ledger-engine/generic"
)

// ReconciliationScheduler runs ReconcileAll on an interval.
type ReconciliationScheduler struct {
	Reconciler    *generic.Reconciler
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu   sync.Mutex
	last    generic.BulkReconciliationReport
	hasLast bool
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(rec *generic.Reconciler, logger *zap.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Reconciler:    rec,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger.Named("scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.logger.Info("started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run to return.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.logger.Info("stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one reconciliation pass and records its report.
// Concurrent calls are serialized.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (generic.BulkReconciliationReport, error) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	report, err := rs.Reconciler.ReconcileAll(ctx)
	if err != nil {
		rs.logger.Error("reconciliation failed", zap.Error(err))
		return report, err
	}
	rs.last = report
	rs.hasLast = true

	fields := []zap.Field{
		zap.Int("checked", report.Checked),
		zap.Int("adjusted", report.Adjusted),
		zap.Int("failed", report.Failed),
		zap.Bool("interrupted", report.Interrupted),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	}
	if report.Adjusted > 0 || report.Failed > 0 {
		rs.logger.Warn("reconciliation found drift", fields...)
	} else {
		rs.logger.Debug("reconciliation clean", fields...)
	}
	return report, nil
}

// LastReport returns the report of the most recent completed run.
func (rs *ReconciliationScheduler) LastReport() (generic.BulkReconciliationReport, bool) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	return rs.last, rs.hasLast
}

// NextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
