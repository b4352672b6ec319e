package metrics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/cashback"
	"github.com/warp/ledger-engine/generic"
	"github.com/warp/ledger-engine/generic/store"
	"github.com/warp/ledger-engine/metrics"
)

func TestMetrics_RecordsServiceActivity(t *testing.T) {
	m := metrics.New()
	svc := generic.NewService(store.NewMemory(), generic.DefaultLedgerConfig(), generic.WithRecorder(m))
	ctx := context.Background()

	_, err := svc.Topup(ctx, generic.TopupInput{OwnerID: "cust-1", Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)
	_, err = svc.Topup(ctx, generic.TopupInput{OwnerID: "cust-1", Amount: decimal.NewFromInt(-50)})
	require.ErrorIs(t, err, generic.ErrInsufficientBalance)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Movements.WithLabelValues("wallet", "credit", "topup")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.MovementVolume.WithLabelValues("wallet", "credit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("topup", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("topup", "insufficient_balance")))
}

func TestMetrics_DriftAndBatches(t *testing.T) {
	m := metrics.New()

	m.DriftDetected(generic.ReconciliationReport{ResourceID: "crate", Discrepancy: decimal.NewFromInt(-3)})
	m.BatchFinished(cashback.BatchReport{Processed: 4, Failed: 1, TotalAmount: decimal.RequireFromString("120.50")})
	m.OperationFinished("charge", errors.New("disk on fire"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriftRepairs.WithLabelValues("crate")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CashbackBatches.WithLabelValues("processed")))
	assert.Equal(t, 120.5, testutil.ToFloat64(m.CashbackPaid))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("charge", "internal")))
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()
	m.ConflictRetried("record_out")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ledger_conflict_retries_total{op="record_out"} 1`)
}
