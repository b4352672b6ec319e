// Package metrics exposes ledger activity as Prometheus collectors.
//
// Metrics implements generic.Recorder, so wiring it is a single
// generic.WithRecorder option. Collectors live on their own registry so
// tests can build as many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/ledger-engine/cashback"
	"github.com/warp/ledger-engine/generic"
)

type Metrics struct {
	reg *prometheus.Registry

	Movements       *prometheus.CounterVec
	MovementVolume  *prometheus.CounterVec
	Operations      *prometheus.CounterVec
	ConflictRetries *prometheus.CounterVec
	DriftRepairs    *prometheus.CounterVec
	DriftMagnitude  *prometheus.HistogramVec
	CashbackBatches *prometheus.CounterVec
	CashbackPaid    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Movements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "movements_total",
			Help:      "Movements appended, by resource, direction and source.",
		}, []string{"resource", "direction", "source"}),
		MovementVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "movement_amount_total",
			Help:      "Sum of movement magnitudes, by resource and direction.",
		}, []string{"resource", "direction"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome kind (ok or error kind).",
		}, []string{"op", "kind"}),
		ConflictRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "conflict_retries_total",
			Help:      "Units of work re-run after a concurrent-write conflict.",
		}, []string{"op"}),
		DriftRepairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "reconcile_adjustments_total",
			Help:      "Balances whose stored value disagreed with the log.",
		}, []string{"resource"}),
		DriftMagnitude: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "reconcile_discrepancy_abs",
			Help:      "Absolute discrepancy found by reconciliation.",
			Buckets:   []float64{0.01, 0.1, 1, 10, 100, 1000},
		}, []string{"resource"}),
		CashbackBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "cashback_batch_owners_total",
			Help:      "Owners handled by cashback batches, by outcome.",
		}, []string{"outcome"}),
		CashbackPaid: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "cashback_paid_total",
			Help:      "Cashback credited by batches, in money units.",
		}),
	}
}

// Registry is the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) MovementAppended(mv generic.Movement) {
	resource := mv.Resource.ResourceID()
	m.Movements.WithLabelValues(resource, string(mv.Direction), string(mv.Source)).Inc()
	amount, _ := mv.Amount.Abs().Float64()
	m.MovementVolume.WithLabelValues(resource, string(mv.Direction)).Add(amount)
}

func (m *Metrics) OperationFinished(op string, err error) {
	kind := "ok"
	if err != nil {
		kind = generic.KindOf(err)
	}
	m.Operations.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) ConflictRetried(op string) {
	m.ConflictRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) DriftDetected(r generic.ReconciliationReport) {
	m.DriftRepairs.WithLabelValues(r.ResourceID).Inc()
	d, _ := r.Discrepancy.Abs().Float64()
	m.DriftMagnitude.WithLabelValues(r.ResourceID).Observe(d)
}

// BatchFinished records a cashback batch report.
func (m *Metrics) BatchFinished(r cashback.BatchReport) {
	m.CashbackBatches.WithLabelValues("processed").Add(float64(r.Processed))
	m.CashbackBatches.WithLabelValues("failed").Add(float64(r.Failed))
	paid, _ := r.TotalAmount.Float64()
	m.CashbackPaid.Add(paid)
}
