package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics captures payment/points health signals.
type Metrics struct {
	jobRuns     *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	webhookEvents *prometheus.CounterVec
	ledgerOps     *prometheus.CounterVec

	reconcileOutcome *prometheus.CounterVec
	sweeperCancelled prometheus.Counter
}

var (
	once     sync.Once
	instance *Metrics
)

// Default returns the singleton metrics set registered on the default
// prometheus registerer.
func Default() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pointspay_job_runs_total",
				Help: "Background job invocations.",
			}, []string{"job"}),
			jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pointspay_job_errors_total",
				Help: "Background job failures.",
			}, []string{"job"}),
			jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "pointspay_job_duration_seconds",
				Help:    "Background job wall time.",
				Buckets: prometheus.DefBuckets,
			}, []string{"job"}),
			webhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pointspay_webhook_events_total",
				Help: "Payment webhook events by provider and type.",
			}, []string{"provider", "type"}),
			ledgerOps: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pointspay_ledger_operations_total",
				Help: "Points ledger mutations by reason.",
			}, []string{"reason"}),
			reconcileOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pointspay_reconcile_orders_total",
				Help: "Reconciliation per-order outcomes.",
			}, []string{"outcome"}),
			sweeperCancelled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pointspay_sweeper_cancelled_total",
				Help: "Orders cancelled by the timeout sweeper.",
			}),
		}
	})
	return instance
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) IncWebhookEvent(provider, eventType string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, eventType).Inc()
}

func (m *Metrics) IncLedgerOp(reason string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcome.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSweeperCancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeperCancelled.Add(float64(n))
}
