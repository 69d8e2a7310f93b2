package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	reservationsTotal          *prometheus.CounterVec
	reservationAmount          *prometheus.HistogramVec
	settledCreditsTotal        *prometheus.CounterVec
	overYieldTotal             prometheus.Counter
	returnedCreditsTotal       prometheus.Counter
	chargedCreditsTotal        *prometheus.CounterVec
	paymentsTotal              *prometheus.CounterVec
	grantedCreditsTotal        prometheus.Counter
	freeCreditResetsTotal      *prometheus.CounterVec
	jobLaunchesTotal           *prometheus.CounterVec
	jobLaunchDuration          *prometheus.HistogramVec
	jobCompletionsTotal        *prometheus.CounterVec
	jobScrapedTotal            *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Total number of reservation attempts by outcome.",
		}, []string{"outcome"}),

		reservationAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reservation_amount_credits",
			Help:      "Distribution of requested reservation amounts.",
			Buckets:   []float64{1, 10, 30, 100, 250, 500, 1000, 5000},
		}, []string{"outcome"}),

		settledCreditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_credits_total",
			Help:      "Credits charged at settlement by pool.",
		}, []string{"pool"}),

		overYieldTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_over_yield_credits_total",
			Help:      "Credits reported above the reservation and not charged.",
		}),

		returnedCreditsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "returned_credits_total",
			Help:      "Credits released back to availability without charge.",
		}),

		chargedCreditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direct_charged_credits_total",
			Help:      "Credits charged directly by usage source.",
		}, []string{"source"}),

		paymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmations by status and whether credit was granted.",
		}, []string{"status", "granted"}),

		grantedCreditsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "granted_credits_total",
			Help:      "Credits granted from purchases.",
		}),

		freeCreditResetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "free_credit_resets_total",
			Help:      "Free credit reset attempts by whether they applied.",
		}, []string{"applied"}),

		jobLaunchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_launches_total",
			Help:      "Worker launch attempts by job kind and outcome.",
		}, []string{"kind", "outcome"}),

		jobLaunchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_launch_duration_seconds",
			Help:      "Latency of worker launch calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		jobCompletionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_completions_total",
			Help:      "Terminal job notifications by status.",
		}, []string{"status"}),

		jobScrapedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_scraped_records_total",
			Help:      "Records reported by finished or failed jobs.",
		}, []string{"status"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordReservation(outcome string, amount int64) {
	m.reservationsTotal.WithLabelValues(outcome).Inc()
	m.reservationAmount.WithLabelValues(outcome).Observe(float64(amount))
}

func (m *Metrics) RecordSettlement(fromFree, fromPaid, overYield int64) {
	m.settledCreditsTotal.WithLabelValues("free").Add(float64(fromFree))
	m.settledCreditsTotal.WithLabelValues("paid").Add(float64(fromPaid))
	if overYield > 0 {
		m.overYieldTotal.Add(float64(overYield))
	}
}

func (m *Metrics) RecordReturn(amount int64) {
	m.returnedCreditsTotal.Add(float64(amount))
}

func (m *Metrics) RecordCharge(source string, amount int64) {
	m.chargedCreditsTotal.WithLabelValues(source).Add(float64(amount))
}

func (m *Metrics) RecordPayment(status string, granted bool, credits int64) {
	m.paymentsTotal.WithLabelValues(status, strconv.FormatBool(granted)).Inc()
	if granted {
		m.grantedCreditsTotal.Add(float64(credits))
	}
}

func (m *Metrics) RecordFreeCreditReset(applied bool) {
	m.freeCreditResetsTotal.WithLabelValues(strconv.FormatBool(applied)).Inc()
}

func (m *Metrics) RecordJobLaunch(kind, outcome string, duration time.Duration) {
	m.jobLaunchesTotal.WithLabelValues(kind, outcome).Inc()
	m.jobLaunchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordJobCompletion(status string, scraped int64) {
	m.jobCompletionsTotal.WithLabelValues(status).Inc()
	m.jobScrapedTotal.WithLabelValues(status).Add(float64(scraped))
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
