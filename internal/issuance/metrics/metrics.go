package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AttemptsStarted   prometheus.Counter
	AttemptsActive    prometheus.Gauge
	Outcomes          *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	ConstructRetries  prometheus.Counter
	CourseConflicts   prometheus.Counter
	OutcomePublishErr prometheus.Counter
	PendingSignatures prometheus.Gauge
	MintCircuitOpen   prometheus.Gauge
}

// New registers the issuance metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AttemptsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "certmint_issuance_attempts_started_total",
			Help: "Total number of issuance attempts started",
		}),
		AttemptsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "certmint_issuance_attempts_active",
			Help: "Issuance attempts that have not reached a terminal outcome",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certmint_issuance_outcomes_total",
			Help: "Terminal issuance outcomes by kind, stage and reason",
		}, []string{"outcome", "stage", "reason"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certmint_issuance_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		ConstructRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "certmint_issuance_construct_retries_total",
			Help: "Construct calls retried after a transient failure",
		}),
		CourseConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "certmint_issuance_course_conflicts_total",
			Help: "Issuance requests refused because the course already has an attempt",
		}),
		OutcomePublishErr: f.NewCounter(prometheus.CounterOpts{
			Name: "certmint_issuance_outcome_publish_errors_total",
			Help: "Outcome events that could not be published",
		}),
		PendingSignatures: f.NewGauge(prometheus.GaugeOpts{
			Name: "certmint_issuance_pending_signatures",
			Help: "Signing requests waiting for the user's wallet",
		}),
		MintCircuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "certmint_mint_service_circuit_open",
			Help: "1 while the mint service circuit breaker is open",
		}),
	}
}

func (m *Metrics) IncrementStarted() {
	m.AttemptsStarted.Inc()
	m.AttemptsActive.Inc()
}

func (m *Metrics) ObserveOutcome(outcome, stage, reason string) {
	m.AttemptsActive.Dec()
	m.Outcomes.WithLabelValues(outcome, stage, reason).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) IncrementConstructRetries() {
	m.ConstructRetries.Inc()
}

func (m *Metrics) IncrementConflicts() {
	m.CourseConflicts.Inc()
}

func (m *Metrics) IncrementPublishErrors() {
	m.OutcomePublishErr.Inc()
}

func (m *Metrics) IncrementPendingSignatures() {
	m.PendingSignatures.Inc()
}

func (m *Metrics) DecrementPendingSignatures() {
	m.PendingSignatures.Dec()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.MintCircuitOpen.Set(1)
		return
	}
	m.MintCircuitOpen.Set(0)
}
