package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/graphide/graphide/internal/core/domain"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageAttempts *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsInFlight  prometheus.Gauge
	sessionsOpen  prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphide_stage_duration_seconds",
			Help:    "Stage duration in seconds by stage and outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"stage", "outcome"}),
		stageAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphide_stage_attempts_total",
			Help: "Stage client attempts by stage and error kind",
		}, []string{"stage", "error_kind"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphide_runs_total",
			Help: "Finished runs by terminal status",
		}, []string{"status"}),
		runsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "graphide_runs_in_flight",
			Help: "Runs currently executing",
		}),
		sessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "graphide_cpg_sessions_open",
			Help: "CPG sessions currently open",
		}),
	}
}

// ObserveStage records a finished stage.
func (m *Metrics) ObserveStage(res domain.StageResult) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(res.Stage), string(res.Outcome)).Observe(res.Duration().Seconds())
}

// ObserveAttempt records one client attempt; kind is empty on success.
func (m *Metrics) ObserveAttempt(stage domain.StageName, kind domain.ErrorKind) {
	if m == nil {
		return
	}
	label := string(kind)
	if label == "" {
		label = "none"
	}
	m.stageAttempts.WithLabelValues(string(stage), label).Inc()
}

// RunStarted marks a run as in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// RunFinished records a run's terminal status.
func (m *Metrics) RunFinished(status domain.RunStatus) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runsFinished.WithLabelValues(string(status)).Inc()
}

// SessionOpened implements cpg.Observer.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpen.Inc()
}

// SessionClosed implements cpg.Observer.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsOpen.Dec()
}
