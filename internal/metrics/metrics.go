// Package metrics exposes the Prometheus instrumentation of the proctoring
// service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proctoring service
type Metrics struct {
	// Session lifecycle
	SessionsActive    prometheus.Gauge
	SessionsStarted   *prometheus.CounterVec
	SessionsCompleted *prometheus.CounterVec
	AutoTerminations  prometheus.Counter

	// Event ingestion
	Events          *prometheus.CounterVec
	DuplicateEvents *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec

	// Detectors
	DetectorDuration *prometheus.HistogramVec
	DetectorFailures *prometheus.CounterVec

	// Risk
	RiskEvaluations *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. A nil *Metrics is
// valid and records nothing.
//
// Tests pass a fresh prometheus.NewRegistry(); the service passes
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_sessions_active",
			Help: "Sessions currently held in the registry and not completed",
		}),
		SessionsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_sessions_started_total",
				Help: "Sessions initialized",
			},
			[]string{"security_level"}, // medium, high, maximum
		),
		SessionsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_sessions_completed_total",
				Help: "Sessions completed",
			},
			[]string{"reason"}, // completed, auto_terminated, idle, ...
		),
		AutoTerminations: f.NewCounter(prometheus.CounterOpts{
			Name: "proctor_auto_terminations_total",
			Help: "Sessions ended by their violation policy",
		}),

		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_events_total",
				Help: "Security events, webcam violations and integrity alerts recorded",
			},
			[]string{"component", "severity"},
		),
		DuplicateEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_duplicate_events_total",
				Help: "Events acknowledged as duplicates and not re-applied",
			},
			[]string{"component"},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_rate_limited_total",
				Help: "Requests rejected by a rate limiter",
			},
			[]string{"limiter"}, // events, frames
		),

		DetectorDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proctor_detector_duration_seconds",
				Help:    "Duration of detector calls",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"detector"},
		),
		DetectorFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_detector_failures_total",
				Help: "Detector calls that failed, timed out or were rejected by the breaker",
			},
			[]string{"detector"},
		),

		RiskEvaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_risk_evaluations_total",
				Help: "Aggregated risk evaluations by resulting level",
			},
			[]string{"risk_level"},
		),
	}
}

// ObserveDetector implements detector.Observer.
func (m *Metrics) ObserveDetector(name string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.DetectorDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		m.DetectorFailures.WithLabelValues(name).Inc()
	}
}

// RecordEvent counts one recorded event, or a duplicate acknowledgement.
func (m *Metrics) RecordEvent(component, severity string, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.DuplicateEvents.WithLabelValues(component).Inc()
		return
	}
	m.Events.WithLabelValues(component, severity).Inc()
}

// RecordSessionStarted increments the started counter and the active gauge.
func (m *Metrics) RecordSessionStarted(securityLevel string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(securityLevel).Inc()
	m.SessionsActive.Inc()
}

// RecordSessionCompleted decrements the active gauge.
func (m *Metrics) RecordSessionCompleted(reason string, auto bool) {
	if m == nil {
		return
	}
	m.SessionsCompleted.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
	if auto {
		m.AutoTerminations.Inc()
	}
}

// RecordRateLimited counts a rejected request.
func (m *Metrics) RecordRateLimited(limiter string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(limiter).Inc()
}

// RecordRisk counts one aggregated evaluation.
func (m *Metrics) RecordRisk(level string) {
	if m == nil {
		return
	}
	m.RiskEvaluations.WithLabelValues(level).Inc()
}
