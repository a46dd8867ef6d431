package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeStale     = "stale"
	OutcomeNotFound  = "not_found"
	OutcomeImmediate = "immediate"
)

// Forced sign-out reasons
const (
	ReasonRefreshFailed = "refresh_failed"
	ReasonInvalidated   = "invalidated"
	ReasonSignedOut     = "signed_out"
	ReasonUser          = "user"
)

// Metrics holds all Prometheus metrics for crust
type Metrics struct {
	// Session lifecycle metrics
	SessionInitializations *prometheus.CounterVec
	SessionState           *prometheus.GaugeVec
	AuthEvents             *prometheus.CounterVec
	SignOuts               *prometheus.CounterVec

	// Refresh metrics
	Refreshes       *prometheus.CounterVec
	RefreshLatency  prometheus.Histogram
	RefreshTimers   prometheus.Gauge
	RefreshLeadTime prometheus.Histogram

	// Profile metrics
	ProfileFetches       *prometheus.CounterVec
	ProfileFetchDuration *prometheus.HistogramVec

	// HTTP guard metrics
	GuardDecisions *prometheus.CounterVec

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		SessionInitializations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crust_session_initializations_total",
				Help: "Total number of session controller initializations by resulting state",
			},
			[]string{"state"},
		),
		SessionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crust_session_state",
				Help: "1 for the session controller's current state, 0 otherwise",
			},
			[]string{"state"},
		),
		AuthEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crust_auth_events_total",
				Help: "Total number of auth-state events received by type",
			},
			[]string{"type"},
		),
		SignOuts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crust_session_signouts_total",
				Help: "Total number of sign-outs by reason",
			},
			[]string{"reason"},
		),

		Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crust_session_refreshes_total",
				Help: "Total number of session refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		RefreshLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crust_session_refresh_duration_seconds",
				Help:    "Session refresh call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
		),
		RefreshTimers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crust_session_refresh_timers",
				Help: "Number of armed refresh timers (0 or 1 per controller)",
			},
		),
		RefreshLeadTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crust_session_refresh_lead_seconds",
				Help:    "Delay between arming a refresh timer and its fire time",
				Buckets: []float64{1, 30, 60, 300, 900, 1800, 3600, 7200},
			},
		),

		ProfileFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crust_profile_fetches_total",
				Help: "Total number of profile fetches by outcome",
			},
			[]string{"outcome"},
		),
		ProfileFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crust_profile_fetch_duration_seconds",
				Help:    "Profile fetch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		GuardDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crust_guard_decisions_total",
				Help: "Total number of route guard decisions",
			},
			[]string{"guard", "decision"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crust_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code"},
		),
	}
}

// The Record helpers are safe to call on a nil *Metrics so components can
// run without instrumentation.

// RecordInitialization counts a finished Initialize.
func (m *Metrics) RecordInitialization(state string) {
	if m == nil {
		return
	}
	m.SessionInitializations.WithLabelValues(state).Inc()
}

// SetState marks state as current and clears the others.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// RecordAuthEvent counts a received auth event.
func (m *Metrics) RecordAuthEvent(eventType string) {
	if m == nil {
		return
	}
	m.AuthEvents.WithLabelValues(eventType).Inc()
}

// RecordSignOut counts a sign-out.
func (m *Metrics) RecordSignOut(reason string) {
	if m == nil {
		return
	}
	m.SignOuts.WithLabelValues(reason).Inc()
}

// RecordRefresh counts a refresh attempt and observes its latency.
func (m *Metrics) RecordRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeFailure {
		m.RefreshLatency.Observe(d.Seconds())
	}
}

// TimerArmed records a newly armed refresh timer.
func (m *Metrics) TimerArmed(lead time.Duration) {
	if m == nil {
		return
	}
	m.RefreshTimers.Inc()
	m.RefreshLeadTime.Observe(lead.Seconds())
}

// TimerReleased records a refresh timer that fired or was cancelled.
func (m *Metrics) TimerReleased() {
	if m == nil {
		return
	}
	m.RefreshTimers.Dec()
}

// RecordProfileFetch counts a profile fetch and observes its duration.
func (m *Metrics) RecordProfileFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProfileFetches.WithLabelValues(outcome).Inc()
	m.ProfileFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordGuard counts a route guard decision.
func (m *Metrics) RecordGuard(guard, decision string) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(guard, decision).Inc()
}

// RecordError counts an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || code == "" {
		return
	}
	m.Errors.WithLabelValues(code).Inc()
}
