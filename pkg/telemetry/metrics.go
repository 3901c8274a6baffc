package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for driftwatch.
// A Metrics value built with metrics disabled, and a nil *Metrics, are both no-ops.
type Metrics struct {
	config MetricsConfig

	// Whitelist metrics
	commandsRejected *prometheus.CounterVec

	// Reconciliation metrics
	runsCompleted  *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	itemsExecuted  *prometheus.CounterVec
	runsInFlight   prometheus.Gauge
	runsRejected   *prometheus.CounterVec

	// Compliance metrics
	checksCompleted *prometheus.CounterVec
	checkDuration   *prometheus.HistogramVec
	mismatches      *prometheus.CounterVec

	// Drift metrics
	alertTransitions *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepServers     *prometheus.CounterVec

	// Notification metrics
	notifications *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commandsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_rejected_total",
				Help:      "Total number of outbound commands rejected by the whitelist",
			},
			[]string{"action_type", "reason"},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Total number of apply/remove runs by mode and outcome",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_run_duration_seconds",
				Help:      "Duration of apply/remove runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		itemsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_items_total",
				Help:      "Total number of pack items executed by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		runsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_in_flight",
				Help:      "Current number of apply/remove runs in flight",
			},
		),
		runsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_rejected_total",
				Help:      "Total number of runs rejected before execution",
			},
			[]string{"reason"},
		),

		checksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compliance_checks_total",
				Help:      "Total number of compliance checks by outcome",
			},
			[]string{"status"},
		),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compliance_check_duration_seconds",
				Help:      "Duration of the batched compliance round-trip in seconds",
				Buckets:   buckets,
			},
			[]string{"pack"},
		),
		mismatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compliance_mismatches_total",
				Help:      "Total number of mismatches found by type",
			},
			[]string{"type"},
		),

		alertTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_alert_transitions_total",
				Help:      "Total number of drift alert transitions",
			},
			[]string{"transition"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drift_sweep_duration_seconds",
				Help:      "Duration of scheduled drift sweeps in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		sweepServers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_sweep_servers_total",
				Help:      "Total number of servers visited by drift sweeps by outcome",
			},
			[]string{"status"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notifications delivered by sink and outcome",
			},
			[]string{"sink", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.commandsRejected,
		m.runsCompleted,
		m.runDuration,
		m.itemsExecuted,
		m.runsInFlight,
		m.runsRejected,
		m.checksCompleted,
		m.checkDuration,
		m.mismatches,
		m.alertTransitions,
		m.sweepDuration,
		m.sweepServers,
		m.notifications,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Whitelist Metrics

// RecordCommandRejected counts a command refused by the whitelist.
func (m *Metrics) RecordCommandRejected(actionType, reason string) {
	if !m.enabled() {
		return
	}
	m.commandsRejected.WithLabelValues(actionType, reason).Inc()
}

// Reconciliation Metrics

// RecordRunStarted marks an apply/remove run as in flight.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.runsInFlight.Inc()
}

// RecordRunCompleted records a finished apply/remove run with its outcome and duration.
func (m *Metrics) RecordRunCompleted(mode, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.runsInFlight.Dec()
}

// RecordRunRejected counts a run refused before it started (duplicate in flight, unknown pack).
func (m *Metrics) RecordRunRejected(reason string) {
	if !m.enabled() {
		return
	}
	m.runsRejected.WithLabelValues(reason).Inc()
}

// RecordItemExecuted records the outcome of a single planned operation.
func (m *Metrics) RecordItemExecuted(kind, status string) {
	if !m.enabled() {
		return
	}
	m.itemsExecuted.WithLabelValues(kind, status).Inc()
}

// Compliance Metrics

// RecordCheck records a completed compliance check.
func (m *Metrics) RecordCheck(pack, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.checksCompleted.WithLabelValues(status).Inc()
	if duration > 0 {
		m.checkDuration.WithLabelValues(pack).Observe(duration.Seconds())
	}
}

// RecordMismatch counts a mismatch by type.
func (m *Metrics) RecordMismatch(mismatchType string) {
	if !m.enabled() {
		return
	}
	m.mismatches.WithLabelValues(mismatchType).Inc()
}

// Drift Metrics

// RecordAlertTransition counts an alert lifecycle transition (opened, refreshed, resolved).
func (m *Metrics) RecordAlertTransition(transition string) {
	if !m.enabled() {
		return
	}
	m.alertTransitions.WithLabelValues(transition).Inc()
}

// RecordSweep records the duration of a drift sweep.
func (m *Metrics) RecordSweep(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
}

// RecordSweepServer counts a server visited by a sweep.
func (m *Metrics) RecordSweepServer(status string) {
	if !m.enabled() {
		return
	}
	m.sweepServers.WithLabelValues(status).Inc()
}

// Notification Metrics

// RecordNotification counts a delivery attempt to a sink.
func (m *Metrics) RecordNotification(sink, status string) {
	if !m.enabled() {
		return
	}
	m.notifications.WithLabelValues(sink, status).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
