package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// Metrics exposes Prometheus metrics for provisioning runs. It implements
// engine.RunObserver so the orchestrator can report directly into it. All
// methods are safe on a disabled (no-op) instance.
type Metrics struct {
	config MetricsConfig

	plansStarted   prometheus.Counter
	plansCompleted *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec
	activePlans    prometheus.Gauge

	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	rollbacks *prometheus.CounterVec

	providerErrors *prometheus.CounterVec

	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

var nodeDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// NewMetrics creates the metrics collector. When disabled all record
// methods are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_started_total",
			Help:      "Total number of creation plans started",
		}),
		plansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_completed_total",
			Help:      "Total number of creation plans completed",
		}, []string{"status"}),
		planDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_duration_seconds",
			Help:      "Duration of plan execution in seconds",
			Buckets:   nodeDurationBuckets,
		}, []string{"status"}),
		activePlans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_plans",
			Help:      "Current number of executing plans",
		}),

		nodesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_executed_total",
			Help:      "Total number of plan nodes executed",
		}, []string{"resource_type", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node execution in seconds",
			Buckets:   nodeDurationBuckets,
		}, []string{"resource_type"}),

		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of per-resource rollback attempts",
		}, []string{"resource_type", "outcome"}),

		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of classified provider errors",
		}, []string{"class", "code"}),

		policyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_violations_total",
			Help:      "Total number of guardrail violations",
		}, []string{"policy", "severity"}),
	}

	registry.MustRegister(
		m.plansStarted,
		m.plansCompleted,
		m.planDuration,
		m.activePlans,
		m.nodesExecuted,
		m.nodeDuration,
		m.rollbacks,
		m.providerErrors,
		m.policyViolations,
	)
	return m
}

// PlanStarted records the start of a plan execution.
func (m *Metrics) PlanStarted() {
	if m.plansStarted == nil {
		return
	}
	m.plansStarted.Inc()
	m.activePlans.Inc()
}

// PlanFinished records a finished plan. Part of engine.RunObserver.
func (m *Metrics) PlanFinished(status engine.PlanStatus, duration time.Duration) {
	if m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(string(status)).Inc()
	m.planDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.activePlans.Dec()
}

// NodeFinished records a finished node. Part of engine.RunObserver.
func (m *Metrics) NodeFinished(resourceType engine.ResourceType, status engine.NodeStatus, duration time.Duration) {
	if m.nodesExecuted == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(string(resourceType), string(status)).Inc()
	m.nodeDuration.WithLabelValues(string(resourceType)).Observe(duration.Seconds())
}

// RollbackAttempted records one rollback attempt. Part of engine.RunObserver.
func (m *Metrics) RollbackAttempted(resourceType engine.ResourceType, ok bool) {
	if m.rollbacks == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	m.rollbacks.WithLabelValues(string(resourceType), outcome).Inc()
}

// RecordProviderError counts a classified provider error.
func (m *Metrics) RecordProviderError(err *engine.EngineError) {
	if m.providerErrors == nil || err == nil {
		return
	}
	m.providerErrors.WithLabelValues(string(err.Class), err.Code).Inc()
}

// RecordPolicyViolation counts a guardrail violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve starts the metrics HTTP server in the background.
func (m *Metrics) Serve(logger zerolog.Logger) {
	if !m.config.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}
