package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsActive  prometheus.Gauge

	// Execution metrics
	TestsExecutedTotal *prometheus.CounterVec
	StepsExecutedTotal *prometheus.CounterVec
	HealingAttempts    *prometheus.CounterVec
	ExecutionsActive   prometheus.Gauge
	TestDuration       *prometheus.HistogramVec

	// Decision metrics
	DecisionsTotal *prometheus.CounterVec

	// Knowledge base metrics
	KBLookupsTotal   prometheus.Counter
	KBHitsTotal      prometheus.Counter
	SelectorsLearned prometheus.Counter

	// AI gateway metrics
	AIRequestsTotal   *prometheus.CounterVec
	AIRequestDuration *prometheus.HistogramVec
	AITokensUsed      *prometheus.CounterVec
	AICacheHits       prometheus.Counter
	AICacheMisses     prometheus.Counter
	AIBudgetDenials   prometheus.Counter

	// Orchestrator metrics
	QueueDepth     *prometheus.GaugeVec
	QueueDropped   prometheus.Counter
	DiscoveryRuns  prometheus.Counter
	RegressionRuns prometheus.Counter
	RetriesTotal   prometheus.Counter
}

// NewMetrics creates a new metrics instance with all Prometheus metrics registered
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "autopilot"
	}

	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_active",
				Help:      "Number of active HTTP requests",
			},
		),

		TestsExecutedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_executed_total",
				Help:      "Total number of tests executed",
			},
			[]string{"status", "format"},
		),
		StepsExecutedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"action", "status"},
		),
		HealingAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "healing_attempts_total",
				Help:      "Total number of selector healing attempts",
			},
			[]string{"status"},
		),
		ExecutionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_active",
				Help:      "Number of test executions in flight",
			},
		),
		TestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "test_duration_seconds",
				Help:      "Test execution duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"format"},
		),

		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of decisions by type and source tier",
			},
			[]string{"type", "source"},
		),

		KBLookupsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kb_lookups_total",
				Help:      "Total number of knowledge base lookups",
			},
		),
		KBHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kb_hits_total",
				Help:      "Total number of knowledge base hits",
			},
		),
		SelectorsLearned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selectors_learned_total",
				Help:      "Total number of new selectors learned",
			},
		),

		AIRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_requests_total",
				Help:      "Total number of AI provider requests",
			},
			[]string{"provider", "type", "status"},
		),
		AIRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ai_request_duration_seconds",
				Help:      "AI provider request duration in seconds",
				Buckets:   []float64{.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),
		AITokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_tokens_used_total",
				Help:      "Total number of AI tokens consumed",
			},
			[]string{"provider"},
		),
		AICacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_cache_hits_total",
				Help:      "Total number of AI response cache hits",
			},
		),
		AICacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_cache_misses_total",
				Help:      "Total number of AI response cache misses",
			},
		),
		AIBudgetDenials: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_budget_denials_total",
				Help:      "Total number of AI requests denied by the token budget",
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Orchestrator queue depth per priority",
			},
			[]string{"priority"},
		),
		QueueDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_dropped_total",
				Help:      "Total number of queue entries dropped on overflow",
			},
		),
		DiscoveryRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_runs_total",
				Help:      "Total number of discovery sweeps",
			},
		),
		RegressionRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "regression_runs_total",
				Help:      "Total number of regression sweeps",
			},
		),
		RetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of failed executions re-queued",
			},
		),
	}

	return m
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTestExecution records one finished test
func (m *Metrics) RecordTestExecution(status, format string, duration time.Duration) {
	m.TestsExecutedTotal.WithLabelValues(status, format).Inc()
	m.TestDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// RecordStep records one executed step
func (m *Metrics) RecordStep(action, status string) {
	m.StepsExecutedTotal.WithLabelValues(action, status).Inc()
}

// RecordHealing records a selector healing attempt
func (m *Metrics) RecordHealing(status string) {
	m.HealingAttempts.WithLabelValues(status).Inc()
}

// RecordDecision records a decision by type and source tier
func (m *Metrics) RecordDecision(decisionType, source string) {
	m.DecisionsTotal.WithLabelValues(decisionType, source).Inc()
}

// RecordAIRequest records an AI provider call
func (m *Metrics) RecordAIRequest(provider, reqType, status string, duration time.Duration, tokens int) {
	m.AIRequestsTotal.WithLabelValues(provider, reqType, status).Inc()
	m.AIRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.AITokensUsed.WithLabelValues(provider).Add(float64(tokens))
}

// SetQueueDepth updates per-priority queue depth gauges
func (m *Metrics) SetQueueDepth(depths map[string]int) {
	for priority, depth := range depths {
		m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
	}
}

// HTTPMiddleware returns middleware for recording HTTP metrics
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPRequestsActive.Inc()
		defer m.HTTPRequestsActive.Dec()

		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Global metrics instance
var globalMetrics *Metrics

// InitMetrics initializes the global metrics instance
func InitMetrics(namespace string) *Metrics {
	globalMetrics = NewMetrics(namespace)
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		globalMetrics = NewMetrics("autopilot")
	}
	return globalMetrics
}
