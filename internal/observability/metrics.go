package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chat request metrics
	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finance_gateway_active_requests",
		Help: "Number of chat requests currently running the dispatch loop",
	})

	chatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_gateway_chat_requests_total",
		Help: "Total number of chat requests by transport and status",
	}, []string{"transport", "status"})

	chatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finance_gateway_chat_duration_seconds",
		Help:    "End-to-end chat request duration in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// Dispatch loop metrics
	dispatchRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finance_gateway_dispatch_rounds",
		Help:    "Number of tool round-trips per dispatch loop run",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
	})

	dispatchBudgetExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finance_gateway_dispatch_budget_exhausted_total",
		Help: "Dispatch loop runs that hit the tool round limit",
	})

	// Tool metrics
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_gateway_tool_calls_total",
		Help: "Total number of tool invocations by tool and outcome",
	}, []string{"tool", "status"})

	toolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finance_gateway_tool_latency_seconds",
		Help:    "Tool invocation latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"tool"})

	// Model metrics
	modelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_gateway_model_requests_total",
		Help: "Total number of language model requests",
	}, []string{"status"})

	modelLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finance_gateway_model_latency_seconds",
		Help:    "Language model request latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 30.0},
	})

	modelTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_gateway_model_tokens_total",
		Help: "Tokens reported by the language model",
	}, []string{"kind"}) // kind: "prompt" or "completion"

	// Upstream (Finnhub) metrics
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_gateway_upstream_requests_total",
		Help: "Total number of market data API requests",
	}, []string{"endpoint", "status"})

	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finance_gateway_upstream_latency_seconds",
		Help:    "Market data API latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"endpoint"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "finance_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_gateway_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"service", "to"})

	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finance_gateway_active_sessions",
		Help: "Conversations currently held by the in-memory store",
	})
)

// RequestMetrics tracks metrics for a single chat request
type RequestMetrics struct {
	transport  string
	startTime  time.Time
	modelStart time.Time
	mu         sync.Mutex
}

// NewRequestMetrics creates a new metrics tracker for a chat request
func NewRequestMetrics(transport string) *RequestMetrics {
	return &RequestMetrics{
		transport: transport,
		startTime: time.Now(),
	}
}

// RecordRequestStart records the start of a chat request
func (m *RequestMetrics) RecordRequestStart() {
	activeRequests.Inc()
}

// RecordRequestEnd records the end of a chat request
func (m *RequestMetrics) RecordRequestEnd(success bool) {
	activeRequests.Dec()
	chatDuration.Observe(time.Since(m.startTime).Seconds())
	chatRequests.WithLabelValues(m.transport, statusLabel(success)).Inc()
}

// RecordError records an error
func (m *RequestMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordModelStart records the start of a model call
func (m *RequestMetrics) RecordModelStart() {
	m.mu.Lock()
	m.modelStart = time.Now()
	m.mu.Unlock()
}

// RecordModelEnd records the end of a model call
func (m *RequestMetrics) RecordModelEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.modelStart.IsZero() {
		modelLatency.Observe(time.Since(m.modelStart).Seconds())
	}
	modelRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordError records an error outside a request scope
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordDispatchRounds records how many tool rounds one loop run took
func RecordDispatchRounds(rounds int, exhausted bool) {
	dispatchRounds.Observe(float64(rounds))
	if exhausted {
		dispatchBudgetExhausted.Inc()
	}
}

// RecordToolCall records one tool invocation
func RecordToolCall(tool string, success bool, d time.Duration) {
	toolCalls.WithLabelValues(tool, statusLabel(success)).Inc()
	toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordModelTokens adds reported token usage
func RecordModelTokens(prompt, completion int) {
	if prompt > 0 {
		modelTokens.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		modelTokens.WithLabelValues("completion").Add(float64(completion))
	}
}

// RecordUpstreamCall records one market data API request
func RecordUpstreamCall(endpoint string, success bool, d time.Duration) {
	upstreamRequests.WithLabelValues(endpoint, statusLabel(success)).Inc()
	upstreamLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int, label string) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
	circuitBreakerTransitions.WithLabelValues(service, label).Inc()
}

// SetActiveSessions updates the active session gauge
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
