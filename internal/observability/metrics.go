package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics collects the Prometheus metrics of the core.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	codes           *prometheus.CounterVec
	postings        *prometheus.CounterVec
	postingDuration prometheus.Histogram
	transitions     *prometheus.CounterVec
	variances       *prometheus.CounterVec
	varianceAmount  *prometheus.CounterVec
	operations      *prometheus.CounterVec
}

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corebank_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	codes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_codes_total",
		Help: "Transaction code lifecycle events (reserved, used, reverted, swept).",
	}, []string{"event"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_postings_total",
		Help: "Entry set postings by outcome.",
	}, []string{"outcome"})
	postingDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "corebank_posting_duration_seconds",
		Help:    "Time spent posting an entry set, retries included.",
		Buckets: prometheus.DefBuckets,
	})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_custody_transitions_total",
		Help: "Teller-day commands by command and outcome.",
	}, []string{"command", "outcome"})
	variances := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_custody_variances_total",
		Help: "Recorded cash variances by kind.",
	}, []string{"kind"})
	varianceAmount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_custody_variance_amount_total",
		Help: "Sum of recorded cash variances by kind.",
	}, []string{"kind"})
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_operations_total",
		Help: "Financial operations by kind and outcome.",
	}, []string{"kind", "outcome"})
	registry.MustRegister(requests, duration, codes, postings, postingDuration, transitions, variances, varianceAmount, operations)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		codes:           codes,
		postings:        postings,
		postingDuration: postingDuration,
		transitions:     transitions,
		variances:       variances,
		varianceAmount:  varianceAmount,
		operations:      operations,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveCode counts a code lifecycle event.
func (m *Metrics) ObserveCode(event string) {
	if m == nil {
		return
	}
	m.codes.WithLabelValues(event).Inc()
}

// ObservePosting counts a posting and its duration.
func (m *Metrics) ObservePosting(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(outcome).Inc()
	m.postingDuration.Observe(duration.Seconds())
}

// ObserveTransition counts a teller-day command.
func (m *Metrics) ObserveTransition(command, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(command, outcome).Inc()
}

// ObserveVariance counts a recorded variance and adds its absolute amount.
func (m *Metrics) ObserveVariance(kind string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.variances.WithLabelValues(kind).Inc()
	m.varianceAmount.WithLabelValues(kind).Add(amount.Abs().InexactFloat64())
}

// ObserveOperation counts a financial operation.
func (m *Metrics) ObserveOperation(kind, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
