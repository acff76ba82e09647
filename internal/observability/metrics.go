package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildora/buildora/internal/inventory"
)

// Metrics mengumpulkan metrik Prometheus untuk ops endpoint dan ledger.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	movements      *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	drift          *prometheus.CounterVec
	driftUnits     *prometheus.GaugeVec
}

var _ inventory.Recorder = (*Metrics)(nil)

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildora_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildora_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildora_ledger_movements_total",
		Help: "Committed inventory movements by type.",
	}, []string{"type"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildora_ledger_rejections_total",
		Help: "Rejected inventory movements by type and reason.",
	}, []string{"type", "reason"})
	commitDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildora_ledger_commit_duration_seconds",
		Help:    "Time from receiving a movement to its commit.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"type"})
	drift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildora_ledger_balance_drift_total",
		Help: "Cached balances found to differ from their replayed value.",
	}, []string{"tenant"})
	driftUnits := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buildora_ledger_balance_drift_units",
		Help: "Absolute quantity of the last drift found per tenant.",
	}, []string{"tenant"})
	registry.MustRegister(requests, duration, movements, rejections, commitDuration, drift, driftUnits)
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		rejections:      rejections,
		commitDuration:  commitDuration,
		drift:           drift,
		driftUnits:      driftUnits,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
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

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// MovementCommitted counts a commit and observes its latency.
func (m *Metrics) MovementCommitted(movementType string, took time.Duration) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(movementType).Inc()
	m.commitDuration.WithLabelValues(movementType).Observe(took.Seconds())
}

// MovementRejected counts a rejection. Unknown types are folded into one
// label value to bound cardinality.
func (m *Metrics) MovementRejected(movementType, reason string) {
	if m == nil {
		return
	}
	if !inventory.MovementType(movementType).Valid() {
		movementType = "unknown"
	}
	m.rejections.WithLabelValues(movementType, reason).Inc()
}

// BalanceDrift records a cached balance that disagrees with its replay.
func (m *Metrics) BalanceDrift(tenantID int64, drift int64) {
	if m == nil || drift == 0 {
		return
	}
	tenant := strconv.FormatInt(tenantID, 10)
	if drift < 0 {
		drift = -drift
	}
	m.drift.WithLabelValues(tenant).Inc()
	m.driftUnits.WithLabelValues(tenant).Set(float64(drift))
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
