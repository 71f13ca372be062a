package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. Every method is safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	registry prometheus.Gatherer

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Engine metrics
	Placements        *prometheus.CounterVec
	ReferralsRejected *prometheus.CounterVec
	Promotions        *prometheus.CounterVec
	HeldReleased      prometheus.Counter
	HeldReleasedUnits prometheus.Counter
	CascadeSteps      prometheus.Histogram
	TxRetries         prometheus.Counter
	PublishFailures   *prometheus.CounterVec

	// Worker metrics
	MessagesConsumed *prometheus.CounterVec
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		Placements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "matrix_placements_total",
			Help: "Members placed into a matrix, by tree stage",
		}, []string{"stage"}),
		ReferralsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "matrix_referrals_rejected_total",
			Help: "Referrals refused by a precondition",
		}, []string{"reason"}),
		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "matrix_promotions_total",
			Help: "Stage promotions, by target stage",
		}, []string{"to"}),
		HeldReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "matrix_held_earnings_released_total",
			Help: "Held earnings rows released to wallets",
		}),
		HeldReleasedUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "matrix_held_earnings_released_units_total",
			Help: "Currency units released from held earnings",
		}),
		CascadeSteps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "matrix_progression_checks_per_event",
			Help:    "Progression checks drained from the work queue per event",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		TxRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "matrix_tx_retries_total",
			Help: "Ledger transactions retried after a conflict",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "matrix_event_publish_failures_total",
			Help: "Events that could not be published after commit",
		}, []string{"type"}),

		MessagesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "matrix_messages_consumed_total",
			Help: "Referral messages consumed, by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the chi route
// pattern, which keeps label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Placement(stage string) {
	if m == nil {
		return
	}
	m.Placements.WithLabelValues(stage).Inc()
}

func (m *Metrics) ReferralRejected(reason string) {
	if m == nil {
		return
	}
	m.ReferralsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Promotion(to string) {
	if m == nil {
		return
	}
	m.Promotions.WithLabelValues(to).Inc()
}

func (m *Metrics) Released(rows int, units float64) {
	if m == nil {
		return
	}
	m.HeldReleased.Add(float64(rows))
	m.HeldReleasedUnits.Add(units)
}

func (m *Metrics) ProgressionChecks(n int) {
	if m == nil {
		return
	}
	m.CascadeSteps.Observe(float64(n))
}

func (m *Metrics) TxRetry() {
	if m == nil {
		return
	}
	m.TxRetries.Inc()
}

func (m *Metrics) PublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Consumed(outcome string) {
	if m == nil {
		return
	}
	m.MessagesConsumed.WithLabelValues(outcome).Inc()
}
