package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported by the API.
type Metrics struct {
	gatherer prometheus.Gatherer

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	certsIssued      prometheus.Counter
	keysGenerated    *prometheus.CounterVec
	signatures       *prometheus.CounterVec
	passwordFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses a fresh registry, which keeps tests independent of global state.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certkeep_http_requests_total",
			Help: "HTTP requests processed, by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "certkeep_http_request_duration_seconds",
			Help: "HTTP request latency. Key generation dominates the upper buckets.",
			// 4096-bit RSA generation takes seconds.
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		certsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certkeep_certificates_issued_total",
			Help: "Certificates issued from pending CSRs.",
		}),
		keysGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certkeep_keys_generated_total",
			Help: "Key pairs generated, by initial state.",
		}, []string{"state"}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certkeep_signatures_total",
			Help: "Data signature operations, by operation and result.",
		}, []string{"op", "result"}),
		passwordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certkeep_password_failures_total",
			Help: "Private key decryptions rejected for a bad password.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.requestsTotal, m.requestDuration, m.certsIssued,
		m.keysGenerated, m.signatures, m.passwordFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) certificateIssued() {
	if m != nil {
		m.certsIssued.Inc()
	}
}

func (m *Metrics) keyGenerated(pending bool) {
	if m == nil {
		return
	}
	state := "issued"
	if pending {
		state = "pending"
	}
	m.keysGenerated.WithLabelValues(state).Inc()
}

func (m *Metrics) signature(op, result string) {
	if m != nil {
		m.signatures.WithLabelValues(op, result).Inc()
	}
}

func (m *Metrics) passwordFailure() {
	if m != nil {
		m.passwordFailures.Inc()
	}
}
