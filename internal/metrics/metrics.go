// Package metrics defines the Prometheus collectors exported by tokend.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokend"

const (
	labelResult = "result"
	labelReason = "reason"
	labelCode   = "code"
	labelMethod = "method"
	labelRoute  = "route"
)

// Metrics holds every collector. The zero value is not usable; call New.
type Metrics struct {
	Issued             prometheus.Counter
	IssueRejected      *prometheus.CounterVec
	Validations        *prometheus.CounterVec
	Revocations        prometheus.Counter
	UsageWriteFailures prometheus.Counter
	UsageDropped       prometheus.Counter
	HTTPDuration       *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "issued_total",
			Help:      "Personal tokens issued.",
		}),
		IssueRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "issue_rejected_total",
			Help:      "Issuance attempts rejected, by reason.",
		}, []string{labelReason}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "validations_total",
			Help:      "Personal token validations, by result.",
		}, []string{labelResult}),
		Revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "revocations_total",
			Help:      "Personal tokens revoked.",
		}),
		UsageWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "write_failures_total",
			Help:      "Usage records that could not be written after retrying.",
		}),
		UsageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "dropped_total",
			Help:      "Usage records dropped because the write queue was full.",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelCode, labelMethod, labelRoute}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Issued, m.IssueRejected, m.Validations, m.Revocations,
			m.UsageWriteFailures, m.UsageDropped, m.HTTPDuration,
		)
		m.gatherer = reg
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Instrument records request latency labelled by the matched chi route
// pattern, so ids in paths do not explode cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPDuration.WithLabelValues(strconv.Itoa(sw.status), r.Method, route).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
