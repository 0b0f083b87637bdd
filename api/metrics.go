/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Exposes ledger activity and HTTP latency on /metrics. Metrics doubles as
  the ledger.Observer so every committed event and rejected operation is
  counted where it happens, independent of the transport.

SERIES:
  ledger_events_total{kind}                      committed events
  ledger_units_total{kind}                       units carried by committed events
  ledger_rejections_total{op,class}              rejected operations by error class
  ledger_http_request_duration_seconds{method,route,status}
  ledger_head_seq                                last folded sequence number
  ledger_verify_violations                       violations in the last verification
*/
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/asset-ledger/ledger"
)

const metricsNamespace = "ledger"

type Metrics struct {
	registry     *prometheus.Registry
	events       *prometheus.CounterVec
	units        *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	head         prometheus.Gauge
	violations   prometheus.Gauge
}

// NewMetrics registers the ledger series on a private registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Committed ledger events by kind.",
		}, []string{"kind"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "units_total",
			Help:      "Equipment units carried by committed events, by kind.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejections_total",
			Help:      "Rejected ledger operations by error class.",
		}, []string{"op", "class"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		head: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "head_seq",
			Help:      "Sequence number of the last folded event.",
		}),
		violations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "verify_violations",
			Help:      "Invariant violations found by the last verification.",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.units, m.rejections, m.httpDuration, m.head, m.violations} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) EventCommitted(ev ledger.Event) {
	kind := string(ev.Kind())
	m.events.WithLabelValues(kind).Inc()
	m.units.WithLabelValues(kind).Add(float64(ev.Quantity()))
	m.head.Set(float64(ev.Seq))
}

func (m *Metrics) OperationRejected(op string, err error) {
	m.rejections.WithLabelValues(op, ledger.ErrorClass(err)).Inc()
}

func (m *Metrics) SetHead(seq ledger.Seq) { m.head.Set(float64(seq)) }

func (m *Metrics) SetVerifyReport(r ledger.VerifyReport) {
	m.violations.Set(float64(len(r.Violations)))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument records request latency labelled by the matched chi route
// pattern, e.g. /api/transfers/{id}.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

var _ ledger.Observer = (*Metrics)(nil)
