/*
metrics.go - Prometheus metrics for the stock ledger

PURPOSE:
  One registry per process. Counts HTTP requests per route, ledger
  operations per outcome, floored sale deductions and reconciliation
  findings. Metrics implements ledger.Observer so the engine reports into
  it directly.

METRICS:
  stock_ledger_http_requests_total{route,code}
  stock_ledger_http_request_duration_seconds{route}
  stock_ledger_operations_total{op,outcome}
  stock_ledger_operation_duration_seconds{op}
  stock_ledger_stock_floored_total
  stock_ledger_stock_floored_quantity_total
  stock_ledger_reconciliation_findings_total{kind}

A nil *Metrics is valid and records nothing.
*/
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// Finding kinds for ReconciliationFinding.
const (
	FindingDivergence     = "divergence"
	FindingReplayMismatch = "replay_mismatch"
	FindingExpiredStock   = "expired_stock"
)

type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	floored         prometheus.Counter
	flooredQty      prometheus.Counter
	findings        *prometheus.CounterVec
}

var _ ledger.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_ledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_ledger_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_ledger_operations_total",
		Help: "Ledger operations by name and outcome.",
	}, []string{"op", "outcome"})
	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_ledger_operation_duration_seconds",
		Help:    "Ledger transaction latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	floored := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_ledger_stock_floored_total",
		Help: "Sale lines that asked a batch for more than it held.",
	})
	flooredQty := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_ledger_stock_floored_quantity_total",
		Help: "Quantity sold beyond what batches held.",
	})
	findings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_ledger_reconciliation_findings_total",
		Help: "Reconciliation findings by kind.",
	}, []string{"kind"})

	registry.MustRegister(requests, duration, operations, opDuration, floored, flooredQty, findings)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		operations:      operations,
		opDuration:      opDuration,
		floored:         floored,
		flooredQty:      flooredQty,
		findings:        findings,
	}
}

// Handler serves /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records per-route request counts and latency.
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

func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

// =============================================================================
// LEDGER OBSERVER
// =============================================================================

func (m *Metrics) OperationCompleted(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome(err)).Inc()
	m.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) StockFloored(_ ledger.ProductID, _ ledger.BatchID, shortfall decimal.Decimal) {
	if m == nil {
		return
	}
	m.floored.Inc()
	m.flooredQty.Add(shortfall.InexactFloat64())
}

// ReconciliationFinding counts one scheduler finding of the given kind.
func (m *Metrics) ReconciliationFinding(kind string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(kind).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case ledger.IsNotFound(err):
		return "not_found"
	case ledger.IsClientError(err):
		return "rejected"
	case ledger.IsRetryable(err):
		return "storage_failure"
	default:
		return "error"
	}
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
