package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

func TestMetrics_OperationOutcomes(t *testing.T) {
	m := NewMetrics()

	m.OperationCompleted("checkout", 5*time.Millisecond, nil)
	m.OperationCompleted("checkout", time.Millisecond, &ledger.InsufficientStockError{BatchID: "b"})
	m.OperationCompleted("divide", time.Millisecond, ledger.NewNotFound("batch", "b"))
	m.OperationCompleted("intake", time.Millisecond, ledger.NewStorageError("commit", errors.New("locked")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("checkout", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("checkout", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("divide", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("intake", "storage_failure")))
}

func TestMetrics_StockFlooredAndFindings(t *testing.T) {
	m := NewMetrics()

	m.StockFloored("p", "b", decimal.RequireFromString("2.5"))
	m.StockFloored("p", "b", decimal.RequireFromString("0.5"))
	m.ReconciliationFinding(FindingDivergence)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.floored))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.flooredQty))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.findings.WithLabelValues(FindingDivergence)))
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := NewMetrics()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/sales/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sales/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/api/sales/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "stock_ledger_http_requests_total"))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.OperationCompleted("checkout", time.Millisecond, nil)
	m.StockFloored("p", "b", decimal.NewFromInt(1))
	m.ReconciliationFinding(FindingExpiredStock)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
