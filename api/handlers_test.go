/*
handlers_test.go - HTTP tests for the stock ledger API

Runs the real router against the in-memory store. Covers:
- Intake, product views and allocation
- Checkout totals, replay and the 409 on a short divide
- Audit/wastage/divide routes and error mapping
- Restock list lifecycle
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/observability"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertQty(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

type testServer struct {
	t      *testing.T
	router http.Handler
	engine *ledger.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	metrics := observability.NewMetrics()
	engine := ledger.NewEngine(store.NewMemory(), ledger.Config{Observer: metrics})
	h := NewHandler(engine, 3)
	router := NewRouter(h, RouterOptions{
		Logger:      zerolog.Nop(),
		Metrics:     metrics,
		CORSOrigins: []string{"http://localhost:5173"},
	})
	return &testServer{t: t, router: router, engine: engine}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) intake(barcode, qty, expiry string) ledger.Product {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/intake", map[string]any{
		"barcode":       barcode,
		"name":          "Item " + barcode,
		"purchasePrice": "2.00",
		"sellingPrice":  "5.00",
		"quantity":      qty,
		"expiryDate":    expiry,
		"supplierName":  "Acme",
		"categoryName":  "Dry Goods",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ledger.Product](s.t, rec)
}

func (s *testServer) view(id ledger.ProductID) ledger.ProductView {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/products/"+string(id)+"?all_batches=true", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[ledger.ProductView](s.t, rec)
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestIntakeAndProductView(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: two deliveries of the same barcode with different expiries
	p := s.intake("123", "10", "2026-09-01")
	assertQty(t, "10", p.Quantity)
	p = s.intake("123", "4", "2026-06-01")

	// THEN: the counter adds up and batches come back earliest expiry first
	assertQty(t, "14", p.Quantity)
	view := s.view(p.ID)
	require.Len(t, view.Batches, 2)
	assertQty(t, "4", view.Batches[0].RemainingQuantity)
	require.NotNil(t, view.Category)
	assert.Equal(t, "Dry Goods", view.Category.Name)

	rec := s.do(http.MethodGet, "/api/products/barcode/123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, p.ID, decodeBody[ledger.ProductView](t, rec).ID)

	rec = s.do(http.MethodGet, "/api/products/barcode/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntake_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing barcode", map[string]any{"name": "x", "quantity": "1"}},
		{"zero quantity", map[string]any{"barcode": "1", "name": "x", "quantity": "0"}},
		{"negative price", map[string]any{"barcode": "1", "name": "x", "quantity": "1", "sellingPrice": "-1"}},
		{"bad date", map[string]any{"barcode": "1", "name": "x", "quantity": "1", "expiryDate": "tomorrow"}},
		{"too many decimals", map[string]any{"barcode": "1", "name": "x", "quantity": "1.0005"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/intake", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/intake", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllocationEndpoint(t *testing.T) {
	s := newTestServer(t)
	p := s.intake("123", "3", "2026-09-01")
	s.intake("123", "2", "2026-05-01")

	rec := s.do(http.MethodGet, "/api/products/"+string(p.ID)+"/allocation?quantity=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alloc := decodeBody[AllocationResponse](t, rec)
	assert.True(t, alloc.Sufficient)
	require.Len(t, alloc.Draws, 2)
	assertQty(t, "2", alloc.Draws[0].Quantity)
	assertQty(t, "2", alloc.Draws[1].Quantity)

	rec = s.do(http.MethodGet, "/api/products/"+string(p.ID)+"/allocation?quantity=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CHECKOUT
// =============================================================================

func TestCheckout_TotalsAndReplay(t *testing.T) {
	s := newTestServer(t)
	p := s.intake("123", "10", "2026-09-01")
	batchID := s.view(p.ID).Batches[0].ID

	body := map[string]any{
		"paymentMethod":  "cash",
		"idempotencyKey": "till-1",
		"items": []map[string]any{
			{"productId": p.ID, "batchId": batchID, "quantity": "2", "price": "4.00"},
			{"productId": p.ID, "quantity": "1", "price": "5.00"},
		},
	}

	// WHEN: the same cart is posted twice with one key
	rec := s.do(http.MethodPost, "/api/checkout", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[ledger.Receipt](t, rec)

	rec = s.do(http.MethodPost, "/api/checkout", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[ledger.Receipt](t, rec)

	// THEN: one sale, totals as charged
	assert.Equal(t, first.SaleID, second.SaleID)
	assert.True(t, second.Replayed)
	assertQty(t, "13.00", first.TotalAmount)
	assertQty(t, "2.00", first.Sale.DiscountAmount)
	assertQty(t, "1.95", first.Sale.VATAmount)

	rec = s.do(http.MethodGet, "/api/sales/"+string(first.SaleID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sale := decodeBody[ledger.Sale](t, rec)
	require.Len(t, sale.Items, 2)
	assertQty(t, "5.00", sale.Items[0].OriginalPrice)

	view := s.view(p.ID)
	assertQty(t, "7", view.Quantity)
	assertQty(t, "8", view.Batches[0].RemainingQuantity)
}

func TestCheckout_Rejections(t *testing.T) {
	s := newTestServer(t)
	p := s.intake("123", "1", "")

	rec := s.do(http.MethodPost, "/api/checkout", map[string]any{"paymentMethod": "cash", "items": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/checkout", map[string]any{
		"paymentMethod": "cash",
		"items":         []map[string]any{{"productId": "ghost", "quantity": "1", "price": "1"}},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/checkout", map[string]any{
		"items": []map[string]any{{"productId": p.ID, "quantity": "1", "price": "1"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// BATCHES
// =============================================================================

func TestBatchRoutes(t *testing.T) {
	s := newTestServer(t)
	p := s.intake("123", "10", "2026-09-01")
	batchID := string(s.view(p.ID).Batches[0].ID)

	// Divide more than the batch holds: 409 with the numbers
	rec := s.do(http.MethodPost, "/api/batches/"+batchID+"/divide", map[string]any{
		"quantity": "11", "targetBarcode": "456", "targetName": "Pack", "targetPrice": "6.00",
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	errResp := decodeBody[ErrorResponse](t, rec)
	details, ok := errResp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "10", details["available"])

	rec = s.do(http.MethodGet, "/api/products/barcode/456", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Divide 4 into a new product
	rec = s.do(http.MethodPost, "/api/batches/"+batchID+"/divide", map[string]any{
		"quantity": "4", "targetBarcode": "456", "targetName": "Pack", "targetPrice": "6.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	div := decodeBody[ledger.DivideResult](t, rec)
	assertQty(t, "6", div.SourceBatch.RemainingQuantity)
	assertQty(t, "4", div.TargetProduct.Quantity)

	// Audit leaves the product counter alone
	rec = s.do(http.MethodPost, "/api/batches/"+batchID+"/audit", map[string]any{"newQuantity": "5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	adj := decodeBody[ledger.StockAdjustment](t, rec)
	assert.Equal(t, ledger.ReasonInventoryAudit, adj.Reason)
	assertQty(t, "6", s.view(p.ID).Quantity)

	rec = s.do(http.MethodGet, "/api/products/"+string(p.ID)+"/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recon := decodeBody[ReconciliationResponse](t, rec)
	assert.False(t, recon.InSync)
	assert.True(t, recon.ReplayConsistent)
	assertQty(t, "1", recon.Divergence)

	// Adjust with a reason moves the counter too
	rec = s.do(http.MethodPost, "/api/batches/"+batchID+"/adjust", map[string]any{"newQuantity": "3", "reason": "Recount"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertQty(t, "4", s.view(p.ID).Quantity)

	rec = s.do(http.MethodPost, "/api/batches/"+batchID+"/adjust", map[string]any{"newQuantity": "3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Wastage writes off what is left
	rec = s.do(http.MethodPost, "/api/batches/"+batchID+"/wastage", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	w := decodeBody[ledger.WastageResult](t, rec)
	assertQty(t, "3", w.QuantityWrittenOff)
	assertQty(t, "1", s.view(p.ID).Quantity)

	rec = s.do(http.MethodGet, "/api/batches/"+batchID+"/adjustments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	log := decodeBody[[]ledger.StockAdjustment](t, rec)
	require.Len(t, log, 4)
	assert.Equal(t, "Divided into 456", log[0].Reason)
	assert.Equal(t, ledger.ReasonWastage, log[3].Reason)

	rec = s.do(http.MethodPost, "/api/batches/ghost/wastage", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// RESTOCK
// =============================================================================

func TestRestockRoutes(t *testing.T) {
	s := newTestServer(t)
	p := s.intake("123", "1", "")

	rec := s.do(http.MethodPost, "/api/restock", map[string]any{"productId": p.ID, "quantity": "12"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	item := decodeBody[ledger.RestockItem](t, rec)
	assert.Equal(t, p.Name, item.Name)

	rec = s.do(http.MethodPost, "/api/restock", map[string]any{"quantity": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/restock/"+string(item.ID)+"/bought", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[ledger.RestockItem](t, rec).Bought)

	rec = s.do(http.MethodGet, "/api/restock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]ledger.RestockItem](t, rec))

	rec = s.do(http.MethodGet, "/api/restock?all=true", nil)
	assert.Len(t, decodeBody[[]ledger.RestockItem](t, rec), 1)

	rec = s.do(http.MethodDelete, "/api/restock/"+string(item.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodDelete, "/api/restock/"+string(item.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.intake("123", "1", "")

	rec := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stock_ledger_operations_total{op="intake",outcome="ok"} 1`)
}

type unavailableStore struct {
	ledger.Store
}

func (unavailableStore) WithTx(context.Context, func(ledger.Tx) error) error {
	return ledger.NewStorageError("begin", errors.New("database is locked"))
}

func TestStorageFailureIs503AfterRetries(t *testing.T) {
	ledger.RetryBackoff = time.Millisecond
	engine := ledger.NewEngine(unavailableStore{Store: store.NewMemory()}, ledger.Config{})
	router := NewRouter(NewHandler(engine, 2), RouterOptions{Logger: zerolog.Nop()})

	body, _ := json.Marshal(map[string]any{"barcode": "1", "name": "x", "quantity": "1"})
	req := httptest.NewRequest(http.MethodPost, "/api/intake", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
