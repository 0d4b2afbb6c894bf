/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the ledger engine over REST. Handles request decoding, validation
  and JSON responses; every stock rule lives in the ledger package.

ENDPOINTS:
  Products:
    POST   /api/intake                           Receive stock (new batch)
    GET    /api/products/{id}                    Product with live batches
    GET    /api/products/barcode/{barcode}       Same, by barcode
    GET    /api/products/{id}/allocation         Expiry-first draw plan
    GET    /api/products/{id}/reconciliation     Counter vs batches report

  Batches:
    POST   /api/batches/{id}/audit               Inventory audit correction
    POST   /api/batches/{id}/adjust              Correction with a reason
    POST   /api/batches/{id}/wastage             Write the batch off
    POST   /api/batches/{id}/divide              Split into another product
    GET    /api/batches/{id}/adjustments         Adjustment log

  Sales:
    POST   /api/checkout                         Record a sale
    GET    /api/sales/{id}                       Sale with items

  Restock:
    GET    /api/restock                          Open items (?all=true for bought)
    POST   /api/restock                          Add item
    POST   /api/restock/{id}/bought              Mark bought
    DELETE /api/restock/{id}                     Remove item

ERROR HANDLING:
  - 400: Bad JSON, validation errors, invalid argument
  - 404: Resource not found
  - 409: Insufficient stock
  - 503: Storage failure after retries (Retry-After: 1)
  - 500: Anything else

RETRIES:
  Mutations run through ledger.WithRetry. Engine operations are atomic, so a
  retried attempt starts from clean state.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	// Retries bounds attempts for mutations that hit storage failures.
	Retries int

	validate *validator.Validate
}

func NewHandler(engine *ledger.Engine, retries int) *Handler {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	if retries < 1 {
		retries = 1
	}
	return &Handler{Engine: engine, Retries: retries, validate: v}
}

func (h *Handler) retry(r *http.Request, fn func(ctx context.Context) error) error {
	return ledger.WithRetry(r.Context(), h.Retries, fn)
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// Intake receives a delivery: creates or refreshes the product and adds a batch.
func (h *Handler) Intake(w http.ResponseWriter, r *http.Request) {
	var req IntakeRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var product ledger.Product
	err = h.retry(r, func(ctx context.Context) error {
		var err error
		product, err = h.Engine.Intake(ctx, in)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Intake failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProductID(chi.URLParam(r, "id"))
	view, err := h.Engine.ProductView(r.Context(), id, queryBool(r, "all_batches"))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get product", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) GetProductByBarcode(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.ProductViewByBarcode(r.Context(), chi.URLParam(r, "barcode"), queryBool(r, "all_batches"))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get product", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetAllocation returns the expiry-first draw plan for ?quantity=.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	qty, err := decimal.NewFromString(r.URL.Query().Get("quantity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}
	alloc, err := h.Engine.SuggestBatches(r.Context(), ledger.ProductID(chi.URLParam(r, "id")), qty)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to plan allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, AllocationResponse{Allocation: alloc, Sufficient: alloc.Sufficient()})
}

func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Reconcile(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to reconcile product", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationResponse{
		Reconciliation:   rec,
		InSync:           rec.InSync(),
		ReplayConsistent: rec.ReplayConsistent(),
	})
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// AuditBatch applies an inventory audit. The product counter is left alone.
func (h *Handler) AuditBatch(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := ledger.BatchID(chi.URLParam(r, "id"))

	var adj ledger.StockAdjustment
	err := h.retry(r, func(ctx context.Context) error {
		var err error
		adj, err = h.Engine.AuditCorrect(ctx, id, req.NewQuantity)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, adj)
}

func (h *Handler) AdjustBatch(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := ledger.BatchID(chi.URLParam(r, "id"))

	var adj ledger.StockAdjustment
	err := h.retry(r, func(ctx context.Context) error {
		var err error
		adj, err = h.Engine.AdjustBatch(ctx, id, req.NewQuantity, req.Reason)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Adjustment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, adj)
}

func (h *Handler) MarkWastage(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))

	var res ledger.WastageResult
	err := h.retry(r, func(ctx context.Context) error {
		var err error
		res, err = h.Engine.MarkWastage(ctx, id)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Wastage failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) DivideBatch(w http.ResponseWriter, r *http.Request) {
	var req DivideRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := ledger.DivideInput{
		SourceBatchID: ledger.BatchID(chi.URLParam(r, "id")),
		Quantity:      req.Quantity,
		TargetBarcode: req.TargetBarcode,
		TargetName:    req.TargetName,
		TargetPrice:   req.TargetPrice,
	}

	var res ledger.DivideResult
	err := h.retry(r, func(ctx context.Context) error {
		var err error
		res, err = h.Engine.Divide(ctx, in)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Divide failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	log, err := h.Engine.Adjustments(r.Context(), ledger.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list adjustments", err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// Checkout records a sale. A replayed idempotency key answers 200 with the
// original sale instead of 201.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := req.toInput()

	var receipt ledger.Receipt
	err := h.retry(r, func(ctx context.Context) error {
		var err error
		receipt, err = h.Engine.Checkout(ctx, in)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Checkout failed", err)
		return
	}

	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Engine.Sale(r.Context(), ledger.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get sale", err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

// =============================================================================
// RESTOCK HANDLERS
// =============================================================================

func (h *Handler) ListRestock(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.RestockItems(r.Context(), queryBool(r, "all"))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list restock items", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) AddRestock(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if !h.decode(w, r, &req) {
		return
	}

	var item ledger.RestockItem
	err := h.retry(r, func(ctx context.Context) error {
		var err error
		item, err = h.Engine.AddRestockItem(ctx, req.toInput())
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to add restock item", err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) MarkRestockBought(w http.ResponseWriter, r *http.Request) {
	id := ledger.RestockItemID(chi.URLParam(r, "id"))

	var item ledger.RestockItem
	err := h.retry(r, func(ctx context.Context) error {
		var err error
		item, err = h.Engine.MarkRestockBought(ctx, id)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to mark restock item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) DeleteRestock(w http.ResponseWriter, r *http.Request) {
	id := ledger.RestockItemID(chi.URLParam(r, "id"))
	err := h.retry(r, func(ctx context.Context) error {
		return h.Engine.RemoveRestockItem(ctx, id)
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to remove restock item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness; stores that can ping are pinged.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store().(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. On failure it has already written
// the response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeLedgerError maps ledger error kinds onto HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var (
		status = http.StatusInternalServerError
		stock  *ledger.InsufficientStockError
	)
	switch {
	case errors.As(err, &stock):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Details: map[string]any{
			"message":   err.Error(),
			"batchId":   stock.BatchID,
			"available": stock.Available,
			"requested": stock.Requested,
			"shortfall": stock.Shortfall(),
		}})
		return
	case errors.Is(err, ledger.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrStorageFailure):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}

	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
