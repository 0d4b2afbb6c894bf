/*
dto.go - Request bodies and error envelope for the HTTP API

PURPOSE:
  Request types decouple the wire format from ledger inputs. Responses reuse
  the ledger types directly; they already carry JSON tags.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers that add fields to ledger types

VALIDATION:
  Struct tags are checked with go-playground/validator before the engine is
  called. The engine re-checks quantities and prices and is the authority on
  scale and sign.

DATES:
  expiryDate accepts YYYY-MM-DD or RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type IntakeRequest struct {
	Barcode       string           `json:"barcode" validate:"required,max=64"`
	Name          string           `json:"name" validate:"required,max=200"`
	Unit          string           `json:"unit" validate:"max=16"`
	PurchasePrice decimal.Decimal  `json:"purchasePrice" validate:"gte=0"`
	SellingPrice  decimal.Decimal  `json:"sellingPrice" validate:"gte=0"`
	TaxRate       *decimal.Decimal `json:"taxRate,omitempty" validate:"omitempty,gte=0"`
	Quantity      decimal.Decimal  `json:"quantity" validate:"gt=0"`
	ExpiryDate    *string          `json:"expiryDate,omitempty"`
	SupplierName  string           `json:"supplierName,omitempty" validate:"max=200"`
	CategoryName  string           `json:"categoryName,omitempty" validate:"max=200"`
	SupplierID    *string          `json:"supplierId,omitempty"`
	CategoryID    *string          `json:"categoryId,omitempty"`
}

func (r IntakeRequest) toInput() (ledger.IntakeInput, error) {
	expiry, err := parseDate(r.ExpiryDate)
	if err != nil {
		return ledger.IntakeInput{}, err
	}
	in := ledger.IntakeInput{
		Barcode:       r.Barcode,
		Name:          r.Name,
		Unit:          r.Unit,
		PurchasePrice: r.PurchasePrice,
		SellingPrice:  r.SellingPrice,
		TaxRate:       r.TaxRate,
		Quantity:      r.Quantity,
		ExpiryDate:    expiry,
		SupplierName:  r.SupplierName,
		CategoryName:  r.CategoryName,
	}
	if r.SupplierID != nil {
		id := ledger.SupplierID(*r.SupplierID)
		in.SupplierID = &id
	}
	if r.CategoryID != nil {
		id := ledger.CategoryID(*r.CategoryID)
		in.CategoryID = &id
	}
	return in, nil
}

// QuantityRequest is the body of /audit.
type QuantityRequest struct {
	NewQuantity decimal.Decimal `json:"newQuantity" validate:"gte=0"`
}

type AdjustRequest struct {
	NewQuantity decimal.Decimal `json:"newQuantity" validate:"gte=0"`
	Reason      string          `json:"reason" validate:"required,max=200"`
}

type DivideRequest struct {
	Quantity      decimal.Decimal `json:"quantity" validate:"gt=0"`
	TargetBarcode string          `json:"targetBarcode" validate:"required,max=64"`
	TargetName    string          `json:"targetName,omitempty" validate:"max=200"`
	TargetPrice   decimal.Decimal `json:"targetPrice" validate:"gte=0"`
}

type CheckoutLineRequest struct {
	ProductID     string           `json:"productId" validate:"required"`
	BatchID       *string          `json:"batchId,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity" validate:"gt=0"`
	Price         decimal.Decimal  `json:"price" validate:"gte=0"`
	PurchasePrice *decimal.Decimal `json:"purchasePrice,omitempty"`
}

type CheckoutRequest struct {
	Items          []CheckoutLineRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod  string                `json:"paymentMethod" validate:"required,max=32"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty" validate:"max=128"`
}

func (r CheckoutRequest) toInput() ledger.CheckoutInput {
	in := ledger.CheckoutInput{
		PaymentMethod:  r.PaymentMethod,
		IdempotencyKey: r.IdempotencyKey,
		Lines:          make([]ledger.CartLine, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		line := ledger.CartLine{
			ProductID:     ledger.ProductID(it.ProductID),
			Quantity:      it.Quantity,
			UnitPrice:     it.Price,
			PurchasePrice: it.PurchasePrice,
		}
		if it.BatchID != nil && *it.BatchID != "" {
			id := ledger.BatchID(*it.BatchID)
			line.BatchID = &id
		}
		in.Lines = append(in.Lines, line)
	}
	return in
}

type RestockRequest struct {
	ProductID *string         `json:"productId,omitempty"`
	Name      string          `json:"name,omitempty" validate:"max=200"`
	Barcode   string          `json:"barcode,omitempty" validate:"max=64"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	Unit      string          `json:"unit,omitempty" validate:"max=16"`
}

func (r RestockRequest) toInput() ledger.RestockInput {
	in := ledger.RestockInput{
		Name:     r.Name,
		Barcode:  r.Barcode,
		Quantity: r.Quantity,
		Unit:     r.Unit,
	}
	if r.ProductID != nil && *r.ProductID != "" {
		id := ledger.ProductID(*r.ProductID)
		in.ProductID = &id
	}
	return in
}

// =============================================================================
// RESPONSES
// =============================================================================

// ReconciliationResponse adds the derived flags to a reconciliation report.
type ReconciliationResponse struct {
	ledger.Reconciliation
	InSync           bool `json:"inSync"`
	ReplayConsistent bool `json:"replayConsistent"`
}

// AllocationResponse adds the derived sufficiency flag.
type AllocationResponse struct {
	ledger.Allocation
	Sufficient bool `json:"sufficient"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", *s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, fmt.Errorf("invalid expiryDate %q (use YYYY-MM-DD or RFC3339)", *s)
	}
	t = t.UTC()
	return &t, nil
}
