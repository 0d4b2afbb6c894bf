/*
Package ledger provides the batch-level stock ledger for a retail shop.

PURPOSE:
  Tracks inventory as purchase batches per product and keeps three views of
  "how much stock exists" consistent: the product's denormalized quantity
  counter, the sum of remaining quantities across its batches, and the
  append-only adjustment log of every batch quantity change.

KEY CONCEPTS IN THIS FILE (types.go):
  - Product:         A sellable SKU with a fast-read quantity counter
  - StockBatch:      One intake event's remaining stock, cost basis and expiry
  - StockAdjustment: Immutable log entry (old -> new) for a batch
  - Sale / SaleItem: A completed checkout and its priced lines
  - Supplier / Category: Reference rows upserted by name during intake

PRECISION:
  Quantities and money are decimal.Decimal. Quantities carry at most
  QuantityPlaces fractional digits (grams of a kilo, millilitres of a litre).
  Input prices carry at most MoneyPlaces, tax rates at most RatePlaces.
  Computed sale amounts are rounded to MoneyPlaces. Magnitudes stay below
  MaxQuantity / MaxAmount so every store holds them exactly (NUMERIC(18,3),
  NUMERIC(18,2), int64 thousandths).

SEE ALSO:
  - allocator.go: Earliest-expiry-first batch ordering
  - engine.go:    Stock mutations (intake, audit, wastage, divide)
  - checkout.go:  Sale composition and per-line deduction
  - store.go:     Persistence contract
*/
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ProductID     string
	BatchID       string
	AdjustmentID  string
	SaleID        string
	SaleItemID    string
	SupplierID    string
	CategoryID    string
	RestockItemID string
)

func NewProductID() ProductID         { return ProductID(uuid.NewString()) }
func NewBatchID() BatchID             { return BatchID(uuid.NewString()) }
func NewAdjustmentID() AdjustmentID   { return AdjustmentID(uuid.NewString()) }
func NewSaleID() SaleID               { return SaleID(uuid.NewString()) }
func NewSaleItemID() SaleItemID       { return SaleItemID(uuid.NewString()) }
func NewSupplierID() SupplierID       { return SupplierID(uuid.NewString()) }
func NewCategoryID() CategoryID       { return CategoryID(uuid.NewString()) }
func NewRestockItemID() RestockItemID { return RestockItemID(uuid.NewString()) }

// =============================================================================
// PRECISION
// =============================================================================

const (
	QuantityPlaces = 3
	MoneyPlaces    = 2
	RatePlaces     = 4
)

var (
	MaxQuantity = decimal.New(1, 15)
	MaxAmount   = decimal.New(1, 15)
	MaxRate     = decimal.New(1, 5)
)

// DefaultVATRate is applied to sale totals when no rate is configured.
var DefaultVATRate = decimal.RequireFromString("0.15")

// RoundMoney rounds half away from zero to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// =============================================================================
// ADJUSTMENT REASONS
// =============================================================================

const (
	ReasonWastage        = "WASTAGE"
	ReasonInventoryAudit = "Inventory Audit"

	saleReasonPrefix   = "Sale "
	divideReasonPrefix = "Divided into "
)

// SaleReason is the adjustment reason recorded when a sale draws from a batch.
func SaleReason(id SaleID) string { return saleReasonPrefix + string(id) }

// DivideReason is the adjustment reason recorded on the source batch of a divide.
func DivideReason(targetBarcode string) string { return divideReasonPrefix + targetBarcode }

// IsSaleReason reports whether an adjustment reason was written by checkout.
func IsSaleReason(reason string) bool { return strings.HasPrefix(reason, saleReasonPrefix) }

// =============================================================================
// ENTITIES
// =============================================================================

type Supplier struct {
	ID   SupplierID `json:"id"`
	Name string     `json:"name"`
}

type Category struct {
	ID   CategoryID `json:"id"`
	Name string     `json:"name"`
}

// Product is a sellable SKU. Quantity is the denormalized on-hand counter; it
// may go negative when unbatched sales outrun intake.
type Product struct {
	ID            ProductID       `json:"id"`
	Barcode       string          `json:"barcode"`
	Name          string          `json:"name"`
	Unit          string          `json:"unit"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	SellingPrice  decimal.Decimal `json:"sellingPrice"`
	TaxRate       decimal.Decimal `json:"taxRate"`
	Quantity      decimal.Decimal `json:"quantity"`
	CategoryID    *CategoryID     `json:"categoryId,omitempty"`
	SupplierID    *SupplierID     `json:"supplierId,omitempty"`
	// ExpiryDate is the legacy product-level expiry; batches carry the real one.
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// StockBatch is one intake's stock. InitialQuantity and PurchasePrice never
// change after creation; RemainingQuantity stays within [0, InitialQuantity].
type StockBatch struct {
	ID                BatchID         `json:"id"`
	ProductID         ProductID       `json:"productId"`
	SupplierID        *SupplierID     `json:"supplierId,omitempty"`
	InitialQuantity   decimal.Decimal `json:"initialQuantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	PurchasePrice     decimal.Decimal `json:"purchasePrice"`
	ExpiryDate        *time.Time      `json:"expiryDate,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Expired reports whether the batch expiry is strictly before now.
func (b StockBatch) Expired(now time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(now)
}

// StockAdjustment is append-only. Seq is assigned by the store and gives the
// creation order used for replay.
type StockAdjustment struct {
	ID          AdjustmentID    `json:"id"`
	Seq         int64           `json:"seq"`
	BatchID     BatchID         `json:"batchId"`
	OldQuantity decimal.Decimal `json:"oldQuantity"`
	NewQuantity decimal.Decimal `json:"newQuantity"`
	Reason      string          `json:"reason"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Delta is NewQuantity - OldQuantity.
func (a StockAdjustment) Delta() decimal.Decimal {
	return a.NewQuantity.Sub(a.OldQuantity)
}

type Sale struct {
	ID             SaleID          `json:"id"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	PaymentMethod  string          `json:"paymentMethod"`
	VATAmount      decimal.Decimal `json:"vatAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	Items          []SaleItem      `json:"items"`
}

// SaleItem snapshots prices at the moment of sale. OriginalPrice is the
// product's regular selling price, Price is what the customer paid.
type SaleItem struct {
	ID            SaleItemID      `json:"id"`
	SaleID        SaleID          `json:"saleId"`
	ProductID     ProductID       `json:"productId"`
	BatchID       *BatchID        `json:"batchId,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	OriginalPrice decimal.Decimal `json:"originalPrice"`
}

// RestockItem is a line on the shop's need-to-buy list.
type RestockItem struct {
	ID        RestockItemID   `json:"id"`
	ProductID *ProductID      `json:"productId,omitempty"`
	Name      string          `json:"name"`
	Barcode   string          `json:"barcode,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	Bought    bool            `json:"bought"`
	CreatedAt time.Time       `json:"createdAt"`
	BoughtAt  *time.Time      `json:"boughtAt,omitempty"`
}

// =============================================================================
// VIEWS
// =============================================================================

// ProductView is a product joined with its reference rows and batches.
type ProductView struct {
	Product
	Category *Category   `json:"category,omitempty"`
	Supplier *Supplier   `json:"supplier,omitempty"`
	Batches  []StockBatch `json:"batches"`
}

// BatchTotal sums RemainingQuantity over the given batches.
func BatchTotal(batches []StockBatch) decimal.Decimal {
	total := decimal.Zero
	for _, b := range batches {
		total = total.Add(b.RemainingQuantity)
	}
	return total
}
