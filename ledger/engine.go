/*
engine.go - Stock mutation engine

PURPOSE:
  Every operation that changes stock goes through the Engine. Each one runs
  in a single store transaction and either applies all of its writes or none.

OPERATIONS:
  Intake       Create/refresh a product and always add a new batch
  AdjustBatch  Set a batch's remaining quantity and log old -> new
  AuditCorrect AdjustBatch with reason "Inventory Audit"; product untouched
  MarkWastage  Write a batch off to zero and decrement the product
  Divide       Move stock from a batch into another product's new batch
  Checkout     See checkout.go

AUDIT DIVERGENCE:
  AuditCorrect deliberately leaves Product.Quantity alone. After an audit the
  product counter and the batch total can disagree; Reconcile reports the gap
  and nothing here closes it.

LOCKING:
  Product rows first (creation order), then batch rows, then the adjustment
  insert. Every quantity write is a relative delta applied by the store.

USAGE:
  engine := ledger.NewEngine(store, ledger.Config{Logger: logger})
  product, err := engine.Intake(ctx, ledger.IntakeInput{...})
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

// Observer receives operation outcomes. observability.Metrics implements it.
type Observer interface {
	OperationCompleted(op string, elapsed time.Duration, err error)
	StockFloored(productID ProductID, batchID BatchID, shortfall decimal.Decimal)
}

type nopObserver struct{}

func (nopObserver) OperationCompleted(string, time.Duration, error)        {}
func (nopObserver) StockFloored(ProductID, BatchID, decimal.Decimal) {}

type Config struct {
	// VATRate defaults to DefaultVATRate when nil. Zero is a valid rate.
	VATRate  *decimal.Decimal
	Logger   *zerolog.Logger
	Observer Observer
	Now      func() time.Time
}

type Engine struct {
	store   Store
	vatRate decimal.Decimal
	log     zerolog.Logger
	obs     Observer
	now     func() time.Time
}

func NewEngine(store Store, cfg Config) *Engine {
	e := &Engine{
		store:   store,
		vatRate: DefaultVATRate,
		log:     zerolog.Nop(),
		obs:     cfg.Observer,
		now:     cfg.Now,
	}
	if cfg.VATRate != nil {
		e.vatRate = *cfg.VATRate
	}
	if cfg.Logger != nil {
		e.log = cfg.Logger.With().Str("component", "ledger").Logger()
	}
	if e.obs == nil {
		e.obs = nopObserver{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Store exposes the underlying store for read-side collaborators.
func (e *Engine) Store() Store { return e.store }

// VATRate is the rate applied at checkout.
func (e *Engine) VATRate() decimal.Decimal { return e.vatRate }

func (e *Engine) run(ctx context.Context, op string, fn func(Tx) error) error {
	start := time.Now()
	err := e.store.WithTx(ctx, fn)
	e.obs.OperationCompleted(op, time.Since(start), err)
	if err != nil {
		e.log.Debug().Err(err).Str("op", op).Msg("operation failed")
	}
	return err
}

// =============================================================================
// VALIDATION
// =============================================================================

func checkQuantity(field string, q decimal.Decimal, allowZero bool) error {
	switch {
	case q.IsNegative():
		return invalid(field, "must not be negative")
	case q.IsZero() && !allowZero:
		return invalid(field, "must be positive")
	case !q.Equal(q.Round(QuantityPlaces)):
		return invalid(field, "at most 3 decimal places")
	case q.GreaterThanOrEqual(MaxQuantity):
		return invalid(field, "too large")
	}
	return nil
}

// checkCounter bounds a running product counter, which may be negative.
func checkCounter(field string, q decimal.Decimal) error {
	if q.Abs().GreaterThanOrEqual(MaxQuantity) {
		return invalid(field, "resulting product quantity too large")
	}
	return nil
}

func checkPrice(field string, p decimal.Decimal) error {
	switch {
	case p.IsNegative():
		return invalid(field, "must not be negative")
	case !p.Equal(p.Round(MoneyPlaces)):
		return invalid(field, "at most 2 decimal places")
	case p.GreaterThanOrEqual(MaxAmount):
		return invalid(field, "too large")
	}
	return nil
}

func checkRate(field string, r decimal.Decimal) error {
	switch {
	case r.IsNegative():
		return invalid(field, "must not be negative")
	case !r.Equal(r.Round(RatePlaces)):
		return invalid(field, "at most 4 decimal places")
	case r.GreaterThanOrEqual(MaxRate):
		return invalid(field, "too large")
	}
	return nil
}

// =============================================================================
// INTAKE
// =============================================================================

type IntakeInput struct {
	Barcode       string
	Name          string
	Unit          string
	PurchasePrice decimal.Decimal
	SellingPrice  decimal.Decimal
	// TaxRate is left unchanged on an existing product when nil.
	TaxRate       *decimal.Decimal
	Quantity      decimal.Decimal
	ExpiryDate    *time.Time

	// Names are upserted. IDs must already exist.
	SupplierName string
	CategoryName string
	SupplierID   *SupplierID
	CategoryID   *CategoryID
}

func (in IntakeInput) validate() error {
	if strings.TrimSpace(in.Barcode) == "" {
		return invalid("barcode", "must not be empty")
	}
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if err := checkQuantity("quantity", in.Quantity, false); err != nil {
		return err
	}
	if err := checkPrice("purchasePrice", in.PurchasePrice); err != nil {
		return err
	}
	if err := checkPrice("sellingPrice", in.SellingPrice); err != nil {
		return err
	}
	if in.TaxRate != nil {
		return checkRate("taxRate", *in.TaxRate)
	}
	return nil
}

// Intake records a purchase. A new barcode creates the product; a known one
// gets its name, unit and prices overwritten and its quantity incremented.
// Supplier, category, expiry and tax rate are only replaced when the input
// carries them, so an intake that omits them keeps the product's current
// values. A new batch is always created. No adjustment is logged.
func (e *Engine) Intake(ctx context.Context, in IntakeInput) (Product, error) {
	if err := in.validate(); err != nil {
		return Product{}, err
	}
	barcode := strings.TrimSpace(in.Barcode)
	unit := strings.TrimSpace(in.Unit)
	if unit == "" {
		unit = "pcs"
	}

	var result Product
	err := e.run(ctx, "intake", func(tx Tx) error {
		supplierID, categoryID, err := resolveRefs(ctx, tx, in)
		if err != nil {
			return err
		}
		now := e.now()

		existing, err := tx.ProductByBarcode(ctx, barcode)
		switch {
		case err == nil:
			locked, err := tx.LockProducts(ctx, existing.ID)
			if err != nil {
				return err
			}
			p := locked[0]
			p.Name = strings.TrimSpace(in.Name)
			p.Unit = unit
			p.PurchasePrice = in.PurchasePrice
			p.SellingPrice = in.SellingPrice
			if in.TaxRate != nil {
				p.TaxRate = *in.TaxRate
			}
			if supplierID != nil {
				p.SupplierID = supplierID
			}
			if categoryID != nil {
				p.CategoryID = categoryID
			}
			if in.ExpiryDate != nil {
				p.ExpiryDate = in.ExpiryDate
			}
			p.UpdatedAt = now
			if err := checkCounter("quantity", p.Quantity.Add(in.Quantity)); err != nil {
				return err
			}
			if err := tx.UpdateProductDetails(ctx, p); err != nil {
				return err
			}
			if err := tx.AddProductQuantity(ctx, p.ID, in.Quantity); err != nil {
				return err
			}
			result = p
		case IsNotFound(err):
			p := Product{
				ID:            NewProductID(),
				Barcode:       barcode,
				Name:          strings.TrimSpace(in.Name),
				Unit:          unit,
				PurchasePrice: in.PurchasePrice,
				SellingPrice:  in.SellingPrice,
				Quantity:      in.Quantity,
				CategoryID:    categoryID,
				SupplierID:    supplierID,
				ExpiryDate:    in.ExpiryDate,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if in.TaxRate != nil {
				p.TaxRate = *in.TaxRate
			}
			if err := tx.CreateProduct(ctx, p); err != nil {
				return err
			}
			result = p
		default:
			return err
		}

		batch := StockBatch{
			ID:                NewBatchID(),
			ProductID:         result.ID,
			SupplierID:        supplierID,
			InitialQuantity:   in.Quantity,
			RemainingQuantity: in.Quantity,
			PurchasePrice:     in.PurchasePrice,
			ExpiryDate:        in.ExpiryDate,
			CreatedAt:         now,
		}
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}

		result, err = tx.ProductByID(ctx, result.ID)
		if err != nil {
			return err
		}
		e.log.Debug().
			Str("product_id", string(result.ID)).
			Str("batch_id", string(batch.ID)).
			Stringer("quantity", in.Quantity).
			Msg("intake recorded")
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return result, nil
}

func resolveRefs(ctx context.Context, tx Tx, in IntakeInput) (*SupplierID, *CategoryID, error) {
	var supplierID *SupplierID
	var categoryID *CategoryID

	switch {
	case in.SupplierID != nil:
		s, err := tx.SupplierByID(ctx, *in.SupplierID)
		if err != nil {
			return nil, nil, err
		}
		supplierID = &s.ID
	case strings.TrimSpace(in.SupplierName) != "":
		s, err := tx.UpsertSupplier(ctx, strings.TrimSpace(in.SupplierName))
		if err != nil {
			return nil, nil, err
		}
		supplierID = &s.ID
	}

	switch {
	case in.CategoryID != nil:
		c, err := tx.CategoryByID(ctx, *in.CategoryID)
		if err != nil {
			return nil, nil, err
		}
		categoryID = &c.ID
	case strings.TrimSpace(in.CategoryName) != "":
		c, err := tx.UpsertCategory(ctx, strings.TrimSpace(in.CategoryName))
		if err != nil {
			return nil, nil, err
		}
		categoryID = &c.ID
	}
	return supplierID, categoryID, nil
}

// =============================================================================
// BATCH CORRECTIONS
// =============================================================================

// lockBatchWithProduct reads the batch to find its owner, then takes the
// product lock before the batch lock.
func lockBatchWithProduct(ctx context.Context, tx Tx, id BatchID) (Product, StockBatch, error) {
	peek, err := tx.BatchByID(ctx, id)
	if err != nil {
		return Product{}, StockBatch{}, err
	}
	products, err := tx.LockProducts(ctx, peek.ProductID)
	if err != nil {
		return Product{}, StockBatch{}, err
	}
	batch, err := tx.LockBatch(ctx, id)
	if err != nil {
		return Product{}, StockBatch{}, err
	}
	return products[0], batch, nil
}

// AuditCorrect sets a batch to its physically counted quantity. The product
// counter is intentionally not touched.
func (e *Engine) AuditCorrect(ctx context.Context, batchID BatchID, newQuantity decimal.Decimal) (StockAdjustment, error) {
	return e.AdjustBatch(ctx, batchID, newQuantity, ReasonInventoryAudit)
}

// AdjustBatch sets RemainingQuantity to newQuantity and logs the change. For
// every reason except "Inventory Audit" the product counter moves by the
// same difference.
func (e *Engine) AdjustBatch(ctx context.Context, batchID BatchID, newQuantity decimal.Decimal, reason string) (StockAdjustment, error) {
	if err := checkQuantity("newQuantity", newQuantity, true); err != nil {
		return StockAdjustment{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return StockAdjustment{}, invalid("reason", "must not be empty")
	}

	var adj StockAdjustment
	err := e.run(ctx, "adjust_batch", func(tx Tx) error {
		product, batch, err := lockBatchWithProduct(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if newQuantity.GreaterThan(batch.InitialQuantity) {
			return invalid("newQuantity", "exceeds the batch's initial quantity "+batch.InitialQuantity.String())
		}

		diff := newQuantity.Sub(batch.RemainingQuantity)
		if !diff.IsZero() {
			if err := tx.AddBatchRemaining(ctx, batch.ID, diff); err != nil {
				return err
			}
		}
		if reason != ReasonInventoryAudit && !diff.IsZero() {
			if err := tx.AddProductQuantity(ctx, product.ID, diff); err != nil {
				return err
			}
		}

		adj, err = tx.InsertAdjustment(ctx, StockAdjustment{
			ID:          NewAdjustmentID(),
			BatchID:     batch.ID,
			OldQuantity: batch.RemainingQuantity,
			NewQuantity: newQuantity,
			Reason:      reason,
			CreatedAt:   e.now(),
		})
		if err != nil {
			return err
		}
		e.log.Debug().
			Str("batch_id", string(batch.ID)).
			Stringer("old", batch.RemainingQuantity).
			Stringer("new", newQuantity).
			Str("reason", reason).
			Msg("batch adjusted")
		return nil
	})
	if err != nil {
		return StockAdjustment{}, err
	}
	return adj, nil
}

// =============================================================================
// WASTAGE
// =============================================================================

type WastageResult struct {
	BatchID            BatchID         `json:"batchId"`
	ProductID          ProductID       `json:"productId"`
	QuantityWrittenOff decimal.Decimal `json:"quantityWrittenOff"`
	Adjustment         StockAdjustment `json:"adjustment"`
}

// MarkWastage writes the batch off. Calling it on an empty batch logs a
// 0 -> 0 adjustment and leaves the product unchanged.
func (e *Engine) MarkWastage(ctx context.Context, batchID BatchID) (WastageResult, error) {
	var res WastageResult
	err := e.run(ctx, "mark_wastage", func(tx Tx) error {
		product, batch, err := lockBatchWithProduct(ctx, tx, batchID)
		if err != nil {
			return err
		}
		qty := batch.RemainingQuantity

		adj, err := tx.InsertAdjustment(ctx, StockAdjustment{
			ID:          NewAdjustmentID(),
			BatchID:     batch.ID,
			OldQuantity: qty,
			NewQuantity: decimal.Zero,
			Reason:      ReasonWastage,
			CreatedAt:   e.now(),
		})
		if err != nil {
			return err
		}
		if !qty.IsZero() {
			if err := tx.AddBatchRemaining(ctx, batch.ID, qty.Neg()); err != nil {
				return err
			}
			if err := tx.AddProductQuantity(ctx, product.ID, qty.Neg()); err != nil {
				return err
			}
		}

		res = WastageResult{
			BatchID:            batch.ID,
			ProductID:          product.ID,
			QuantityWrittenOff: qty,
			Adjustment:         adj,
		}
		e.log.Debug().
			Str("batch_id", string(batch.ID)).
			Stringer("quantity", qty).
			Msg("batch written off")
		return nil
	})
	if err != nil {
		return WastageResult{}, err
	}
	return res, nil
}

// =============================================================================
// DIVIDE / TRANSFER
// =============================================================================

type DivideInput struct {
	SourceBatchID BatchID
	Quantity      decimal.Decimal
	TargetBarcode string
	// TargetName and TargetPrice are used only when the target product is created.
	TargetName  string
	TargetPrice decimal.Decimal
}

type DivideResult struct {
	SourceBatch   StockBatch      `json:"sourceBatch"`
	TargetProduct Product         `json:"targetProduct"`
	TargetBatch   StockBatch      `json:"targetBatch"`
	Adjustment    StockAdjustment `json:"adjustment"`
	CreatedTarget bool            `json:"createdTarget"`
}

// Divide repackages stock: quantity leaves the source batch and its product
// and lands in a new batch of the target product, keeping the source batch's
// cost and expiry.
func (e *Engine) Divide(ctx context.Context, in DivideInput) (DivideResult, error) {
	if err := checkQuantity("quantity", in.Quantity, false); err != nil {
		return DivideResult{}, err
	}
	targetBarcode := strings.TrimSpace(in.TargetBarcode)
	if targetBarcode == "" {
		return DivideResult{}, invalid("targetBarcode", "must not be empty")
	}
	if err := checkPrice("targetPrice", in.TargetPrice); err != nil {
		return DivideResult{}, err
	}

	var res DivideResult
	err := e.run(ctx, "divide", func(tx Tx) error {
		peek, err := tx.BatchByID(ctx, in.SourceBatchID)
		if err != nil {
			return err
		}

		ids := []ProductID{peek.ProductID}
		target, err := tx.ProductByBarcode(ctx, targetBarcode)
		targetExists := err == nil
		switch {
		case targetExists:
			if target.ID == peek.ProductID {
				return invalid("targetBarcode", "must differ from the source product's barcode")
			}
			ids = append(ids, target.ID)
		case !IsNotFound(err):
			return err
		}

		locked, err := tx.LockProducts(ctx, ids...)
		if err != nil {
			return err
		}
		var source Product
		for _, p := range locked {
			if p.ID == peek.ProductID {
				source = p
			} else {
				target = p
			}
		}

		batch, err := tx.LockBatch(ctx, in.SourceBatchID)
		if err != nil {
			return err
		}
		if in.Quantity.GreaterThan(batch.RemainingQuantity) {
			return &InsufficientStockError{
				BatchID:   batch.ID,
				Available: batch.RemainingQuantity,
				Requested: in.Quantity,
			}
		}
		now := e.now()

		if !targetExists {
			if strings.TrimSpace(in.TargetName) == "" {
				return invalid("targetName", "required when the target product does not exist")
			}
			target = Product{
				ID:            NewProductID(),
				Barcode:       targetBarcode,
				Name:          strings.TrimSpace(in.TargetName),
				Unit:          "pcs",
				PurchasePrice: batch.PurchasePrice,
				SellingPrice:  in.TargetPrice,
				TaxRate:       source.TaxRate,
				Quantity:      decimal.Zero,
				CategoryID:    source.CategoryID,
				SupplierID:    batch.SupplierID,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreateProduct(ctx, target); err != nil {
				return err
			}
		}

		if err := tx.AddBatchRemaining(ctx, batch.ID, in.Quantity.Neg()); err != nil {
			return err
		}
		if err := tx.AddProductQuantity(ctx, source.ID, in.Quantity.Neg()); err != nil {
			return err
		}
		if err := checkCounter("quantity", target.Quantity.Add(in.Quantity)); err != nil {
			return err
		}
		if err := tx.AddProductQuantity(ctx, target.ID, in.Quantity); err != nil {
			return err
		}

		targetBatch := StockBatch{
			ID:                NewBatchID(),
			ProductID:         target.ID,
			SupplierID:        batch.SupplierID,
			InitialQuantity:   in.Quantity,
			RemainingQuantity: in.Quantity,
			PurchasePrice:     batch.PurchasePrice,
			ExpiryDate:        batch.ExpiryDate,
			CreatedAt:         now,
		}
		if err := tx.CreateBatch(ctx, targetBatch); err != nil {
			return err
		}

		adj, err := tx.InsertAdjustment(ctx, StockAdjustment{
			ID:          NewAdjustmentID(),
			BatchID:     batch.ID,
			OldQuantity: batch.RemainingQuantity,
			NewQuantity: batch.RemainingQuantity.Sub(in.Quantity),
			Reason:      DivideReason(targetBarcode),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		if res.SourceBatch, err = tx.BatchByID(ctx, batch.ID); err != nil {
			return err
		}
		if res.TargetProduct, err = tx.ProductByID(ctx, target.ID); err != nil {
			return err
		}
		res.TargetBatch = targetBatch
		res.Adjustment = adj
		res.CreatedTarget = !targetExists

		e.log.Debug().
			Str("source_batch_id", string(batch.ID)).
			Str("target_product_id", string(target.ID)).
			Stringer("quantity", in.Quantity).
			Msg("stock divided")
		return nil
	})
	if err != nil {
		return DivideResult{}, err
	}
	return res, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

// ProductView loads a product with its category, supplier and batches. Batches
// are in draw order; with allBatches the empty ones follow in creation order.
func (e *Engine) ProductView(ctx context.Context, id ProductID, allBatches bool) (ProductView, error) {
	p, err := e.store.ProductByID(ctx, id)
	if err != nil {
		return ProductView{}, err
	}
	return e.view(ctx, p, allBatches)
}

func (e *Engine) ProductViewByBarcode(ctx context.Context, barcode string, allBatches bool) (ProductView, error) {
	if strings.TrimSpace(barcode) == "" {
		return ProductView{}, invalid("barcode", "must not be empty")
	}
	p, err := e.store.ProductByBarcode(ctx, strings.TrimSpace(barcode))
	if err != nil {
		return ProductView{}, err
	}
	return e.view(ctx, p, allBatches)
}

func (e *Engine) view(ctx context.Context, p Product, allBatches bool) (ProductView, error) {
	v := ProductView{Product: p}
	if p.CategoryID != nil {
		c, err := e.store.CategoryByID(ctx, *p.CategoryID)
		if err != nil {
			return ProductView{}, err
		}
		v.Category = &c
	}
	if p.SupplierID != nil {
		s, err := e.store.SupplierByID(ctx, *p.SupplierID)
		if err != nil {
			return ProductView{}, err
		}
		v.Supplier = &s
	}
	batches, err := e.store.BatchesByProduct(ctx, p.ID)
	if err != nil {
		return ProductView{}, err
	}
	v.Batches = OrderByExpiry(batches)
	if allBatches {
		for _, b := range batches {
			if !b.RemainingQuantity.IsPositive() {
				v.Batches = append(v.Batches, b)
			}
		}
	}
	return v, nil
}

// SuggestBatches plans an earliest-expiry-first draw for qty units of the product.
func (e *Engine) SuggestBatches(ctx context.Context, id ProductID, qty decimal.Decimal) (Allocation, error) {
	if err := checkQuantity("quantity", qty, false); err != nil {
		return Allocation{}, err
	}
	if _, err := e.store.ProductByID(ctx, id); err != nil {
		return Allocation{}, err
	}
	batches, err := e.store.BatchesByProduct(ctx, id)
	if err != nil {
		return Allocation{}, err
	}
	return Plan(batches, qty), nil
}

// Adjustments returns a batch's log in creation order.
func (e *Engine) Adjustments(ctx context.Context, id BatchID) ([]StockAdjustment, error) {
	if _, err := e.store.BatchByID(ctx, id); err != nil {
		return nil, err
	}
	return e.store.AdjustmentsByBatch(ctx, id)
}
