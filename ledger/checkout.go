/*
checkout.go - Sale transaction builder

PURPOSE:
  Turns a cart and a payment method into one persisted Sale. Sale, items and
  every stock decrement commit together or not at all.

PRICING:
  total    = sum(unitPrice * quantity)
  discount = sum(max(0, regularPrice - unitPrice) * quantity)
  vat      = total * VATRate
  All three are rounded to MoneyPlaces. regularPrice is the product's
  SellingPrice read under lock, and is what SaleItem.OriginalPrice records.

DEDUCTION:
  The product counter always drops by the line quantity. A line pinned to a
  batch also drops that batch, floored at zero, and logs an adjustment with
  reason "Sale <id>". A floor event is never an error: once the sale commits
  it is logged at WARN and reported to the Observer. Unpinned lines leave
  batches alone.

IDEMPOTENCY:
  A checkout with an IdempotencyKey that already committed returns the
  stored sale instead of writing a second one.
*/
package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CartLine struct {
	ProductID ProductID
	BatchID   *BatchID
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	// PurchasePrice defaults to the batch's cost, then the product's.
	PurchasePrice *decimal.Decimal
}

type CheckoutInput struct {
	Lines          []CartLine
	PaymentMethod  string
	IdempotencyKey string
}

type Receipt struct {
	SaleID      SaleID          `json:"saleId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CreatedAt   time.Time       `json:"createdAt"`
	Sale        Sale            `json:"sale"`
	// Replayed is set when the idempotency key matched an earlier sale.
	Replayed bool `json:"replayed"`
}

func receiptFor(s Sale, replayed bool) Receipt {
	return Receipt{SaleID: s.ID, TotalAmount: s.TotalAmount, CreatedAt: s.CreatedAt, Sale: s, Replayed: replayed}
}

func (in CheckoutInput) validate() error {
	if len(in.Lines) == 0 {
		return invalid("lines", "cart is empty")
	}
	if strings.TrimSpace(in.PaymentMethod) == "" {
		return invalid("paymentMethod", "must not be empty")
	}
	for _, l := range in.Lines {
		if l.ProductID == "" {
			return invalid("productId", "must not be empty")
		}
		if err := checkQuantity("quantity", l.Quantity, false); err != nil {
			return err
		}
		if err := checkPrice("unitPrice", l.UnitPrice); err != nil {
			return err
		}
		if l.PurchasePrice != nil {
			if err := checkPrice("purchasePrice", *l.PurchasePrice); err != nil {
				return err
			}
		}
	}
	return nil
}

// Checkout persists the sale and applies every line's stock decrement.
func (e *Engine) Checkout(ctx context.Context, in CheckoutInput) (Receipt, error) {
	if err := in.validate(); err != nil {
		return Receipt{}, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)

	var (
		receipt Receipt
		floored []floorEvent
	)
	err := e.run(ctx, "checkout", func(tx Tx) error {
		floored = floored[:0]
		if key != "" {
			prior, err := tx.SaleByIdempotencyKey(ctx, key)
			if err == nil {
				receipt = receiptFor(prior, true)
				return nil
			}
			if !IsNotFound(err) {
				return err
			}
		}

		products, err := lockCartProducts(ctx, tx, in.Lines)
		if err != nil {
			return err
		}
		batches, err := lockCartBatches(ctx, tx, in.Lines)
		if err != nil {
			return err
		}

		now := e.now()
		sale := Sale{
			ID:             NewSaleID(),
			PaymentMethod:  strings.TrimSpace(in.PaymentMethod),
			IdempotencyKey: key,
			CreatedAt:      now,
			Items:          make([]SaleItem, 0, len(in.Lines)),
		}

		total, discount := decimal.Zero, decimal.Zero
		counters := make(map[ProductID]decimal.Decimal, len(products))
		for _, line := range in.Lines {
			product := products[line.ProductID]
			counter, ok := counters[product.ID]
			if !ok {
				counter = product.Quantity
			}
			counters[product.ID] = counter.Sub(line.Quantity)
			if err := checkCounter("quantity", counters[product.ID]); err != nil {
				return err
			}
			total = total.Add(line.UnitPrice.Mul(line.Quantity))
			if product.SellingPrice.GreaterThan(line.UnitPrice) {
				discount = discount.Add(product.SellingPrice.Sub(line.UnitPrice).Mul(line.Quantity))
			}

			item := SaleItem{
				ID:            NewSaleItemID(),
				SaleID:        sale.ID,
				ProductID:     product.ID,
				BatchID:       line.BatchID,
				Quantity:      line.Quantity,
				Price:         line.UnitPrice,
				PurchasePrice: product.PurchasePrice,
				OriginalPrice: product.SellingPrice,
			}
			if line.BatchID != nil {
				item.PurchasePrice = batches[*line.BatchID].PurchasePrice
			}
			if line.PurchasePrice != nil {
				item.PurchasePrice = *line.PurchasePrice
			}
			sale.Items = append(sale.Items, item)
		}
		if total.GreaterThanOrEqual(MaxAmount) || discount.GreaterThanOrEqual(MaxAmount) {
			return invalid("lines", "sale total too large")
		}
		sale.TotalAmount = RoundMoney(total)
		sale.DiscountAmount = RoundMoney(discount)
		sale.VATAmount = RoundMoney(total.Mul(e.vatRate))

		if err := tx.CreateSale(ctx, sale); err != nil {
			return err
		}
		for _, line := range in.Lines {
			ev, err := e.deductLine(ctx, tx, sale.ID, line, batches)
			if err != nil {
				return err
			}
			if ev != nil {
				floored = append(floored, *ev)
			}
		}

		receipt = receiptFor(sale, false)
		e.log.Debug().
			Str("sale_id", string(sale.ID)).
			Int("lines", len(sale.Items)).
			Stringer("total", sale.TotalAmount).
			Msg("sale recorded")
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	for _, ev := range floored {
		e.log.Warn().
			Str("sale_id", string(receipt.SaleID)).
			Str("product_id", string(ev.productID)).
			Str("batch_id", string(ev.batchID)).
			Stringer("requested", ev.requested).
			Stringer("available", ev.available).
			Msg("stock floor applied")
		e.obs.StockFloored(ev.productID, ev.batchID, ev.requested.Sub(ev.available))
	}
	return receipt, nil
}

// floorEvent is a pinned line that asked for more than its batch held.
type floorEvent struct {
	productID ProductID
	batchID   BatchID
	requested decimal.Decimal
	available decimal.Decimal
}

// deductLine applies one cart line. batches holds the in-transaction view of
// every pinned batch and is updated so repeated lines see earlier draws.
func (e *Engine) deductLine(ctx context.Context, tx Tx, saleID SaleID, line CartLine, batches map[BatchID]StockBatch) (*floorEvent, error) {
	var ev *floorEvent
	if line.BatchID != nil {
		batch := batches[*line.BatchID]
		available := batch.RemainingQuantity
		next := decimal.Max(decimal.Zero, available.Sub(line.Quantity))

		if line.Quantity.GreaterThan(available) {
			ev = &floorEvent{
				productID: line.ProductID,
				batchID:   batch.ID,
				requested: line.Quantity,
				available: available,
			}
		}

		if err := tx.DeductBatchFloored(ctx, batch.ID, line.Quantity); err != nil {
			return nil, err
		}
		if _, err := tx.InsertAdjustment(ctx, StockAdjustment{
			ID:          NewAdjustmentID(),
			BatchID:     batch.ID,
			OldQuantity: available,
			NewQuantity: next,
			Reason:      SaleReason(saleID),
			CreatedAt:   e.now(),
		}); err != nil {
			return nil, err
		}
		batch.RemainingQuantity = next
		batches[batch.ID] = batch
	}
	return ev, tx.AddProductQuantity(ctx, line.ProductID, line.Quantity.Neg())
}

func lockCartProducts(ctx context.Context, tx Tx, lines []CartLine) (map[ProductID]Product, error) {
	ids := make([]ProductID, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	locked, err := tx.LockProducts(ctx, ids...)
	if err != nil {
		return nil, err
	}
	out := make(map[ProductID]Product, len(locked))
	for _, p := range locked {
		out[p.ID] = p
	}
	return out, nil
}

// lockCartBatches locks every pinned batch in creation order after checking
// it belongs to the line's product.
func lockCartBatches(ctx context.Context, tx Tx, lines []CartLine) (map[BatchID]StockBatch, error) {
	seen := make(map[BatchID]StockBatch)
	for _, l := range lines {
		if l.BatchID == nil {
			continue
		}
		b, ok := seen[*l.BatchID]
		if !ok {
			var err error
			if b, err = tx.BatchByID(ctx, *l.BatchID); err != nil {
				return nil, err
			}
			seen[b.ID] = b
		}
		if b.ProductID != l.ProductID {
			return nil, invalid("batchId", "batch "+string(b.ID)+" does not belong to product "+string(l.ProductID))
		}
	}

	order := make([]StockBatch, 0, len(seen))
	for _, b := range seen {
		order = append(order, b)
	}
	sort.Slice(order, func(i, j int) bool {
		if !order[i].CreatedAt.Equal(order[j].CreatedAt) {
			return order[i].CreatedAt.Before(order[j].CreatedAt)
		}
		return order[i].ID < order[j].ID
	})

	locked := make(map[BatchID]StockBatch, len(order))
	for _, b := range order {
		lb, err := tx.LockBatch(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		locked[lb.ID] = lb
	}
	return locked, nil
}

// Sale looks up a committed sale with its items.
func (e *Engine) Sale(ctx context.Context, id SaleID) (Sale, error) {
	return e.store.SaleByID(ctx, id)
}
