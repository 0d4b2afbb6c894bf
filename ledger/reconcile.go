package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// BatchReplay compares a batch's remaining quantity with what its adjustment
// log reconstructs.
type BatchReplay struct {
	BatchID     BatchID         `json:"batchId"`
	Remaining   decimal.Decimal `json:"remaining"`
	Replayed    decimal.Decimal `json:"replayed"`
	Adjustments int             `json:"adjustments"`
	Consistent  bool            `json:"consistent"`
}

// Reconciliation reports how far a product's counter is from its batches.
// Divergence is ProductQuantity - BatchTotal; audits and unbatched sales
// both produce it legitimately.
type Reconciliation struct {
	ProductID       ProductID       `json:"productId"`
	ProductQuantity decimal.Decimal `json:"productQuantity"`
	BatchTotal      decimal.Decimal `json:"batchTotal"`
	Divergence      decimal.Decimal `json:"divergence"`
	Batches         []BatchReplay   `json:"batches"`
}

func (r Reconciliation) InSync() bool {
	return r.Divergence.IsZero()
}

// ReplayConsistent reports whether every batch log reconstructs its batch.
func (r Reconciliation) ReplayConsistent() bool {
	for _, b := range r.Batches {
		if !b.Consistent {
			return false
		}
	}
	return true
}

// ReplayAdjustments rebuilds a batch's remaining quantity from its initial
// quantity and its log in Seq order. ok is false when an entry's
// OldQuantity does not match the running value.
func ReplayAdjustments(initial decimal.Decimal, log []StockAdjustment) (decimal.Decimal, bool) {
	current := initial
	ok := true
	for _, a := range log {
		if !a.OldQuantity.Equal(current) {
			ok = false
		}
		current = a.NewQuantity
	}
	return current, ok
}

// Reconcile reads a product and its batches and reports, without fixing,
// any divergence.
func (e *Engine) Reconcile(ctx context.Context, id ProductID) (Reconciliation, error) {
	p, err := e.store.ProductByID(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	batches, err := e.store.BatchesByProduct(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}

	rec := Reconciliation{
		ProductID:       p.ID,
		ProductQuantity: p.Quantity,
		BatchTotal:      BatchTotal(batches),
		Batches:         make([]BatchReplay, 0, len(batches)),
	}
	rec.Divergence = rec.ProductQuantity.Sub(rec.BatchTotal)

	for _, b := range batches {
		log, err := e.store.AdjustmentsByBatch(ctx, b.ID)
		if err != nil {
			return Reconciliation{}, err
		}
		replayed, ok := ReplayAdjustments(b.InitialQuantity, log)
		rec.Batches = append(rec.Batches, BatchReplay{
			BatchID:     b.ID,
			Remaining:   b.RemainingQuantity,
			Replayed:    replayed,
			Adjustments: len(log),
			Consistent:  ok && replayed.Equal(b.RemainingQuantity),
		})
	}
	return rec, nil
}
