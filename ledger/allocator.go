/*
allocator.go - Earliest-expiry-first batch selection

PURPOSE:
  Pure logic that decides which batches a stock-reducing operation should
  draw from when the operator has not pinned one. No state is touched.

ORDERING:
  1. Only batches with RemainingQuantity > 0 are eligible
  2. Earliest ExpiryDate first; batches without expiry sort last
  3. Ties broken by CreatedAt, then ID, so the order is deterministic

SUFFICIENCY:
  Plan never fails. It returns the draws it could make plus the Shortfall;
  deciding whether a shortfall is acceptable is the caller's job.
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// OrderByExpiry returns the eligible batches in draw order. The input slice
// is not modified.
func OrderByExpiry(batches []StockBatch) []StockBatch {
	eligible := make([]StockBatch, 0, len(batches))
	for _, b := range batches {
		if b.RemainingQuantity.IsPositive() {
			eligible = append(eligible, b)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return drawsBefore(eligible[i], eligible[j])
	})
	return eligible
}

func drawsBefore(a, b StockBatch) bool {
	switch {
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Draw is one batch's share of an allocation.
type Draw struct {
	BatchID    BatchID         `json:"batchId"`
	Quantity   decimal.Decimal `json:"quantity"`
	Available  decimal.Decimal `json:"available"`
	ExpiryDate *time.Time      `json:"expiryDate,omitempty"`
}

// Allocation is the result of Plan.
type Allocation struct {
	Requested decimal.Decimal `json:"requested"`
	Draws     []Draw          `json:"draws"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

// Sufficient reports whether the eligible batches cover the request.
func (a Allocation) Sufficient() bool {
	return !a.Shortfall.IsPositive()
}

// Plan walks the batches in expiry order and takes from each until qty is covered.
func Plan(batches []StockBatch, qty decimal.Decimal) Allocation {
	alloc := Allocation{Requested: qty, Draws: []Draw{}, Shortfall: decimal.Zero}
	need := qty
	for _, b := range OrderByExpiry(batches) {
		if !need.IsPositive() {
			break
		}
		take := decimal.Min(need, b.RemainingQuantity)
		alloc.Draws = append(alloc.Draws, Draw{
			BatchID:    b.ID,
			Quantity:   take,
			Available:  b.RemainingQuantity,
			ExpiryDate: b.ExpiryDate,
		})
		need = need.Sub(take)
	}
	if need.IsPositive() {
		alloc.Shortfall = need
	}
	return alloc
}
