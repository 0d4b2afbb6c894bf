package ledger

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// RestockInput adds a line to the need-to-buy list. When ProductID is set the
// name, barcode and unit default to the product's.
type RestockInput struct {
	ProductID *ProductID
	Name      string
	Barcode   string
	Quantity  decimal.Decimal
	Unit      string
}

func (e *Engine) restockStore() (RestockStore, error) {
	rs, ok := e.store.(RestockStore)
	if !ok {
		return nil, ErrStoreRequired
	}
	return rs, nil
}

func (e *Engine) AddRestockItem(ctx context.Context, in RestockInput) (RestockItem, error) {
	rs, err := e.restockStore()
	if err != nil {
		return RestockItem{}, err
	}
	if err := checkQuantity("quantity", in.Quantity, false); err != nil {
		return RestockItem{}, err
	}

	item := RestockItem{
		ID:        NewRestockItemID(),
		ProductID: in.ProductID,
		Name:      strings.TrimSpace(in.Name),
		Barcode:   strings.TrimSpace(in.Barcode),
		Quantity:  in.Quantity,
		Unit:      strings.TrimSpace(in.Unit),
		CreatedAt: e.now(),
	}
	if in.ProductID != nil {
		p, err := e.store.ProductByID(ctx, *in.ProductID)
		if err != nil {
			return RestockItem{}, err
		}
		if item.Name == "" {
			item.Name = p.Name
		}
		if item.Barcode == "" {
			item.Barcode = p.Barcode
		}
		if item.Unit == "" {
			item.Unit = p.Unit
		}
	}
	if item.Name == "" {
		return RestockItem{}, invalid("name", "must not be empty")
	}
	if item.Unit == "" {
		item.Unit = "pcs"
	}

	if err := rs.AddRestockItem(ctx, item); err != nil {
		return RestockItem{}, err
	}
	return item, nil
}

func (e *Engine) RestockItems(ctx context.Context, includeBought bool) ([]RestockItem, error) {
	rs, err := e.restockStore()
	if err != nil {
		return nil, err
	}
	return rs.ListRestockItems(ctx, includeBought)
}

func (e *Engine) MarkRestockBought(ctx context.Context, id RestockItemID) (RestockItem, error) {
	rs, err := e.restockStore()
	if err != nil {
		return RestockItem{}, err
	}
	return rs.MarkRestockBought(ctx, id)
}

func (e *Engine) RemoveRestockItem(ctx context.Context, id RestockItemID) error {
	rs, err := e.restockStore()
	if err != nil {
		return err
	}
	return rs.DeleteRestockItem(ctx, id)
}
