// Package store provides the in-memory ledger.Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all rows in maps. WithTx holds the write lock for the whole
// transaction and works on a copy, so a failed transaction leaves nothing
// behind and transactions never interleave.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	products    map[ledger.ProductID]ledger.Product
	batches     map[ledger.BatchID]ledger.StockBatch
	adjustments map[ledger.BatchID][]ledger.StockAdjustment
	sales       map[ledger.SaleID]ledger.Sale
	suppliers   map[ledger.SupplierID]ledger.Supplier
	categories  map[ledger.CategoryID]ledger.Category
	restock     map[ledger.RestockItemID]ledger.RestockItem
	seq         int64
}

func newState() *state {
	return &state{
		products:    make(map[ledger.ProductID]ledger.Product),
		batches:     make(map[ledger.BatchID]ledger.StockBatch),
		adjustments: make(map[ledger.BatchID][]ledger.StockAdjustment),
		sales:       make(map[ledger.SaleID]ledger.Sale),
		suppliers:   make(map[ledger.SupplierID]ledger.Supplier),
		categories:  make(map[ledger.CategoryID]ledger.Category),
		restock:     make(map[ledger.RestockItemID]ledger.RestockItem),
	}
}

// clone copies the maps. Row values are structs, so the copy is independent
// except for the Items slices of sales, which are never mutated.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.adjustments {
		c.adjustments[k] = append([]ledger.StockAdjustment(nil), v...)
	}
	for k, v := range s.sales {
		c.sales[k] = v
	}
	for k, v := range s.suppliers {
		c.suppliers[k] = v
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	for k, v := range s.restock {
		c.restock[k] = v
	}
	c.seq = s.seq
	return c
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

var (
	_ ledger.Store        = (*Memory)(nil)
	_ ledger.RestockStore = (*Memory)(nil)
	_ ledger.Tx           = (*txMemory)(nil)
)

// WithTx runs fn against a private copy and publishes it on success.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.NewStorageError("begin", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&txMemory{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) ProductByID(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.productByID(id)
}

func (m *Memory) ProductByBarcode(_ context.Context, barcode string) (ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.productByBarcode(barcode)
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listProducts(), nil
}

func (m *Memory) BatchByID(_ context.Context, id ledger.BatchID) (ledger.StockBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.batchByID(id)
}

func (m *Memory) BatchesByProduct(_ context.Context, id ledger.ProductID) ([]ledger.StockBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.batchesByProduct(id), nil
}

func (m *Memory) AdjustmentsByBatch(_ context.Context, id ledger.BatchID) ([]ledger.StockAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.adjustmentsByBatch(id), nil
}

func (m *Memory) SaleByID(_ context.Context, id ledger.SaleID) (ledger.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.saleByID(id)
}

func (m *Memory) SaleByIdempotencyKey(_ context.Context, key string) (ledger.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.saleByKey(key)
}

func (m *Memory) SupplierByID(_ context.Context, id ledger.SupplierID) (ledger.Supplier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.supplierByID(id)
}

func (m *Memory) CategoryByID(_ context.Context, id ledger.CategoryID) (ledger.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.categoryByID(id)
}

func (s *state) productByID(id ledger.ProductID) (ledger.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return ledger.Product{}, ledger.NewNotFound("product", id)
	}
	return p, nil
}

func (s *state) productByBarcode(barcode string) (ledger.Product, error) {
	for _, p := range s.products {
		if p.Barcode == barcode {
			return p, nil
		}
	}
	return ledger.Product{}, ledger.NewNotFound("product", barcode)
}

func (s *state) listProducts() []ledger.Product {
	out := make([]ledger.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sortProducts(out)
	return out
}

func sortProducts(ps []ledger.Product) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

func (s *state) batchByID(id ledger.BatchID) (ledger.StockBatch, error) {
	b, ok := s.batches[id]
	if !ok {
		return ledger.StockBatch{}, ledger.NewNotFound("batch", id)
	}
	return b, nil
}

func (s *state) batchesByProduct(id ledger.ProductID) []ledger.StockBatch {
	out := []ledger.StockBatch{}
	for _, b := range s.batches {
		if b.ProductID == id {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) adjustmentsByBatch(id ledger.BatchID) []ledger.StockAdjustment {
	return append([]ledger.StockAdjustment{}, s.adjustments[id]...)
}

func (s *state) saleByID(id ledger.SaleID) (ledger.Sale, error) {
	sale, ok := s.sales[id]
	if !ok {
		return ledger.Sale{}, ledger.NewNotFound("sale", id)
	}
	return sale, nil
}

func (s *state) saleByKey(key string) (ledger.Sale, error) {
	if key != "" {
		for _, sale := range s.sales {
			if sale.IdempotencyKey == key {
				return sale, nil
			}
		}
	}
	return ledger.Sale{}, ledger.NewNotFound("sale", key)
}

func (s *state) supplierByID(id ledger.SupplierID) (ledger.Supplier, error) {
	v, ok := s.suppliers[id]
	if !ok {
		return ledger.Supplier{}, ledger.NewNotFound("supplier", id)
	}
	return v, nil
}

func (s *state) categoryByID(id ledger.CategoryID) (ledger.Category, error) {
	v, ok := s.categories[id]
	if !ok {
		return ledger.Category{}, ledger.NewNotFound("category", id)
	}
	return v, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// txMemory operates on the transaction's private state. The store's write
// lock is held for its whole lifetime, so the row locks are no-ops.
type txMemory struct {
	state *state
}

func (t *txMemory) ProductByID(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	return t.state.productByID(id)
}

func (t *txMemory) ProductByBarcode(_ context.Context, barcode string) (ledger.Product, error) {
	return t.state.productByBarcode(barcode)
}

func (t *txMemory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	return t.state.listProducts(), nil
}

func (t *txMemory) BatchByID(_ context.Context, id ledger.BatchID) (ledger.StockBatch, error) {
	return t.state.batchByID(id)
}

func (t *txMemory) BatchesByProduct(_ context.Context, id ledger.ProductID) ([]ledger.StockBatch, error) {
	return t.state.batchesByProduct(id), nil
}

func (t *txMemory) AdjustmentsByBatch(_ context.Context, id ledger.BatchID) ([]ledger.StockAdjustment, error) {
	return t.state.adjustmentsByBatch(id), nil
}

func (t *txMemory) SaleByID(_ context.Context, id ledger.SaleID) (ledger.Sale, error) {
	return t.state.saleByID(id)
}

func (t *txMemory) SaleByIdempotencyKey(_ context.Context, key string) (ledger.Sale, error) {
	return t.state.saleByKey(key)
}

func (t *txMemory) SupplierByID(_ context.Context, id ledger.SupplierID) (ledger.Supplier, error) {
	return t.state.supplierByID(id)
}

func (t *txMemory) CategoryByID(_ context.Context, id ledger.CategoryID) (ledger.Category, error) {
	return t.state.categoryByID(id)
}

func (t *txMemory) LockProducts(_ context.Context, ids ...ledger.ProductID) ([]ledger.Product, error) {
	seen := make(map[ledger.ProductID]bool, len(ids))
	out := make([]ledger.Product, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, err := t.state.productByID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sortProducts(out)
	return out, nil
}

func (t *txMemory) LockBatch(_ context.Context, id ledger.BatchID) (ledger.StockBatch, error) {
	return t.state.batchByID(id)
}

func (t *txMemory) UpsertSupplier(_ context.Context, name string) (ledger.Supplier, error) {
	for _, s := range t.state.suppliers {
		if s.Name == name {
			return s, nil
		}
	}
	s := ledger.Supplier{ID: ledger.NewSupplierID(), Name: name}
	t.state.suppliers[s.ID] = s
	return s, nil
}

func (t *txMemory) UpsertCategory(_ context.Context, name string) (ledger.Category, error) {
	for _, c := range t.state.categories {
		if c.Name == name {
			return c, nil
		}
	}
	c := ledger.Category{ID: ledger.NewCategoryID(), Name: name}
	t.state.categories[c.ID] = c
	return c, nil
}

func (t *txMemory) CreateProduct(_ context.Context, p ledger.Product) error {
	if _, err := t.state.productByBarcode(p.Barcode); err == nil {
		return ledger.NewStorageError("create product", errDuplicate("barcode", p.Barcode))
	}
	t.state.products[p.ID] = p
	return nil
}

func (t *txMemory) UpdateProductDetails(_ context.Context, p ledger.Product) error {
	cur, err := t.state.productByID(p.ID)
	if err != nil {
		return err
	}
	p.Quantity = cur.Quantity
	p.CreatedAt = cur.CreatedAt
	t.state.products[p.ID] = p
	return nil
}

func (t *txMemory) AddProductQuantity(_ context.Context, id ledger.ProductID, delta decimal.Decimal) error {
	p, err := t.state.productByID(id)
	if err != nil {
		return err
	}
	p.Quantity = p.Quantity.Add(delta)
	t.state.products[id] = p
	return nil
}

func (t *txMemory) CreateBatch(_ context.Context, b ledger.StockBatch) error {
	if _, err := t.state.productByID(b.ProductID); err != nil {
		return err
	}
	t.state.batches[b.ID] = b
	return nil
}

func (t *txMemory) AddBatchRemaining(_ context.Context, id ledger.BatchID, delta decimal.Decimal) error {
	b, err := t.state.batchByID(id)
	if err != nil {
		return err
	}
	b.RemainingQuantity = b.RemainingQuantity.Add(delta)
	t.state.batches[id] = b
	return nil
}

func (t *txMemory) DeductBatchFloored(_ context.Context, id ledger.BatchID, qty decimal.Decimal) error {
	b, err := t.state.batchByID(id)
	if err != nil {
		return err
	}
	b.RemainingQuantity = decimal.Max(decimal.Zero, b.RemainingQuantity.Sub(qty))
	t.state.batches[id] = b
	return nil
}

func (t *txMemory) InsertAdjustment(_ context.Context, a ledger.StockAdjustment) (ledger.StockAdjustment, error) {
	if _, err := t.state.batchByID(a.BatchID); err != nil {
		return ledger.StockAdjustment{}, err
	}
	t.state.seq++
	a.Seq = t.state.seq
	t.state.adjustments[a.BatchID] = append(t.state.adjustments[a.BatchID], a)
	return a, nil
}

func (t *txMemory) CreateSale(_ context.Context, s ledger.Sale) error {
	if s.IdempotencyKey != "" {
		if _, err := t.state.saleByKey(s.IdempotencyKey); err == nil {
			return ledger.NewStorageError("create sale", errDuplicate("idempotency key", s.IdempotencyKey))
		}
	}
	s.Items = append([]ledger.SaleItem(nil), s.Items...)
	t.state.sales[s.ID] = s
	return nil
}

// =============================================================================
// RESTOCK LIST
// =============================================================================

func (m *Memory) AddRestockItem(_ context.Context, item ledger.RestockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.restock[item.ID] = item
	return nil
}

func (m *Memory) ListRestockItems(_ context.Context, includeBought bool) ([]ledger.RestockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ledger.RestockItem{}
	for _, it := range m.state.restock {
		if it.Bought && !includeBought {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) MarkRestockBought(_ context.Context, id ledger.RestockItemID) (ledger.RestockItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.state.restock[id]
	if !ok {
		return ledger.RestockItem{}, ledger.NewNotFound("restock item", id)
	}
	if !it.Bought {
		now := time.Now().UTC()
		it.Bought = true
		it.BoughtAt = &now
		m.state.restock[id] = it
	}
	return it, nil
}

func (m *Memory) DeleteRestockItem(_ context.Context, id ledger.RestockItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.restock[id]; !ok {
		return ledger.NewNotFound("restock item", id)
	}
	delete(m.state.restock, id)
	return nil
}

type duplicateError struct {
	field, value string
}

func (e duplicateError) Error() string {
	return "duplicate " + e.field + " " + e.value
}

func errDuplicate(field, value string) error {
	return duplicateError{field: field, value: value}
}
