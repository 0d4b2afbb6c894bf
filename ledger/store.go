/*
store.go - Persistence contract for the stock ledger

PURPOSE:
  Defines the interface between the mutation engine and the database.
  Implementations: ledger/store (memory), store/sqlite, store/postgres.

KEY INTERFACES:
  Reader:       Read-only lookups (products, batches, adjustments, sales)
  Tx:           Reader plus row locks and writes, valid inside WithTx only
  Store:        Reader plus WithTx
  RestockStore: Optional need-to-buy list capability

DELTA CONTRACT:
  Quantity writes are relative. AddProductQuantity, AddBatchRemaining and
  DeductBatchFloored are applied by the store as "column = column + delta",
  never as a value computed by the caller and written back.

LOCK ORDER:
  Within one Tx, callers lock products first (LockProducts returns them in
  creation order, and locks them in that order), then batches, then insert
  adjustments. Implementations that have no row locks (memory) serialize
  whole transactions instead.

ATOMICITY:
  WithTx commits when fn returns nil and rolls back otherwise, including
  when fn panics. Begin/commit failures come back as *StorageError.

SEE ALSO:
  - engine.go:   Uses Tx for every mutation
  - errors.go:   NotFoundError / StorageError
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READER - Lookups shared by Store and Tx
// =============================================================================

type Reader interface {
	ProductByID(ctx context.Context, id ProductID) (Product, error)
	ProductByBarcode(ctx context.Context, barcode string) (Product, error)
	// ListProducts returns every product in creation order.
	ListProducts(ctx context.Context) ([]Product, error)

	BatchByID(ctx context.Context, id BatchID) (StockBatch, error)
	// BatchesByProduct returns all batches, empty ones included, in creation order.
	BatchesByProduct(ctx context.Context, id ProductID) ([]StockBatch, error)
	// AdjustmentsByBatch returns the log in Seq order.
	AdjustmentsByBatch(ctx context.Context, id BatchID) ([]StockAdjustment, error)

	SaleByID(ctx context.Context, id SaleID) (Sale, error)
	SaleByIdempotencyKey(ctx context.Context, key string) (Sale, error)

	SupplierByID(ctx context.Context, id SupplierID) (Supplier, error)
	CategoryByID(ctx context.Context, id CategoryID) (Category, error)
}

// =============================================================================
// TX - Locks and writes
// =============================================================================

type Tx interface {
	Reader

	// LockProducts locks the given products ordered by (CreatedAt, ID) and
	// returns them in that order. Duplicate IDs are locked once.
	LockProducts(ctx context.Context, ids ...ProductID) ([]Product, error)
	LockBatch(ctx context.Context, id BatchID) (StockBatch, error)

	UpsertSupplier(ctx context.Context, name string) (Supplier, error)
	UpsertCategory(ctx context.Context, name string) (Category, error)

	CreateProduct(ctx context.Context, p Product) error
	// UpdateProductDetails overwrites every field except Quantity and CreatedAt.
	UpdateProductDetails(ctx context.Context, p Product) error
	AddProductQuantity(ctx context.Context, id ProductID, delta decimal.Decimal) error

	CreateBatch(ctx context.Context, b StockBatch) error
	AddBatchRemaining(ctx context.Context, id BatchID, delta decimal.Decimal) error
	// DeductBatchFloored subtracts qty from RemainingQuantity, stopping at zero.
	DeductBatchFloored(ctx context.Context, id BatchID, qty decimal.Decimal) error

	// InsertAdjustment appends to the log and returns the row with Seq set.
	InsertAdjustment(ctx context.Context, a StockAdjustment) (StockAdjustment, error)

	// CreateSale persists the sale and all of its items.
	CreateSale(ctx context.Context, s Sale) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// RestockStore is the need-to-buy list. It does not touch stock.
type RestockStore interface {
	AddRestockItem(ctx context.Context, item RestockItem) error
	ListRestockItems(ctx context.Context, includeBought bool) ([]RestockItem, error)
	MarkRestockBought(ctx context.Context, id RestockItemID) (RestockItem, error)
	DeleteRestockItem(ctx context.Context, id RestockItemID) error
}
