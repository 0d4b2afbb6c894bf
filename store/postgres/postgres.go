/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  Multi-till deployments share one PostgreSQL database. Same contract as
  store/sqlite, with real row locks.

ISOLATION:
  Every transaction runs at REPEATABLE READ. LockProducts and LockBatch use
  SELECT ... FOR UPDATE; products are locked ORDER BY created_at, id so two
  transactions touching the same pair of products always lock in the same
  order. Serialization failures (40001) and deadlocks (40P01) surface as
  *ledger.StorageError and are retried by ledger.WithRetry.

NUMERICS:
  Quantities are NUMERIC(18,3), money NUMERIC(18,2). Values travel as decimal
  strings in both directions (columns are selected with ::text) so no binary
  float conversion ever happens.

SEE ALSO:
  - store/sqlite/sqlite.go: Single-file variant
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

type Store struct {
	reader
	pool *pgxpool.Pool
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.RestockStore = (*Store)(nil)
	_ ledger.Tx           = (*txStore)(nil)
)

// New connects, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{reader: reader{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		barcode TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		unit TEXT NOT NULL,
		purchase_price NUMERIC(18,2) NOT NULL,
		selling_price NUMERIC(18,2) NOT NULL,
		tax_rate NUMERIC(9,4) NOT NULL,
		quantity NUMERIC(18,3) NOT NULL DEFAULT 0,
		category_id TEXT REFERENCES categories(id),
		supplier_id TEXT REFERENCES suppliers(id),
		expiry_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_products_created ON products(created_at, id);

	CREATE TABLE IF NOT EXISTS stock_batches (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		supplier_id TEXT REFERENCES suppliers(id),
		initial_quantity NUMERIC(18,3) NOT NULL CHECK (initial_quantity >= 0),
		remaining_quantity NUMERIC(18,3) NOT NULL
			CHECK (remaining_quantity >= 0 AND remaining_quantity <= initial_quantity),
		purchase_price NUMERIC(18,2) NOT NULL,
		expiry_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_product ON stock_batches(product_id, created_at, id);

	CREATE TABLE IF NOT EXISTS stock_adjustments (
		seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		batch_id TEXT NOT NULL REFERENCES stock_batches(id),
		old_quantity NUMERIC(18,3) NOT NULL,
		new_quantity NUMERIC(18,3) NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_batch ON stock_adjustments(batch_id, seq);

	CREATE OR REPLACE FUNCTION reject_adjustment_change() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'stock_adjustments is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_adjustments_append_only ON stock_adjustments;
	CREATE TRIGGER trg_adjustments_append_only
		BEFORE UPDATE OR DELETE ON stock_adjustments
		FOR EACH ROW EXECUTE FUNCTION reject_adjustment_change();

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		total_amount NUMERIC(18,2) NOT NULL,
		payment_method TEXT NOT NULL,
		vat_amount NUMERIC(18,2) NOT NULL,
		discount_amount NUMERIC(18,2) NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INT NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		batch_id TEXT REFERENCES stock_batches(id),
		quantity NUMERIC(18,3) NOT NULL,
		price NUMERIC(18,2) NOT NULL,
		purchase_price NUMERIC(18,2) NOT NULL,
		original_price NUMERIC(18,2) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items(sale_id, line_no);

	CREATE TABLE IF NOT EXISTS restock_items (
		id TEXT PRIMARY KEY,
		product_id TEXT REFERENCES products(id),
		name TEXT NOT NULL,
		barcode TEXT,
		quantity NUMERIC(18,3) NOT NULL,
		unit TEXT NOT NULL,
		bought BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		bought_at TIMESTAMPTZ
	);
	`)
	return err
}

// Reset empties every table. Test helper.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE restock_items, sale_items, sales, stock_adjustments,
		stock_batches, products, categories, suppliers RESTART IDENTITY CASCADE`)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a repeatable-read transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return ledger.NewStorageError("begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txStore{reader: reader{q: tx}}); err != nil {
		return err
	}
	return ledger.NewStorageError("commit", tx.Commit(ctx))
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txStore struct {
	reader
}

// =============================================================================
// READER
// =============================================================================

type reader struct {
	q querier
}

const productColumns = `id, barcode, name, unit, purchase_price::text, selling_price::text,
	tax_rate::text, quantity::text, category_id, supplier_id, expiry_date, created_at, updated_at`

const batchColumns = `id, product_id, supplier_id, initial_quantity::text, remaining_quantity::text,
	purchase_price::text, expiry_date, created_at`

func (r reader) ProductByID(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return oneProduct(r.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, string(id)), id)
}

func (r reader) ProductByBarcode(ctx context.Context, barcode string) (ledger.Product, error) {
	return oneProduct(r.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = $1`, barcode), barcode)
}

func oneProduct(row pgx.Row, key any) (ledger.Product, error) {
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, ledger.NewNotFound("product", key)
	}
	if err != nil {
		return ledger.Product{}, storageErr("load product", err)
	}
	return p, nil
}

func (r reader) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at, id`)
}

func (r reader) queryProducts(ctx context.Context, sql string, args ...any) ([]ledger.Product, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr("query products", err)
	}
	defer rows.Close()

	out := []ledger.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, storageErr("scan product", err)
		}
		out = append(out, p)
	}
	return out, storageErr("query products", rows.Err())
}

func scanProduct(row pgx.Row) (ledger.Product, error) {
	var (
		p                          ledger.Product
		id                         string
		purchase, selling, taxRate string
		qty                        string
		categoryID, supplierID     *string
	)
	err := row.Scan(&id, &p.Barcode, &p.Name, &p.Unit, &purchase, &selling, &taxRate,
		&qty, &categoryID, &supplierID, &p.ExpiryDate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return ledger.Product{}, err
	}
	p.ID = ledger.ProductID(id)
	if categoryID != nil {
		c := ledger.CategoryID(*categoryID)
		p.CategoryID = &c
	}
	if supplierID != nil {
		s := ledger.SupplierID(*supplierID)
		p.SupplierID = &s
	}
	var perr error
	p.PurchasePrice, perr = parseDecimal(purchase, perr)
	p.SellingPrice, perr = parseDecimal(selling, perr)
	p.TaxRate, perr = parseDecimal(taxRate, perr)
	p.Quantity, perr = parseDecimal(qty, perr)
	return p, perr
}

func (r reader) BatchByID(ctx context.Context, id ledger.BatchID) (ledger.StockBatch, error) {
	return oneBatch(r.q.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id = $1`, string(id)), id)
}

func oneBatch(row pgx.Row, id ledger.BatchID) (ledger.StockBatch, error) {
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.StockBatch{}, ledger.NewNotFound("batch", id)
	}
	if err != nil {
		return ledger.StockBatch{}, storageErr("load batch", err)
	}
	return b, nil
}

func (r reader) BatchesByProduct(ctx context.Context, id ledger.ProductID) ([]ledger.StockBatch, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+batchColumns+` FROM stock_batches WHERE product_id = $1 ORDER BY created_at, id`, string(id))
	if err != nil {
		return nil, storageErr("query batches", err)
	}
	defer rows.Close()

	out := []ledger.StockBatch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, storageErr("scan batch", err)
		}
		out = append(out, b)
	}
	return out, storageErr("query batches", rows.Err())
}

func scanBatch(row pgx.Row) (ledger.StockBatch, error) {
	var (
		b                            ledger.StockBatch
		id, productID                string
		supplierID                   *string
		initial, remaining, purchase string
	)
	err := row.Scan(&id, &productID, &supplierID, &initial, &remaining, &purchase, &b.ExpiryDate, &b.CreatedAt)
	if err != nil {
		return ledger.StockBatch{}, err
	}
	b.ID = ledger.BatchID(id)
	b.ProductID = ledger.ProductID(productID)
	if supplierID != nil {
		s := ledger.SupplierID(*supplierID)
		b.SupplierID = &s
	}
	var perr error
	b.InitialQuantity, perr = parseDecimal(initial, perr)
	b.RemainingQuantity, perr = parseDecimal(remaining, perr)
	b.PurchasePrice, perr = parseDecimal(purchase, perr)
	return b, perr
}

func (r reader) AdjustmentsByBatch(ctx context.Context, id ledger.BatchID) ([]ledger.StockAdjustment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT seq, id, batch_id, old_quantity::text, new_quantity::text, reason, created_at
		FROM stock_adjustments WHERE batch_id = $1 ORDER BY seq`, string(id))
	if err != nil {
		return nil, storageErr("query adjustments", err)
	}
	defer rows.Close()

	out := []ledger.StockAdjustment{}
	for rows.Next() {
		var (
			a              ledger.StockAdjustment
			adjID, batchID string
			oldQ, newQ     string
		)
		if err := rows.Scan(&a.Seq, &adjID, &batchID, &oldQ, &newQ, &a.Reason, &a.CreatedAt); err != nil {
			return nil, storageErr("scan adjustment", err)
		}
		a.ID = ledger.AdjustmentID(adjID)
		a.BatchID = ledger.BatchID(batchID)
		var perr error
		a.OldQuantity, perr = parseDecimal(oldQ, perr)
		a.NewQuantity, perr = parseDecimal(newQ, perr)
		if perr != nil {
			return nil, storageErr("scan adjustment", perr)
		}
		out = append(out, a)
	}
	return out, storageErr("query adjustments", rows.Err())
}

func (r reader) SaleByID(ctx context.Context, id ledger.SaleID) (ledger.Sale, error) {
	return r.loadSale(ctx, `id = $1`, string(id))
}

func (r reader) SaleByIdempotencyKey(ctx context.Context, key string) (ledger.Sale, error) {
	if key == "" {
		return ledger.Sale{}, ledger.NewNotFound("sale", key)
	}
	return r.loadSale(ctx, `idempotency_key = $1`, key)
}

func (r reader) loadSale(ctx context.Context, where, arg string) (ledger.Sale, error) {
	var (
		s                    ledger.Sale
		id                   string
		total, vat, discount string
		key                  *string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, total_amount::text, payment_method, vat_amount::text, discount_amount::text,
			idempotency_key, created_at
		FROM sales WHERE `+where, arg).
		Scan(&id, &total, &s.PaymentMethod, &vat, &discount, &key, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Sale{}, ledger.NewNotFound("sale", arg)
	}
	if err != nil {
		return ledger.Sale{}, storageErr("load sale", err)
	}
	s.ID = ledger.SaleID(id)
	if key != nil {
		s.IdempotencyKey = *key
	}
	var perr error
	s.TotalAmount, perr = parseDecimal(total, perr)
	s.VATAmount, perr = parseDecimal(vat, perr)
	s.DiscountAmount, perr = parseDecimal(discount, perr)
	if perr != nil {
		return ledger.Sale{}, storageErr("load sale", perr)
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, product_id, batch_id, quantity::text, price::text, purchase_price::text, original_price::text
		FROM sale_items WHERE sale_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return ledger.Sale{}, storageErr("query sale items", err)
	}
	defer rows.Close()

	s.Items = []ledger.SaleItem{}
	for rows.Next() {
		var (
			it                             ledger.SaleItem
			itemID, productID              string
			batchID                        *string
			qty, price, purchase, original string
		)
		if err := rows.Scan(&itemID, &productID, &batchID, &qty, &price, &purchase, &original); err != nil {
			return ledger.Sale{}, storageErr("scan sale item", err)
		}
		it.ID = ledger.SaleItemID(itemID)
		it.SaleID = s.ID
		it.ProductID = ledger.ProductID(productID)
		if batchID != nil {
			b := ledger.BatchID(*batchID)
			it.BatchID = &b
		}
		var perr error
		it.Quantity, perr = parseDecimal(qty, perr)
		it.Price, perr = parseDecimal(price, perr)
		it.PurchasePrice, perr = parseDecimal(purchase, perr)
		it.OriginalPrice, perr = parseDecimal(original, perr)
		if perr != nil {
			return ledger.Sale{}, storageErr("scan sale item", perr)
		}
		s.Items = append(s.Items, it)
	}
	return s, storageErr("query sale items", rows.Err())
}

func (r reader) SupplierByID(ctx context.Context, id ledger.SupplierID) (ledger.Supplier, error) {
	var name string
	err := r.q.QueryRow(ctx, `SELECT name FROM suppliers WHERE id = $1`, string(id)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Supplier{}, ledger.NewNotFound("supplier", id)
	}
	if err != nil {
		return ledger.Supplier{}, storageErr("load supplier", err)
	}
	return ledger.Supplier{ID: id, Name: name}, nil
}

func (r reader) CategoryByID(ctx context.Context, id ledger.CategoryID) (ledger.Category, error) {
	var name string
	err := r.q.QueryRow(ctx, `SELECT name FROM categories WHERE id = $1`, string(id)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Category{}, ledger.NewNotFound("category", id)
	}
	if err != nil {
		return ledger.Category{}, storageErr("load category", err)
	}
	return ledger.Category{ID: id, Name: name}, nil
}

// =============================================================================
// TX WRITES
// =============================================================================

func (t *txStore) LockProducts(ctx context.Context, ids ...ledger.ProductID) ([]ledger.Product, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[ledger.ProductID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, string(id))
		}
	}
	if len(unique) == 0 {
		return []ledger.Product{}, nil
	}

	products, err := t.queryProducts(ctx, `SELECT `+productColumns+`
		FROM products WHERE id = ANY($1) ORDER BY created_at, id FOR UPDATE`, unique)
	if err != nil {
		return nil, err
	}
	found := make(map[ledger.ProductID]bool, len(products))
	for _, p := range products {
		found[p.ID] = true
	}
	for _, id := range unique {
		if !found[ledger.ProductID(id)] {
			return nil, ledger.NewNotFound("product", id)
		}
	}
	return products, nil
}

func (t *txStore) LockBatch(ctx context.Context, id ledger.BatchID) (ledger.StockBatch, error) {
	return oneBatch(t.q.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM stock_batches WHERE id = $1 FOR UPDATE`, string(id)), id)
}

func (t *txStore) UpsertSupplier(ctx context.Context, name string) (ledger.Supplier, error) {
	var id string
	err := t.q.QueryRow(ctx, `
		INSERT INTO suppliers (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, string(ledger.NewSupplierID()), name).Scan(&id)
	if err != nil {
		return ledger.Supplier{}, storageErr("upsert supplier", err)
	}
	return ledger.Supplier{ID: ledger.SupplierID(id), Name: name}, nil
}

func (t *txStore) UpsertCategory(ctx context.Context, name string) (ledger.Category, error) {
	var id string
	err := t.q.QueryRow(ctx, `
		INSERT INTO categories (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, string(ledger.NewCategoryID()), name).Scan(&id)
	if err != nil {
		return ledger.Category{}, storageErr("upsert category", err)
	}
	return ledger.Category{ID: ledger.CategoryID(id), Name: name}, nil
}

func (t *txStore) CreateProduct(ctx context.Context, p ledger.Product) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO products (id, barcode, name, unit, purchase_price, selling_price, tax_rate,
			quantity, category_id, supplier_id, expiry_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(p.ID), p.Barcode, p.Name, p.Unit,
		p.PurchasePrice.String(), p.SellingPrice.String(), p.TaxRate.String(), p.Quantity.String(),
		optionalID(p.CategoryID), optionalID(p.SupplierID), p.ExpiryDate, p.CreatedAt, p.UpdatedAt,
	)
	return storageErr("create product", err)
}

func (t *txStore) UpdateProductDetails(ctx context.Context, p ledger.Product) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE products SET barcode = $1, name = $2, unit = $3, purchase_price = $4, selling_price = $5,
			tax_rate = $6, category_id = $7, supplier_id = $8, expiry_date = $9, updated_at = $10
		WHERE id = $11`,
		p.Barcode, p.Name, p.Unit, p.PurchasePrice.String(), p.SellingPrice.String(), p.TaxRate.String(),
		optionalID(p.CategoryID), optionalID(p.SupplierID), p.ExpiryDate, p.UpdatedAt, string(p.ID),
	)
	return expectRow(tag, err, "update product", "product", p.ID)
}

func (t *txStore) AddProductQuantity(ctx context.Context, id ledger.ProductID, delta decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE products SET quantity = quantity + $1::numeric WHERE id = $2`, delta.String(), string(id))
	return expectRow(tag, err, "update product quantity", "product", id)
}

func (t *txStore) CreateBatch(ctx context.Context, b ledger.StockBatch) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO stock_batches (id, product_id, supplier_id, initial_quantity, remaining_quantity,
			purchase_price, expiry_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(b.ID), string(b.ProductID), optionalID(b.SupplierID),
		b.InitialQuantity.String(), b.RemainingQuantity.String(), b.PurchasePrice.String(),
		b.ExpiryDate, b.CreatedAt,
	)
	return storageErr("create batch", err)
}

func (t *txStore) AddBatchRemaining(ctx context.Context, id ledger.BatchID, delta decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE stock_batches SET remaining_quantity = remaining_quantity + $1::numeric WHERE id = $2`,
		delta.String(), string(id))
	return expectRow(tag, err, "update batch quantity", "batch", id)
}

func (t *txStore) DeductBatchFloored(ctx context.Context, id ledger.BatchID, qty decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE stock_batches SET remaining_quantity = GREATEST(0, remaining_quantity - $1::numeric) WHERE id = $2`,
		qty.String(), string(id))
	return expectRow(tag, err, "deduct batch quantity", "batch", id)
}

func (t *txStore) InsertAdjustment(ctx context.Context, a ledger.StockAdjustment) (ledger.StockAdjustment, error) {
	err := t.q.QueryRow(ctx, `
		INSERT INTO stock_adjustments (id, batch_id, old_quantity, new_quantity, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		string(a.ID), string(a.BatchID), a.OldQuantity.String(), a.NewQuantity.String(), a.Reason, a.CreatedAt,
	).Scan(&a.Seq)
	if err != nil {
		return ledger.StockAdjustment{}, storageErr("insert adjustment", err)
	}
	return a, nil
}

func (t *txStore) CreateSale(ctx context.Context, s ledger.Sale) error {
	var key *string
	if s.IdempotencyKey != "" {
		key = &s.IdempotencyKey
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO sales (id, total_amount, payment_method, vat_amount, discount_amount, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(s.ID), s.TotalAmount.String(), s.PaymentMethod, s.VATAmount.String(), s.DiscountAmount.String(),
		key, s.CreatedAt,
	)
	if err != nil {
		return storageErr("create sale", err)
	}

	batch := &pgx.Batch{}
	for i, it := range s.Items {
		batch.Queue(`
			INSERT INTO sale_items (id, sale_id, line_no, product_id, batch_id, quantity,
				price, purchase_price, original_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			string(it.ID), string(s.ID), i, string(it.ProductID), optionalID(it.BatchID),
			it.Quantity.String(), it.Price.String(), it.PurchasePrice.String(), it.OriginalPrice.String(),
		)
	}
	tx, ok := t.q.(pgx.Tx)
	if !ok {
		return storageErr("create sale items", errors.New("not in a transaction"))
	}
	return storageErr("create sale items", tx.SendBatch(ctx, batch).Close())
}

// =============================================================================
// RESTOCK LIST
// =============================================================================

const restockColumns = `id, product_id, name, barcode, quantity::text, unit, bought, created_at, bought_at`

func (s *Store) AddRestockItem(ctx context.Context, it ledger.RestockItem) error {
	var barcode *string
	if it.Barcode != "" {
		barcode = &it.Barcode
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO restock_items (id, product_id, name, barcode, quantity, unit, bought, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		string(it.ID), optionalID(it.ProductID), it.Name, barcode, it.Quantity.String(), it.Unit, it.CreatedAt,
	)
	return storageErr("add restock item", err)
}

func (s *Store) ListRestockItems(ctx context.Context, includeBought bool) ([]ledger.RestockItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+restockColumns+` FROM restock_items
		WHERE $1 OR NOT bought ORDER BY created_at DESC, id`, includeBought)
	if err != nil {
		return nil, storageErr("query restock items", err)
	}
	defer rows.Close()

	out := []ledger.RestockItem{}
	for rows.Next() {
		it, err := scanRestock(rows)
		if err != nil {
			return nil, storageErr("scan restock item", err)
		}
		out = append(out, it)
	}
	return out, storageErr("query restock items", rows.Err())
}

func (s *Store) MarkRestockBought(ctx context.Context, id ledger.RestockItemID) (ledger.RestockItem, error) {
	it, err := scanRestock(s.pool.QueryRow(ctx, `
		UPDATE restock_items SET bought = TRUE, bought_at = COALESCE(bought_at, $1)
		WHERE id = $2
		RETURNING `+restockColumns, time.Now().UTC(), string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.RestockItem{}, ledger.NewNotFound("restock item", id)
	}
	if err != nil {
		return ledger.RestockItem{}, storageErr("mark restock bought", err)
	}
	return it, nil
}

func (s *Store) DeleteRestockItem(ctx context.Context, id ledger.RestockItemID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM restock_items WHERE id = $1`, string(id))
	return expectRow(tag, err, "delete restock item", "restock item", id)
}

func scanRestock(row pgx.Row) (ledger.RestockItem, error) {
	var (
		it                 ledger.RestockItem
		id, qty            string
		productID, barcode *string
	)
	if err := row.Scan(&id, &productID, &it.Name, &barcode, &qty, &it.Unit, &it.Bought, &it.CreatedAt, &it.BoughtAt); err != nil {
		return ledger.RestockItem{}, err
	}
	it.ID = ledger.RestockItemID(id)
	if productID != nil {
		p := ledger.ProductID(*productID)
		it.ProductID = &p
	}
	if barcode != nil {
		it.Barcode = *barcode
	}
	var err error
	it.Quantity, err = parseDecimal(qty, nil)
	return it, err
}

// =============================================================================
// HELPERS
// =============================================================================

// storageErr maps driver errors. Foreign key violations mean a referenced
// row is gone; everything else is transient from the caller's view.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ledger.NewNotFound("reference", pgErr.ConstraintName)
	}
	return ledger.NewStorageError(op, err)
}

func expectRow(tag pgconn.CommandTag, err error, op, entity string, id any) error {
	if err != nil {
		return storageErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.NewNotFound(entity, id)
	}
	return nil
}

func parseDecimal(s string, prev error) (decimal.Decimal, error) {
	if prev != nil {
		return decimal.Zero, prev
	}
	return decimal.NewFromString(s)
}

func optionalID[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
