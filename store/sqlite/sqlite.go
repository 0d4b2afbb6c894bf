/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Single-till deployments keep the whole ledger in one SQLite file. The same
  contract is implemented for PostgreSQL in store/postgres.

KEY TABLES:
  products:          SKU rows with the denormalized quantity counter
  stock_batches:     One row per intake or divide target, never deleted
  stock_adjustments: Append-only log (UPDATE/DELETE rejected by triggers)
  sales, sale_items: Completed checkouts
  suppliers, categories: Reference rows, unique by name
  restock_items:     Need-to-buy list

FIXED POINT:
  Quantities are stored as INTEGER thousandths (*_milli columns) so that
  "quantity = quantity + ?" runs in exact integer arithmetic inside SQLite.
  Prices and computed amounts are stored as decimal TEXT and never summed in SQL.

CONCURRENCY:
  Transactions open with BEGIN IMMEDIATE (_txlock=immediate), which takes the
  database write lock up front. The pool is limited to one connection, so
  every transaction sees a consistent snapshot and row "locks" reduce to
  ordered reads.

WAL MODE:
  SQLite is opened with WAL so readers outside a transaction do not block on
  the writer's journal.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := ledger.NewEngine(store, ledger.Config{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// Store implements ledger.Store and ledger.RestockStore using SQLite.
type Store struct {
	reader
	db *sql.DB
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.RestockStore = (*Store)(nil)
	_ ledger.Tx           = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{reader: reader{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
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
		purchase_price TEXT NOT NULL,
		selling_price TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		quantity_milli INTEGER NOT NULL DEFAULT 0,
		category_id TEXT REFERENCES categories(id),
		supplier_id TEXT REFERENCES suppliers(id),
		expiry_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_products_created
		ON products(created_at, id);

	CREATE TABLE IF NOT EXISTS stock_batches (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		supplier_id TEXT REFERENCES suppliers(id),
		initial_milli INTEGER NOT NULL CHECK (initial_milli >= 0),
		remaining_milli INTEGER NOT NULL
			CHECK (remaining_milli >= 0 AND remaining_milli <= initial_milli),
		purchase_price TEXT NOT NULL,
		expiry_date TEXT,
		created_at TEXT NOT NULL
	);

	-- Hot path: batches of a product in creation order
	CREATE INDEX IF NOT EXISTS idx_batches_product
		ON stock_batches(product_id, created_at, id);

	CREATE TABLE IF NOT EXISTS stock_adjustments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		batch_id TEXT NOT NULL REFERENCES stock_batches(id),
		old_milli INTEGER NOT NULL,
		new_milli INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_batch
		ON stock_adjustments(batch_id, seq);

	-- The adjustment log is append-only
	CREATE TRIGGER IF NOT EXISTS trg_adjustments_no_update
		BEFORE UPDATE ON stock_adjustments
		BEGIN SELECT RAISE(ABORT, 'stock_adjustments is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_adjustments_no_delete
		BEFORE DELETE ON stock_adjustments
		BEGIN SELECT RAISE(ABORT, 'stock_adjustments is append-only'); END;

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		total_amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		vat_amount TEXT NOT NULL,
		discount_amount TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		batch_id TEXT REFERENCES stock_batches(id),
		quantity_milli INTEGER NOT NULL,
		price TEXT NOT NULL,
		purchase_price TEXT NOT NULL,
		original_price TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sale_items_sale
		ON sale_items(sale_id, line_no);

	CREATE TABLE IF NOT EXISTS restock_items (
		id TEXT PRIMARY KEY,
		product_id TEXT REFERENCES products(id),
		name TEXT NOT NULL,
		barcode TEXT,
		quantity_milli INTEGER NOT NULL,
		unit TEXT NOT NULL,
		bought INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		bought_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewStorageError("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}}); err != nil {
		return err
	}

	return ledger.NewStorageError("commit", sqlTx.Commit())
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txStore wraps a sql.Tx to implement ledger.Tx.
type txStore struct {
	reader
}

// =============================================================================
// READER
// =============================================================================

type reader struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, barcode, name, unit, purchase_price, selling_price, tax_rate,
	quantity_milli, category_id, supplier_id, expiry_date, created_at, updated_at`

const batchColumns = `id, product_id, supplier_id, initial_milli, remaining_milli,
	purchase_price, expiry_date, created_at`

func (r reader) ProductByID(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, string(id))
	return oneProduct(row, id)
}

func (r reader) ProductByBarcode(ctx context.Context, barcode string) (ledger.Product, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = ?`, barcode)
	return oneProduct(row, barcode)
}

func oneProduct(row *sql.Row, key any) (ledger.Product, error) {
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Product{}, ledger.NewNotFound("product", key)
	}
	if err != nil {
		return ledger.Product{}, ledger.NewStorageError("load product", err)
	}
	return p, nil
}

func (r reader) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at, id`)
}

func (r reader) queryProducts(ctx context.Context, query string, args ...any) ([]ledger.Product, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.NewStorageError("query products", err)
	}
	defer rows.Close()

	out := []ledger.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, ledger.NewStorageError("scan product", err)
		}
		out = append(out, p)
	}
	return out, ledger.NewStorageError("query products", rows.Err())
}

func scanProduct(sc scanner) (ledger.Product, error) {
	var (
		p                          ledger.Product
		id                         string
		purchase, selling, taxRate string
		qty                        int64
		categoryID, supplierID     sql.NullString
		expiry                     sql.NullString
		created, updated           string
	)
	err := sc.Scan(&id, &p.Barcode, &p.Name, &p.Unit, &purchase, &selling, &taxRate,
		&qty, &categoryID, &supplierID, &expiry, &created, &updated)
	if err != nil {
		return ledger.Product{}, err
	}
	p.ID = ledger.ProductID(id)
	p.Quantity = fromMilli(qty)
	if categoryID.Valid {
		c := ledger.CategoryID(categoryID.String)
		p.CategoryID = &c
	}
	if supplierID.Valid {
		s := ledger.SupplierID(supplierID.String)
		p.SupplierID = &s
	}

	var perr error
	p.PurchasePrice, perr = parseDecimal(purchase, perr)
	p.SellingPrice, perr = parseDecimal(selling, perr)
	p.TaxRate, perr = parseDecimal(taxRate, perr)
	p.ExpiryDate, perr = parseNullTime(expiry, perr)
	p.CreatedAt, perr = parseTime(created, perr)
	p.UpdatedAt, perr = parseTime(updated, perr)
	return p, perr
}

func (r reader) BatchByID(ctx context.Context, id ledger.BatchID) (ledger.StockBatch, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id = ?`, string(id))
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.StockBatch{}, ledger.NewNotFound("batch", id)
	}
	if err != nil {
		return ledger.StockBatch{}, ledger.NewStorageError("load batch", err)
	}
	return b, nil
}

func (r reader) BatchesByProduct(ctx context.Context, id ledger.ProductID) ([]ledger.StockBatch, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM stock_batches WHERE product_id = ? ORDER BY created_at, id`, string(id))
	if err != nil {
		return nil, ledger.NewStorageError("query batches", err)
	}
	defer rows.Close()

	out := []ledger.StockBatch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, ledger.NewStorageError("scan batch", err)
		}
		out = append(out, b)
	}
	return out, ledger.NewStorageError("query batches", rows.Err())
}

func scanBatch(sc scanner) (ledger.StockBatch, error) {
	var (
		b                  ledger.StockBatch
		id, productID      string
		supplierID, expiry sql.NullString
		initial, remaining int64
		purchase, created  string
	)
	err := sc.Scan(&id, &productID, &supplierID, &initial, &remaining, &purchase, &expiry, &created)
	if err != nil {
		return ledger.StockBatch{}, err
	}
	b.ID = ledger.BatchID(id)
	b.ProductID = ledger.ProductID(productID)
	b.InitialQuantity = fromMilli(initial)
	b.RemainingQuantity = fromMilli(remaining)
	if supplierID.Valid {
		s := ledger.SupplierID(supplierID.String)
		b.SupplierID = &s
	}

	var perr error
	b.PurchasePrice, perr = parseDecimal(purchase, perr)
	b.ExpiryDate, perr = parseNullTime(expiry, perr)
	b.CreatedAt, perr = parseTime(created, perr)
	return b, perr
}

func (r reader) AdjustmentsByBatch(ctx context.Context, id ledger.BatchID) ([]ledger.StockAdjustment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT seq, id, batch_id, old_milli, new_milli, reason, created_at
		FROM stock_adjustments WHERE batch_id = ? ORDER BY seq`, string(id))
	if err != nil {
		return nil, ledger.NewStorageError("query adjustments", err)
	}
	defer rows.Close()

	out := []ledger.StockAdjustment{}
	for rows.Next() {
		var (
			a              ledger.StockAdjustment
			adjID, batchID string
			oldQ, newQ     int64
			created        string
		)
		if err := rows.Scan(&a.Seq, &adjID, &batchID, &oldQ, &newQ, &a.Reason, &created); err != nil {
			return nil, ledger.NewStorageError("scan adjustment", err)
		}
		a.ID = ledger.AdjustmentID(adjID)
		a.BatchID = ledger.BatchID(batchID)
		a.OldQuantity = fromMilli(oldQ)
		a.NewQuantity = fromMilli(newQ)
		if a.CreatedAt, err = parseTime(created, nil); err != nil {
			return nil, ledger.NewStorageError("scan adjustment", err)
		}
		out = append(out, a)
	}
	return out, ledger.NewStorageError("query adjustments", rows.Err())
}

func (r reader) SaleByID(ctx context.Context, id ledger.SaleID) (ledger.Sale, error) {
	return r.loadSale(ctx, `id = ?`, string(id))
}

func (r reader) SaleByIdempotencyKey(ctx context.Context, key string) (ledger.Sale, error) {
	if key == "" {
		return ledger.Sale{}, ledger.NewNotFound("sale", key)
	}
	return r.loadSale(ctx, `idempotency_key = ?`, key)
}

func (r reader) loadSale(ctx context.Context, where string, arg string) (ledger.Sale, error) {
	var (
		s                    ledger.Sale
		id                   string
		total, vat, discount string
		key                  sql.NullString
		created              string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, total_amount, payment_method, vat_amount, discount_amount, idempotency_key, created_at
		FROM sales WHERE `+where, arg).
		Scan(&id, &total, &s.PaymentMethod, &vat, &discount, &key, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Sale{}, ledger.NewNotFound("sale", arg)
	}
	if err != nil {
		return ledger.Sale{}, ledger.NewStorageError("load sale", err)
	}
	s.ID = ledger.SaleID(id)
	s.IdempotencyKey = key.String

	var perr error
	s.TotalAmount, perr = parseDecimal(total, perr)
	s.VATAmount, perr = parseDecimal(vat, perr)
	s.DiscountAmount, perr = parseDecimal(discount, perr)
	s.CreatedAt, perr = parseTime(created, perr)
	if perr != nil {
		return ledger.Sale{}, ledger.NewStorageError("load sale", perr)
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, product_id, batch_id, quantity_milli, price, purchase_price, original_price
		FROM sale_items WHERE sale_id = ? ORDER BY line_no`, id)
	if err != nil {
		return ledger.Sale{}, ledger.NewStorageError("query sale items", err)
	}
	defer rows.Close()

	s.Items = []ledger.SaleItem{}
	for rows.Next() {
		var (
			it                        ledger.SaleItem
			itemID, productID         string
			batchID                   sql.NullString
			qty                       int64
			price, purchase, original string
		)
		if err := rows.Scan(&itemID, &productID, &batchID, &qty, &price, &purchase, &original); err != nil {
			return ledger.Sale{}, ledger.NewStorageError("scan sale item", err)
		}
		it.ID = ledger.SaleItemID(itemID)
		it.SaleID = s.ID
		it.ProductID = ledger.ProductID(productID)
		if batchID.Valid {
			b := ledger.BatchID(batchID.String)
			it.BatchID = &b
		}
		it.Quantity = fromMilli(qty)
		var perr error
		it.Price, perr = parseDecimal(price, perr)
		it.PurchasePrice, perr = parseDecimal(purchase, perr)
		it.OriginalPrice, perr = parseDecimal(original, perr)
		if perr != nil {
			return ledger.Sale{}, ledger.NewStorageError("scan sale item", perr)
		}
		s.Items = append(s.Items, it)
	}
	return s, ledger.NewStorageError("query sale items", rows.Err())
}

func (r reader) SupplierByID(ctx context.Context, id ledger.SupplierID) (ledger.Supplier, error) {
	var name string
	err := r.q.QueryRowContext(ctx, `SELECT name FROM suppliers WHERE id = ?`, string(id)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Supplier{}, ledger.NewNotFound("supplier", id)
	}
	if err != nil {
		return ledger.Supplier{}, ledger.NewStorageError("load supplier", err)
	}
	return ledger.Supplier{ID: id, Name: name}, nil
}

func (r reader) CategoryByID(ctx context.Context, id ledger.CategoryID) (ledger.Category, error) {
	var name string
	err := r.q.QueryRowContext(ctx, `SELECT name FROM categories WHERE id = ?`, string(id)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Category{}, ledger.NewNotFound("category", id)
	}
	if err != nil {
		return ledger.Category{}, ledger.NewStorageError("load category", err)
	}
	return ledger.Category{ID: id, Name: name}, nil
}

// =============================================================================
// TX WRITES
// =============================================================================

// LockProducts reads the rows in creation order. The IMMEDIATE transaction
// already holds the database write lock.
func (t *txStore) LockProducts(ctx context.Context, ids ...ledger.ProductID) ([]ledger.Product, error) {
	unique := dedupe(ids)
	if len(unique) == 0 {
		return []ledger.Product{}, nil
	}
	args := make([]any, len(unique))
	for i, id := range unique {
		args[i] = string(id)
	}
	products, err := t.queryProducts(ctx,
		`SELECT `+productColumns+` FROM products WHERE id IN (`+placeholders(len(unique))+`) ORDER BY created_at, id`,
		args...)
	if err != nil {
		return nil, err
	}
	if missing := firstMissing(unique, products); missing != "" {
		return nil, ledger.NewNotFound("product", missing)
	}
	return products, nil
}

func (t *txStore) LockBatch(ctx context.Context, id ledger.BatchID) (ledger.StockBatch, error) {
	return t.BatchByID(ctx, id)
}

func (t *txStore) UpsertSupplier(ctx context.Context, name string) (ledger.Supplier, error) {
	if _, err := t.q.ExecContext(ctx,
		`INSERT INTO suppliers (id, name) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		string(ledger.NewSupplierID()), name); err != nil {
		return ledger.Supplier{}, ledger.NewStorageError("upsert supplier", err)
	}
	var id string
	if err := t.q.QueryRowContext(ctx, `SELECT id FROM suppliers WHERE name = ?`, name).Scan(&id); err != nil {
		return ledger.Supplier{}, ledger.NewStorageError("upsert supplier", err)
	}
	return ledger.Supplier{ID: ledger.SupplierID(id), Name: name}, nil
}

func (t *txStore) UpsertCategory(ctx context.Context, name string) (ledger.Category, error) {
	if _, err := t.q.ExecContext(ctx,
		`INSERT INTO categories (id, name) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		string(ledger.NewCategoryID()), name); err != nil {
		return ledger.Category{}, ledger.NewStorageError("upsert category", err)
	}
	var id string
	if err := t.q.QueryRowContext(ctx, `SELECT id FROM categories WHERE name = ?`, name).Scan(&id); err != nil {
		return ledger.Category{}, ledger.NewStorageError("upsert category", err)
	}
	return ledger.Category{ID: ledger.CategoryID(id), Name: name}, nil
}

func (t *txStore) CreateProduct(ctx context.Context, p ledger.Product) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO products (id, barcode, name, unit, purchase_price, selling_price, tax_rate,
			quantity_milli, category_id, supplier_id, expiry_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), p.Barcode, p.Name, p.Unit,
		p.PurchasePrice.String(), p.SellingPrice.String(), p.TaxRate.String(),
		toMilli(p.Quantity), nullID(p.CategoryID), nullID(p.SupplierID), nullTime(p.ExpiryDate),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return ledger.NewStorageError("create product", err)
}

func (t *txStore) UpdateProductDetails(ctx context.Context, p ledger.Product) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE products SET barcode = ?, name = ?, unit = ?, purchase_price = ?, selling_price = ?,
			tax_rate = ?, category_id = ?, supplier_id = ?, expiry_date = ?, updated_at = ?
		WHERE id = ?`,
		p.Barcode, p.Name, p.Unit, p.PurchasePrice.String(), p.SellingPrice.String(),
		p.TaxRate.String(), nullID(p.CategoryID), nullID(p.SupplierID), nullTime(p.ExpiryDate),
		formatTime(p.UpdatedAt), string(p.ID),
	)
	return expectRow(res, err, "update product", "product", p.ID)
}

func (t *txStore) AddProductQuantity(ctx context.Context, id ledger.ProductID, delta decimal.Decimal) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE products SET quantity_milli = quantity_milli + ? WHERE id = ?`, toMilli(delta), string(id))
	return expectRow(res, err, "update product quantity", "product", id)
}

func (t *txStore) CreateBatch(ctx context.Context, b ledger.StockBatch) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO stock_batches (id, product_id, supplier_id, initial_milli, remaining_milli,
			purchase_price, expiry_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), string(b.ProductID), nullID(b.SupplierID),
		toMilli(b.InitialQuantity), toMilli(b.RemainingQuantity),
		b.PurchasePrice.String(), nullTime(b.ExpiryDate), formatTime(b.CreatedAt),
	)
	return ledger.NewStorageError("create batch", err)
}

func (t *txStore) AddBatchRemaining(ctx context.Context, id ledger.BatchID, delta decimal.Decimal) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE stock_batches SET remaining_milli = remaining_milli + ? WHERE id = ?`, toMilli(delta), string(id))
	return expectRow(res, err, "update batch quantity", "batch", id)
}

func (t *txStore) DeductBatchFloored(ctx context.Context, id ledger.BatchID, qty decimal.Decimal) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE stock_batches SET remaining_milli = MAX(0, remaining_milli - ?) WHERE id = ?`, toMilli(qty), string(id))
	return expectRow(res, err, "deduct batch quantity", "batch", id)
}

func (t *txStore) InsertAdjustment(ctx context.Context, a ledger.StockAdjustment) (ledger.StockAdjustment, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO stock_adjustments (id, batch_id, old_milli, new_milli, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.ID), string(a.BatchID), toMilli(a.OldQuantity), toMilli(a.NewQuantity), a.Reason, formatTime(a.CreatedAt),
	)
	if err != nil {
		return ledger.StockAdjustment{}, ledger.NewStorageError("insert adjustment", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.StockAdjustment{}, ledger.NewStorageError("insert adjustment", err)
	}
	a.Seq = seq
	return a, nil
}

func (t *txStore) CreateSale(ctx context.Context, s ledger.Sale) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sales (id, total_amount, payment_method, vat_amount, discount_amount, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(s.ID), s.TotalAmount.String(), s.PaymentMethod, s.VATAmount.String(), s.DiscountAmount.String(),
		nullString(s.IdempotencyKey), formatTime(s.CreatedAt),
	)
	if err != nil {
		return ledger.NewStorageError("create sale", err)
	}
	for i, it := range s.Items {
		var batchID sql.NullString
		if it.BatchID != nil {
			batchID = nullString(string(*it.BatchID))
		}
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, line_no, product_id, batch_id, quantity_milli,
				price, purchase_price, original_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(it.ID), string(s.ID), i, string(it.ProductID), batchID, toMilli(it.Quantity),
			it.Price.String(), it.PurchasePrice.String(), it.OriginalPrice.String(),
		)
		if err != nil {
			return ledger.NewStorageError("create sale item", err)
		}
	}
	return nil
}

// =============================================================================
// RESTOCK LIST
// =============================================================================

func (s *Store) AddRestockItem(ctx context.Context, it ledger.RestockItem) error {
	var productID sql.NullString
	if it.ProductID != nil {
		productID = nullString(string(*it.ProductID))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restock_items (id, product_id, name, barcode, quantity_milli, unit, bought, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		string(it.ID), productID, it.Name, nullString(it.Barcode), toMilli(it.Quantity), it.Unit, formatTime(it.CreatedAt),
	)
	return ledger.NewStorageError("add restock item", err)
}

func (s *Store) ListRestockItems(ctx context.Context, includeBought bool) ([]ledger.RestockItem, error) {
	query := `SELECT id, product_id, name, barcode, quantity_milli, unit, bought, created_at, bought_at
		FROM restock_items`
	if !includeBought {
		query += ` WHERE bought = 0`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, ledger.NewStorageError("query restock items", err)
	}
	defer rows.Close()

	out := []ledger.RestockItem{}
	for rows.Next() {
		it, err := scanRestock(rows)
		if err != nil {
			return nil, ledger.NewStorageError("scan restock item", err)
		}
		out = append(out, it)
	}
	return out, ledger.NewStorageError("query restock items", rows.Err())
}

func (s *Store) MarkRestockBought(ctx context.Context, id ledger.RestockItemID) (ledger.RestockItem, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE restock_items SET bought = 1, bought_at = COALESCE(bought_at, ?) WHERE id = ?`,
		formatTime(time.Now()), string(id))
	if err != nil {
		return ledger.RestockItem{}, ledger.NewStorageError("mark restock bought", err)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, name, barcode, quantity_milli, unit, bought, created_at, bought_at
		FROM restock_items WHERE id = ?`, string(id))
	it, err := scanRestock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.RestockItem{}, ledger.NewNotFound("restock item", id)
	}
	if err != nil {
		return ledger.RestockItem{}, ledger.NewStorageError("load restock item", err)
	}
	return it, nil
}

func (s *Store) DeleteRestockItem(ctx context.Context, id ledger.RestockItemID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM restock_items WHERE id = ?`, string(id))
	return expectRow(res, err, "delete restock item", "restock item", id)
}

func scanRestock(sc scanner) (ledger.RestockItem, error) {
	var (
		it                 ledger.RestockItem
		id                 string
		productID, barcode sql.NullString
		qty                int64
		bought             int
		created            string
		boughtAt           sql.NullString
	)
	if err := sc.Scan(&id, &productID, &it.Name, &barcode, &qty, &it.Unit, &bought, &created, &boughtAt); err != nil {
		return ledger.RestockItem{}, err
	}
	it.ID = ledger.RestockItemID(id)
	if productID.Valid {
		p := ledger.ProductID(productID.String)
		it.ProductID = &p
	}
	it.Barcode = barcode.String
	it.Quantity = fromMilli(qty)
	it.Bought = bought != 0

	var perr error
	it.CreatedAt, perr = parseTime(created, perr)
	it.BoughtAt, perr = parseNullTime(boughtAt, perr)
	return it, perr
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout has a fixed-width fraction so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

// The parse helpers keep the first error so call sites can chain them.
func parseTime(s string, prev error) (time.Time, error) {
	if prev != nil {
		return time.Time{}, prev
	}
	return time.Parse(timeLayout, s)
}

func parseNullTime(s sql.NullString, prev error) (*time.Time, error) {
	if prev != nil || !s.Valid {
		return nil, prev
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string, prev error) (decimal.Decimal, error) {
	if prev != nil {
		return decimal.Zero, prev
	}
	return decimal.NewFromString(s)
}

func toMilli(d decimal.Decimal) int64 {
	return d.Shift(ledger.QuantityPlaces).Round(0).IntPart()
}

func fromMilli(v int64) decimal.Decimal {
	return decimal.New(v, -ledger.QuantityPlaces)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullID[T ~string](id *T) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func expectRow(res sql.Result, err error, op, entity string, id any) error {
	if err != nil {
		return ledger.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.NewStorageError(op, err)
	}
	if n == 0 {
		return ledger.NewNotFound(entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func dedupe(ids []ledger.ProductID) []ledger.ProductID {
	seen := make(map[ledger.ProductID]bool, len(ids))
	out := make([]ledger.ProductID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func firstMissing(want []ledger.ProductID, got []ledger.Product) ledger.ProductID {
	found := make(map[ledger.ProductID]bool, len(got))
	for _, p := range got {
		found[p.ID] = true
	}
	for _, id := range want {
		if !found[id] {
			return id
		}
	}
	return ""
}
