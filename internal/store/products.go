package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so read helpers can run
// inside or outside a unit of work.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const productColumns = `id, sku, name, description, price, stock_quantity, active, created_at, updated_at, version`

func scanProduct(row interface{ Scan(...any) error }, product *models.Product) error {
	return row.Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.StockQuantity,
		&product.Active,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
}

func CreateProduct(ctx context.Context, db DBTX, sku, name, description string, price decimal.Decimal, stock int) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (sku, name, description, price, stock_quantity, active, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	err := scanProduct(db.QueryRowContext(ctx, query, sku, name, description, price, stock), product)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, db DBTX, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	err := scanProduct(db.QueryRowContext(ctx, query, id), product)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("product %d", id)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// FindActiveProduct reads the authoritative price and stock of a sellable
// product without locking it.
func FindActiveProduct(ctx context.Context, db DBTX, id int64) (*models.Product, error) {
	product, err := GetProduct(ctx, db, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrProductUnavailable.Withf("product %d", id)
		}
		return nil, err
	}
	if !product.Active {
		return nil, apperr.ErrProductUnavailable.Withf("product %d", id)
	}
	return product, nil
}

// LockProduct takes the ledger row lock for a product for the rest of the
// transaction and checks that quantity units can be taken from it.
func LockProduct(ctx context.Context, tx *sql.Tx, productID int64, quantity int) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`

	err := scanProduct(tx.QueryRowContext(ctx, query, productID), product)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrProductUnavailable.Withf("product %d", productID)
		}
		return nil, fmt.Errorf("lock product %d: %w", productID, err)
	}

	if !product.Active {
		return nil, apperr.ErrProductUnavailable.Withf("product %d", productID)
	}

	if product.StockQuantity < quantity {
		return nil, apperr.ErrInsufficientStock.Wrap(fmt.Errorf("product %d has %d, requested %d", productID, product.StockQuantity, quantity))
	}

	return product, nil
}

func DecrementStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return apperr.ErrInsufficientStock.Withf("product %d", productID)
	}

	return nil
}

func IncrementStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity + $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("increment stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return apperr.ErrNotFound.Withf("product %d", productID)
	}

	return nil
}

// UpdateProductPrice changes the catalog price. Existing carts and orders
// keep the price they snapshotted.
func UpdateProductPrice(ctx context.Context, db DBTX, productID int64, price decimal.Decimal) error {
	result, err := db.ExecContext(ctx,
		`UPDATE products SET price = $1, updated_at = NOW(), version = version + 1 WHERE id = $2`,
		price, productID)
	if err != nil {
		return fmt.Errorf("update product price: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return apperr.ErrNotFound.Withf("product %d", productID)
	}
	return nil
}

func SetProductActive(ctx context.Context, db DBTX, productID int64, active bool) error {
	result, err := db.ExecContext(ctx,
		`UPDATE products SET active = $1, updated_at = NOW(), version = version + 1 WHERE id = $2`,
		active, productID)
	if err != nil {
		return fmt.Errorf("set product active: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return apperr.ErrNotFound.Withf("product %d", productID)
	}
	return nil
}
