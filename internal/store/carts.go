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

const cartColumns = `id, owner_id, status, total_amount, created_at, updated_at`

func scanCart(row interface{ Scan(...any) error }, cart *models.Cart) error {
	return row.Scan(
		&cart.ID,
		&cart.OwnerID,
		&cart.Status,
		&cart.TotalAmount,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
}

// EnsureActiveCart returns the owner's active cart, creating it on first use,
// with its row locked for the rest of the transaction.
func EnsureActiveCart(ctx context.Context, tx *sql.Tx, ownerID int64) (*models.Cart, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO carts (owner_id, status, total_amount, created_at, updated_at)
		 VALUES ($1, $2, 0, NOW(), NOW())
		 ON CONFLICT (owner_id) WHERE status = 'active' DO NOTHING`,
		ownerID, models.CartStatusActive)
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	return LockActiveCart(ctx, tx, ownerID)
}

func LockActiveCart(ctx context.Context, tx *sql.Tx, ownerID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	query := `SELECT ` + cartColumns + `
		FROM carts
		WHERE owner_id = $1 AND status = $2
		FOR UPDATE`

	err := scanCart(tx.QueryRowContext(ctx, query, ownerID, models.CartStatusActive), cart)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("no active cart for owner %d", ownerID)
		}
		return nil, fmt.Errorf("lock cart: %w", err)
	}

	return cart, nil
}

// GetActiveCart loads the owner's active cart with its items.
func GetActiveCart(ctx context.Context, db DBTX, ownerID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	query := `SELECT ` + cartColumns + ` FROM carts WHERE owner_id = $1 AND status = $2`

	err := scanCart(db.QueryRowContext(ctx, query, ownerID, models.CartStatusActive), cart)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("no active cart for owner %d", ownerID)
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	items, err := ListCartItems(ctx, db, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items

	return cart, nil
}

func ListCartItems(ctx context.Context, db DBTX, cartID int64) ([]models.CartItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, cart_id, product_id, quantity, unit_price, created_at, updated_at
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("list cart items: %w", err)
	}
	defer rows.Close()

	items := []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func GetCartItem(ctx context.Context, tx *sql.Tx, cartID, itemID int64) (*models.CartItem, error) {
	item := &models.CartItem{}
	err := tx.QueryRowContext(ctx,
		`SELECT id, cart_id, product_id, quantity, unit_price, created_at, updated_at
		 FROM cart_items
		 WHERE id = $1 AND cart_id = $2`,
		itemID, cartID).Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.Quantity,
		&item.UnitPrice,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("cart item %d", itemID)
		}
		return nil, fmt.Errorf("get cart item: %w", err)
	}
	return item, nil
}

// FindCartItemByProduct returns the cart's line for a product, or nil if the
// product is not in the cart.
func FindCartItemByProduct(ctx context.Context, tx *sql.Tx, cartID, productID int64) (*models.CartItem, error) {
	item := &models.CartItem{}
	err := tx.QueryRowContext(ctx,
		`SELECT id, cart_id, product_id, quantity, unit_price, created_at, updated_at
		 FROM cart_items
		 WHERE cart_id = $1 AND product_id = $2`,
		cartID, productID).Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.Quantity,
		&item.UnitPrice,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find cart item: %w", err)
	}
	return item, nil
}

func InsertCartItem(ctx context.Context, tx *sql.Tx, cartID, productID int64, quantity int, unitPrice decimal.Decimal) (*models.CartItem, error) {
	item := &models.CartItem{}
	err := tx.QueryRowContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, unit_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 RETURNING id, cart_id, product_id, quantity, unit_price, created_at, updated_at`,
		cartID, productID, quantity, unitPrice).Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.Quantity,
		&item.UnitPrice,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert cart item: %w", err)
	}
	return item, nil
}

// UpdateCartItem sets a line's quantity and re-snapshots its unit price.
func UpdateCartItem(ctx context.Context, tx *sql.Tx, itemID int64, quantity int, unitPrice decimal.Decimal) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE cart_items
		 SET quantity = $1, unit_price = $2, updated_at = NOW()
		 WHERE id = $3`,
		quantity, unitPrice, itemID)
	if err != nil {
		return fmt.Errorf("update cart item: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return apperr.ErrNotFound.Withf("cart item %d", itemID)
	}
	return nil
}

func DeleteCartItem(ctx context.Context, tx *sql.Tx, cartID, itemID int64) error {
	result, err := tx.ExecContext(ctx,
		`DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`,
		itemID, cartID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return apperr.ErrNotFound.Withf("cart item %d", itemID)
	}
	return nil
}

func DeleteCartItems(ctx context.Context, tx *sql.Tx, cartID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("clear cart items: %w", err)
	}
	return nil
}

// RecomputeCartTotal sets the cart total to the sum of its live lines.
func RecomputeCartTotal(ctx context.Context, tx *sql.Tx, cartID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`UPDATE carts
		 SET total_amount = (
		         SELECT COALESCE(SUM(unit_price * quantity), 0)
		         FROM cart_items
		         WHERE cart_id = $1
		     ),
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING total_amount`,
		cartID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("recompute cart total: %w", err)
	}
	return total, nil
}

func MarkCartConverted(ctx context.Context, tx *sql.Tx, cartID int64) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE carts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		models.CartStatusConverted, cartID, models.CartStatusActive)
	if err != nil {
		return fmt.Errorf("mark cart converted: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return apperr.ErrEmptyCart
	}
	return nil
}
