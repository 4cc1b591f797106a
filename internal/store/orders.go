package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/models"
)

const orderColumns = `id, owner_id, order_number, status, payment_status, total_amount, currency,
	shipping_line1, shipping_line2, shipping_city, shipping_region, shipping_postal_code, shipping_country,
	idempotency_key, created_at, updated_at, version`

func scanOrder(row interface{ Scan(...any) error }, order *models.Order) error {
	var idempotencyKey sql.NullString
	err := row.Scan(
		&order.ID,
		&order.OwnerID,
		&order.OrderNumber,
		&order.Status,
		&order.PaymentStatus,
		&order.TotalAmount,
		&order.Currency,
		&order.ShippingAddress.Line1,
		&order.ShippingAddress.Line2,
		&order.ShippingAddress.City,
		&order.ShippingAddress.Region,
		&order.ShippingAddress.PostalCode,
		&order.ShippingAddress.Country,
		&idempotencyKey,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return err
	}
	order.Currency = strings.TrimSpace(order.Currency)
	if idempotencyKey.Valid {
		order.IdempotencyKey = &idempotencyKey.String
	}
	return nil
}

func generateOrderNumber() string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// InsertOrder persists the order header. The total is written once here and
// no other statement in this package updates it.
func InsertOrder(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	if order.OrderNumber == "" {
		order.OrderNumber = generateOrderNumber()
	}

	a := order.ShippingAddress
	err := tx.QueryRowContext(ctx,
		`INSERT INTO orders (owner_id, order_number, status, payment_status, total_amount, currency,
		                     shipping_line1, shipping_line2, shipping_city, shipping_region,
		                     shipping_postal_code, shipping_country, idempotency_key,
		                     created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW(), 1)
		 RETURNING id, created_at, updated_at, version`,
		order.OwnerID, order.OrderNumber, order.Status, order.PaymentStatus, order.TotalAmount, order.Currency,
		a.Line1, a.Line2, a.City, a.Region, a.PostalCode, strings.ToUpper(a.Country),
		nullString(order.IdempotencyKey),
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt, &order.Version)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	return nil
}

func InsertOrderItem(ctx context.Context, tx *sql.Tx, item *models.OrderItem) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id, created_at`,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("create order item: %w", err)
	}
	return nil
}

func GetOrder(ctx context.Context, db DBTX, id int64) (*models.Order, error) {
	order := &models.Order{}

	err := scanOrder(db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id), order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("order %d", id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := ListOrderItems(ctx, db, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// GetOrderByIdempotencyKey returns the order an owner already created with
// the given key, or nil if there is none.
func GetOrderByIdempotencyKey(ctx context.Context, db DBTX, ownerID int64, key string) (*models.Order, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE owner_id = $1 AND idempotency_key = $2`,
		ownerID, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by idempotency key: %w", err)
	}
	return GetOrder(ctx, db, id)
}

// LockOrder reads the order header with its row locked for the rest of the transaction.
func LockOrder(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	order := &models.Order{}

	err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id), order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("order %d", id)
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	return order, nil
}

func ListOrderItems(ctx context.Context, db DBTX, orderID int64) ([]models.OrderItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, product_id, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func UpdateOrderStatus(ctx context.Context, tx *sql.Tx, id int64, status models.OrderStatus) error {
	return updateOrderColumn(ctx, tx, id, "status", string(status))
}

func UpdateOrderPaymentStatus(ctx context.Context, tx *sql.Tx, id int64, status models.OrderPaymentStatus) error {
	return updateOrderColumn(ctx, tx, id, "payment_status", string(status))
}

func updateOrderColumn(ctx context.Context, tx *sql.Tx, id int64, column, value string) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE orders SET `+column+` = $1, updated_at = NOW(), version = version + 1 WHERE id = $2`,
		value, id)
	if err != nil {
		return fmt.Errorf("update order %s: %w", column, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return apperr.ErrNotFound.Withf("order %d", id)
	}
	return nil
}

func ListOrdersCursor(ctx context.Context, db DBTX, ownerID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, apperr.Validation(map[string]string{"cursor": "malformed cursor"})
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE owner_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, ownerID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
