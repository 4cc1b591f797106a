package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	idempotencyKeyConstraint = "orders_owner_idempotency_key"
	maxIdempotencyKeyLength  = 255
)

type CreateOrderRequest struct {
	OwnerID         int64
	Items           []models.LineRequest
	ShippingAddress models.Address
	// IdempotencyKey, when set, makes a repeated request return the order the
	// first one created.
	IdempotencyKey string
}

type OrderService struct {
	Deps
	currency string
}

func NewOrderService(deps Deps, currency string) *OrderService {
	return &OrderService{Deps: deps.withDefaults(), currency: strings.ToUpper(currency)}
}

// CreateOrder reserves stock for every requested line and records the order,
// all or nothing. Each line is charged the product's price at this moment.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (order *models.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.CreateOrder",
		attribute.Int64("owner.id", req.OwnerID), attribute.Int("order.lines", len(req.Items)))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("order_create", start, err)
		endSpan(span, err)
	}()

	req.ShippingAddress = normalizeAddress(req.ShippingAddress)

	var keyErr error
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		keyErr = apperr.Validation(map[string]string{"idempotency_key": "must be at most 255 characters"})
	}
	if err := mergeValidation(models.ValidateLines(req.Items), models.ValidateShippingAddress(req.ShippingAddress), keyErr); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := store.GetOrderByIdempotencyKey(ctx, s.DB, req.OwnerID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logging.FromContext(ctx, s.Logger).Info("order_replayed",
				zap.Int64("order_id", existing.ID),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
			return existing, nil
		}
	}

	lines := mergeLines(req.Items)

	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		o := s.newOrder(req.OwnerID, req.ShippingAddress)
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			o.IdempotencyKey = &key
		}
		if err := placeOrder(ctx, tx, o, lines); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		if req.IdempotencyKey != "" && database.IsUniqueViolation(err, idempotencyKeyConstraint) {
			// A concurrent request with the same key won the insert.
			return store.GetOrderByIdempotencyKey(ctx, s.DB, req.OwnerID, req.IdempotencyKey)
		}
		return nil, err
	}

	logging.FromContext(ctx, s.Logger).Info("order_created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("owner_id", order.OwnerID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(order.Items)),
	)
	return order, nil
}

// CreateOrderFromCart turns the owner's active cart into an order at the
// prices captured in the cart, then empties and closes the cart.
func (s *OrderService) CreateOrderFromCart(ctx context.Context, ownerID int64, address models.Address) (order *models.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.CreateOrderFromCart", attribute.Int64("owner.id", ownerID))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("order_create_from_cart", start, err)
		endSpan(span, err)
	}()

	address = normalizeAddress(address)
	if err := models.ValidateShippingAddress(address); err != nil {
		return nil, err
	}

	var cartID int64
	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		cart, err := store.LockActiveCart(ctx, tx, ownerID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.ErrEmptyCart
			}
			return err
		}

		items, err := store.ListCartItems(ctx, tx, cart.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return apperr.ErrEmptyCart
		}

		lines := make([]orderLine, 0, len(items))
		for _, it := range items {
			price := it.UnitPrice
			lines = append(lines, orderLine{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: &price})
		}
		sortLines(lines)

		o := s.newOrder(ownerID, address)
		if err := placeOrder(ctx, tx, o, lines); err != nil {
			return err
		}

		if err := store.DeleteCartItems(ctx, tx, cart.ID); err != nil {
			return err
		}
		if _, err := store.RecomputeCartTotal(ctx, tx, cart.ID); err != nil {
			return err
		}
		if err := store.MarkCartConverted(ctx, tx, cart.ID); err != nil {
			return err
		}

		order = o
		cartID = cart.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx, s.Logger).Info("order_created_from_cart",
		zap.Int64("order_id", order.ID),
		zap.Int64("cart_id", cartID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
	)
	return order, nil
}

// UpdateStatus moves an order along the fulfillment lifecycle. Cancelling an
// order that has not shipped puts its units back in stock.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus) (order *models.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.UpdateStatus",
		attribute.Int64("order.id", orderID), attribute.String("order.status", string(status)))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("order_update_status", start, err)
		endSpan(span, err)
	}()

	if !status.Valid() {
		return nil, apperr.Validation(map[string]string{"status": "unknown order status"})
	}

	var from models.OrderStatus
	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		o, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		from = o.Status

		if !models.CanTransitionOrder(o.Status, status) {
			return apperr.ErrInvalidStatusTransition.Withf("order %s -> %s", o.Status, status)
		}

		if status == models.OrderStatusCancelled {
			if err := cancelOrder(ctx, tx, o, "admin"); err != nil {
				return err
			}
		} else {
			if err := store.UpdateOrderStatus(ctx, tx, o.ID, status); err != nil {
				return err
			}
			if err := recordOrderStatusChanged(ctx, tx, o.ID, from, status, "admin"); err != nil {
				return err
			}
		}

		order, err = store.GetOrder(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx, s.Logger).Info("order_status_changed",
		zap.Int64("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	return order, nil
}

// UpdateManualPaymentStatus lets an operator record an offline payment
// outcome. Once any gateway payment exists for the order the gateway owns
// the payment status.
func (s *OrderService) UpdateManualPaymentStatus(ctx context.Context, orderID int64, status models.OrderPaymentStatus) (order *models.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.UpdateManualPaymentStatus",
		attribute.Int64("order.id", orderID), attribute.String("order.payment_status", string(status)))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("order_update_payment_status", start, err)
		endSpan(span, err)
	}()

	if !status.Valid() {
		return nil, apperr.Validation(map[string]string{"payment_status": "unknown payment status"})
	}

	var from models.OrderPaymentStatus
	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		o, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		from = o.PaymentStatus

		n, err := store.CountPayments(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperr.ErrPaymentManagedExternally.Withf("order %d has %d payment(s)", o.ID, n)
		}

		if !models.CanTransitionOrderPayment(o.PaymentStatus, status) {
			return apperr.ErrInvalidStatusTransition.Withf("payment status %s -> %s", o.PaymentStatus, status)
		}

		if err := store.UpdateOrderPaymentStatus(ctx, tx, o.ID, status); err != nil {
			return err
		}
		if err := recordOrderPaymentChanged(ctx, tx, o.ID, from, status, "manual"); err != nil {
			return err
		}

		order, err = store.GetOrder(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx, s.Logger).Info("order_payment_status_changed",
		zap.Int64("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	return order, nil
}

// GetOrder returns the owner's order. Another owner's order is reported as
// not found.
func (s *OrderService) GetOrder(ctx context.Context, orderID, ownerID int64) (*models.Order, error) {
	order, err := store.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != ownerID {
		return nil, apperr.ErrNotFound.Withf("order %d", orderID)
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, ownerID int64, cursor string, limit int) (*store.CursorPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return store.ListOrdersCursor(ctx, s.DB, ownerID, cursor, limit)
}

func (s *OrderService) newOrder(ownerID int64, address models.Address) *models.Order {
	return &models.Order{
		OwnerID:         ownerID,
		Currency:        s.currency,
		ShippingAddress: address,
	}
}

func normalizeAddress(a models.Address) models.Address {
	a.Line1 = strings.TrimSpace(a.Line1)
	a.Line2 = strings.TrimSpace(a.Line2)
	a.City = strings.TrimSpace(a.City)
	a.Region = strings.TrimSpace(a.Region)
	a.PostalCode = strings.TrimSpace(a.PostalCode)
	a.Country = strings.ToUpper(strings.TrimSpace(a.Country))
	return a
}
