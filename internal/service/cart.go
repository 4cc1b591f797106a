package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CartService struct {
	Deps
}

func NewCartService(deps Deps) *CartService {
	return &CartService{Deps: deps.withDefaults()}
}

// AddItem puts quantity units of a product into the owner's active cart,
// creating the cart on first use. Adding a product already in the cart
// increases that line.
func (s *CartService) AddItem(ctx context.Context, ownerID, productID int64, quantity int) (cart *models.Cart, err error) {
	ctx, span := startSpan(ctx, "CartService.AddItem",
		attribute.Int64("owner.id", ownerID), attribute.Int64("product.id", productID))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("cart_add_item", start, err)
		endSpan(span, err)
	}()

	if err := mergeValidation(validateProductID(productID), models.ValidateQuantity(quantity)); err != nil {
		return nil, err
	}

	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		c, err := store.EnsureActiveCart(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		product, err := store.FindActiveProduct(ctx, tx, productID)
		if err != nil {
			return err
		}

		existing, err := store.FindCartItemByProduct(ctx, tx, c.ID, productID)
		if err != nil {
			return err
		}

		newQuantity := quantity
		if existing != nil {
			newQuantity += existing.Quantity
		}
		if err := models.ValidateQuantity(newQuantity); err != nil {
			return err
		}
		if newQuantity > product.StockQuantity {
			return apperr.ErrInsufficientStock.Wrap(fmt.Errorf("product %d has %d, cart needs %d", productID, product.StockQuantity, newQuantity))
		}

		if existing != nil {
			err = store.UpdateCartItem(ctx, tx, existing.ID, newQuantity, product.Price)
		} else {
			_, err = store.InsertCartItem(ctx, tx, c.ID, productID, newQuantity, product.Price)
		}
		if err != nil {
			return err
		}

		cart, err = refreshCart(ctx, tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx, s.Logger).Info("cart_item_added",
		zap.Int64("cart_id", cart.ID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
	)
	return cart, nil
}

// UpdateItemQuantity sets the quantity of one line, re-checking availability
// and re-snapshotting the price.
func (s *CartService) UpdateItemQuantity(ctx context.Context, ownerID, itemID int64, quantity int) (cart *models.Cart, err error) {
	ctx, span := startSpan(ctx, "CartService.UpdateItemQuantity",
		attribute.Int64("owner.id", ownerID), attribute.Int64("cart_item.id", itemID))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("cart_update_item", start, err)
		endSpan(span, err)
	}()

	if err := models.ValidateQuantity(quantity); err != nil {
		return nil, err
	}

	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		c, err := lockCartForItem(ctx, tx, ownerID, itemID)
		if err != nil {
			return err
		}

		item, err := store.GetCartItem(ctx, tx, c.ID, itemID)
		if err != nil {
			return err
		}

		product, err := store.FindActiveProduct(ctx, tx, item.ProductID)
		if err != nil {
			return err
		}
		if quantity > product.StockQuantity {
			return apperr.ErrInsufficientStock.Wrap(fmt.Errorf("product %d has %d, requested %d", product.ID, product.StockQuantity, quantity))
		}

		if err := store.UpdateCartItem(ctx, tx, item.ID, quantity, product.Price); err != nil {
			return err
		}

		cart, err = refreshCart(ctx, tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *CartService) RemoveItem(ctx context.Context, ownerID, itemID int64) (cart *models.Cart, err error) {
	ctx, span := startSpan(ctx, "CartService.RemoveItem",
		attribute.Int64("owner.id", ownerID), attribute.Int64("cart_item.id", itemID))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("cart_remove_item", start, err)
		endSpan(span, err)
	}()

	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		c, err := lockCartForItem(ctx, tx, ownerID, itemID)
		if err != nil {
			return err
		}
		if err := store.DeleteCartItem(ctx, tx, c.ID, itemID); err != nil {
			return err
		}
		cart, err = refreshCart(ctx, tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// Clear empties the owner's active cart.
func (s *CartService) Clear(ctx context.Context, ownerID int64) (cart *models.Cart, err error) {
	ctx, span := startSpan(ctx, "CartService.Clear", attribute.Int64("owner.id", ownerID))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("cart_clear", start, err)
		endSpan(span, err)
	}()

	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		c, err := store.LockActiveCart(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if err := store.DeleteCartItems(ctx, tx, c.ID); err != nil {
			return err
		}
		cart, err = refreshCart(ctx, tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *CartService) GetCart(ctx context.Context, ownerID int64) (*models.Cart, error) {
	return store.GetActiveCart(ctx, s.DB, ownerID)
}

// lockCartForItem locks the owner's active cart; an owner without one cannot
// have the item either.
func lockCartForItem(ctx context.Context, tx *sql.Tx, ownerID, itemID int64) (*models.Cart, error) {
	c, err := store.LockActiveCart(ctx, tx, ownerID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrNotFound.Withf("cart item %d", itemID)
		}
		return nil, err
	}
	return c, nil
}

func refreshCart(ctx context.Context, tx *sql.Tx, c *models.Cart) (*models.Cart, error) {
	total, err := store.RecomputeCartTotal(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	items, err := store.ListCartItems(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	out := *c
	out.TotalAmount = total
	out.Items = items
	return &out, nil
}

func validateProductID(id int64) error {
	if id <= 0 {
		return apperr.Validation(map[string]string{"product_id": "is required"})
	}
	return nil
}
