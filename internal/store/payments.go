package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/models"
)

const paymentColumns = `id, order_id, owner_id, amount, currency, status, intent_id, refund_id,
	metadata, error_message, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }, p *models.Payment) error {
	var intentID, refundID, errorMessage sql.NullString
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.OwnerID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&intentID,
		&refundID,
		&p.Metadata,
		&errorMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	p.Currency = strings.TrimSpace(p.Currency)
	p.IntentID = stringPtr(intentID)
	p.RefundID = stringPtr(refundID)
	p.ErrorMessage = stringPtr(errorMessage)
	return nil
}

func InsertPayment(ctx context.Context, tx *sql.Tx, p *models.Payment) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, owner_id, amount, currency, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		p.OrderID, p.OwnerID, p.Amount, p.Currency, p.Status, p.Metadata,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func GetPayment(ctx context.Context, db DBTX, id int64) (*models.Payment, error) {
	p := &models.Payment{}
	err := scanPayment(db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id), p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("payment %d", id)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func LockPayment(ctx context.Context, tx *sql.Tx, id int64) (*models.Payment, error) {
	p := &models.Payment{}
	err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id), p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("payment %d", id)
		}
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	return p, nil
}

// LockPaymentByIntent finds the payment for a gateway intent and locks its row.
func LockPaymentByIntent(ctx context.Context, tx *sql.Tx, intentID string) (*models.Payment, error) {
	p := &models.Payment{}
	err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_id = $1 FOR UPDATE`, intentID), p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound.Withf("payment for intent %s", intentID)
		}
		return nil, fmt.Errorf("lock payment by intent: %w", err)
	}
	return p, nil
}

// CountPayments returns how many payment attempts exist for an order.
func CountPayments(ctx context.Context, db DBTX, orderID int64) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE order_id = $1`, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return n, nil
}

// FindBlockingPayment returns the order's latest in-flight payment, or nil if
// every attempt so far has failed or been refunded.
func FindBlockingPayment(ctx context.Context, tx *sql.Tx, orderID int64) (*models.Payment, error) {
	p := &models.Payment{}
	err := scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE order_id = $1 AND status = ANY($2)
		 ORDER BY id DESC
		 LIMIT 1`,
		orderID, pq.Array(models.InFlightPaymentStatuses())), p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find blocking payment: %w", err)
	}
	return p, nil
}

// SavePaymentTransition writes the payment's new state, guarded on the state
// it was read in so a concurrent writer cannot be overwritten.
func SavePaymentTransition(ctx context.Context, tx *sql.Tx, p *models.Payment, from models.PaymentStatus) error {
	err := tx.QueryRowContext(ctx,
		`UPDATE payments
		 SET status = $1, intent_id = $2, refund_id = $3, metadata = $4, error_message = $5, updated_at = NOW()
		 WHERE id = $6 AND status = $7
		 RETURNING updated_at`,
		p.Status, nullString(p.IntentID), nullString(p.RefundID), p.Metadata, nullString(p.ErrorMessage), p.ID, from,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrInvalidStatusTransition.Withf("payment %d is no longer %s", p.ID, from)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
