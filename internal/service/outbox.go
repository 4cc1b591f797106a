package service

import (
	"context"
	"database/sql"

	"github.com/safar/storefront/internal/events"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"github.com/shopspring/decimal"
)

type orderEvent struct {
	OrderID       int64                     `json:"order_id"`
	OrderNumber   string                    `json:"order_number"`
	OwnerID       int64                     `json:"owner_id"`
	Status        models.OrderStatus        `json:"status"`
	PaymentStatus models.OrderPaymentStatus `json:"payment_status"`
	TotalAmount   decimal.Decimal           `json:"total_amount"`
	Currency      string                    `json:"currency"`
	Items         []orderEventItem          `json:"items,omitempty"`
}

type orderEventItem struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderChangeEvent struct {
	OrderID int64  `json:"order_id"`
	Field   string `json:"field"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type paymentEvent struct {
	PaymentID    int64                `json:"payment_id"`
	OrderID      int64                `json:"order_id"`
	Status       models.PaymentStatus `json:"status"`
	Amount       decimal.Decimal      `json:"amount"`
	Currency     string               `json:"currency"`
	IntentID     *string              `json:"intent_id,omitempty"`
	RefundID     *string              `json:"refund_id,omitempty"`
	ErrorMessage *string              `json:"error_message,omitempty"`
}

func recordOrderCreated(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	ev := orderEvent{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		OwnerID:       o.OwnerID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		TotalAmount:   o.TotalAmount,
		Currency:      o.Currency,
	}
	for _, it := range o.Items {
		ev.Items = append(ev.Items, orderEventItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return store.InsertOutboxEvent(ctx, tx, events.AggregateOrder, o.ID, events.OrderCreated, ev)
}

func recordOrderStatusChanged(ctx context.Context, tx *sql.Tx, orderID int64, from, to models.OrderStatus, reason string) error {
	return store.InsertOutboxEvent(ctx, tx, events.AggregateOrder, orderID, events.OrderStatusChanged,
		orderChangeEvent{OrderID: orderID, Field: "status", From: string(from), To: string(to), Reason: reason})
}

func recordOrderPaymentChanged(ctx context.Context, tx *sql.Tx, orderID int64, from, to models.OrderPaymentStatus, reason string) error {
	return store.InsertOutboxEvent(ctx, tx, events.AggregateOrder, orderID, events.OrderPaymentChanged,
		orderChangeEvent{OrderID: orderID, Field: "payment_status", From: string(from), To: string(to), Reason: reason})
}

func recordPayment(ctx context.Context, tx *sql.Tx, eventType string, p *models.Payment) error {
	return store.InsertOutboxEvent(ctx, tx, events.AggregatePayment, p.ID, eventType, paymentEvent{
		PaymentID:    p.ID,
		OrderID:      p.OrderID,
		Status:       p.Status,
		Amount:       p.Amount,
		Currency:     p.Currency,
		IntentID:     p.IntentID,
		RefundID:     p.RefundID,
		ErrorMessage: p.ErrorMessage,
	})
}
