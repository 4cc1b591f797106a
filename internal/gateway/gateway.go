// Package gateway is the boundary to the external payment processor: the
// outbound calls the core makes and the inbound webhook events it accepts.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
	EventChargeRefunded   EventType = "charge_refunded"
)

// Known reports whether the core reconciles events of this type.
func (t EventType) Known() bool {
	switch t {
	case EventPaymentSucceeded, EventPaymentFailed, EventChargeRefunded:
		return true
	}
	return false
}

type IntentRequest struct {
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
	Raw          json.RawMessage
}

type Refund struct {
	ID  string
	Raw json.RawMessage
}

// Gateway is what the payment service needs from the processor.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	CreateRefund(ctx context.Context, intentID, idempotencyKey string) (*Refund, error)
}

// WebhookEvent is a verified, decoded gateway notification.
type WebhookEvent struct {
	ID             string
	Type           EventType
	IntentID       string
	FailureMessage string
	RefundID       string
	CreatedAt      time.Time
	Payload        json.RawMessage
}
