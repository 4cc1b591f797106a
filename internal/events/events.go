// Package events names the domain events recorded in the outbox and relays
// them to Kafka.
package events

const (
	AggregateOrder   = "order"
	AggregatePayment = "payment"
)

const (
	OrderCreated         = "order.created"
	OrderStatusChanged   = "order.status_changed"
	OrderPaymentChanged  = "order.payment_status_changed"
	PaymentIntentCreated = "payment.intent_created"
	PaymentSucceeded     = "payment.succeeded"
	PaymentFailed        = "payment.failed"
	PaymentRefunded      = "payment.refunded"
)
