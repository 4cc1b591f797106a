package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/events"
	"github.com/safar/storefront/internal/gateway"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	eventIntentCreated = "intent_created"
	eventRefundCreated = "refund_created"

	defaultFailureMessage = "payment failed"
)

// EventDeduper remembers gateway event ids that were already applied.
type EventDeduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) (bool, error)
}

type PaymentIntentResult struct {
	Payment      *models.Payment `json:"payment"`
	ClientSecret string          `json:"client_secret"`
}

// webhookOutcome says what HandleWebhook did with an event.
type webhookOutcome string

const (
	outcomeApplied   webhookOutcome = "applied"
	outcomeNoop      webhookOutcome = "noop"
	outcomeStale     webhookOutcome = "stale"
	outcomeIgnored   webhookOutcome = "ignored"
	outcomeDuplicate webhookOutcome = "duplicate"
)

type PaymentService struct {
	Deps
	gateway gateway.Gateway
	dedupe  EventDeduper
	now     func() time.Time
}

// NewPaymentService wires the payment use cases. dedupe may be nil, in which
// case every webhook delivery goes to the database.
func NewPaymentService(deps Deps, gw gateway.Gateway, dedupe EventDeduper) *PaymentService {
	return &PaymentService{
		Deps:    deps.withDefaults(),
		gateway: gw,
		dedupe:  dedupe,
		now:     time.Now,
	}
}

// CreatePaymentIntent opens a payment attempt for the owner's order and asks
// the gateway for an intent. The unit of work spans the gateway call, so a
// gateway failure leaves no payment row behind.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, orderID, ownerID int64) (result *PaymentIntentResult, err error) {
	ctx, span := startSpan(ctx, "PaymentService.CreatePaymentIntent",
		attribute.Int64("order.id", orderID), attribute.Int64("owner.id", ownerID))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("payment_create_intent", start, err)
		endSpan(span, err)
	}()

	err = database.WithTransaction(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		order, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.OwnerID != ownerID {
			return apperr.ErrNotFound.Withf("order %d", orderID)
		}
		if order.Status == models.OrderStatusCancelled || !order.PaymentStatus.Payable() {
			return apperr.ErrOrderNotPayable.Withf("order %d is %s/%s", order.ID, order.Status, order.PaymentStatus)
		}

		blocking, err := store.FindBlockingPayment(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if blocking != nil {
			return apperr.ErrPaymentInFlight.Withf("payment %d is %s", blocking.ID, blocking.Status)
		}

		if order.PaymentStatus == models.OrderPaymentFailed {
			if err := store.UpdateOrderPaymentStatus(ctx, tx, order.ID, models.OrderPaymentPending); err != nil {
				return err
			}
			if err := recordOrderPaymentChanged(ctx, tx, order.ID, models.OrderPaymentFailed, models.OrderPaymentPending, "retry"); err != nil {
				return err
			}
		}

		attempts, err := store.CountPayments(ctx, tx, order.ID)
		if err != nil {
			return err
		}

		p := &models.Payment{
			OrderID:  order.ID,
			OwnerID:  order.OwnerID,
			Amount:   order.TotalAmount,
			Currency: order.Currency,
			Status:   models.PaymentStatusPending,
			Metadata: models.PaymentMetadata{Version: models.PaymentMetadataVersion},
		}
		if err := store.InsertPayment(ctx, tx, p); err != nil {
			return err
		}

		intent, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
			Amount:   p.Amount,
			Currency: strings.ToLower(p.Currency),
			// Stable per attempt, so a retry after a lost response reuses the intent.
			IdempotencyKey: fmt.Sprintf("order-%d-attempt-%d", order.ID, attempts+1),
			Metadata: map[string]string{
				"order_id":     strconv.FormatInt(order.ID, 10),
				"order_number": order.OrderNumber,
				"payment_id":   strconv.FormatInt(p.ID, 10),
			},
		})
		if err != nil {
			return apperr.External("payment gateway", err)
		}

		p.Status = models.PaymentStatusProcessing
		p.IntentID = &intent.ID
		p.Metadata.RecordEvent(eventIntentCreated, s.now(), intent.Raw)
		if err := store.SavePaymentTransition(ctx, tx, p, models.PaymentStatusPending); err != nil {
			return err
		}
		if err := recordPayment(ctx, tx, events.PaymentIntentCreated, p); err != nil {
			return err
		}

		result = &PaymentIntentResult{Payment: p, ClientSecret: intent.ClientSecret}
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindExternal {
			logging.FromContext(ctx, s.Logger).Error("payment_intent_failed",
				zap.Int64("order_id", orderID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	logging.FromContext(ctx, s.Logger).Info("payment_intent_created",
		zap.Int64("payment_id", result.Payment.ID),
		zap.Int64("order_id", orderID),
		zap.String("intent_id", *result.Payment.IntentID),
		zap.String("amount", result.Payment.Amount.StringFixed(2)),
	)
	return result, nil
}

// HandleWebhook reconciles one gateway event with the payment it refers to.
// It is safe to call any number of times for the same event: a payment
// already in the event's target state is left untouched, and an event that
// would move a payment backwards is dropped. An event that arrived ahead of
// the one it depends on fails with ErrEventOutOfOrder and is not marked as
// seen, so the gateway's redelivery applies it later.
func (s *PaymentService) HandleWebhook(ctx context.Context, event *gateway.WebhookEvent) (err error) {
	ctx, span := startSpan(ctx, "PaymentService.HandleWebhook",
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", string(event.Type)),
		attribute.String("payment.intent_id", event.IntentID))
	start := time.Now()
	outcome := outcomeApplied
	defer func() {
		s.Metrics.Observe("payment_webhook", start, err)
		if err == nil {
			s.Metrics.Webhook(string(event.Type), string(outcome))
		}
		span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
		endSpan(span, err)
	}()

	logger := logging.FromContext(ctx, s.Logger).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("intent_id", event.IntentID),
	)

	if !event.Type.Known() {
		outcome = outcomeIgnored
		logger.Info("webhook_ignored")
		return nil
	}

	if s.dedupe != nil && event.ID != "" {
		seen, err := s.dedupe.Seen(ctx, event.ID)
		if err != nil {
			logger.Warn("webhook_dedupe_unavailable", zap.Error(err))
		} else if seen {
			outcome = outcomeDuplicate
			logger.Info("webhook_duplicate")
			return nil
		}
	}

	var payment *models.Payment
	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		p, err := store.LockPaymentByIntent(ctx, tx, event.IntentID)
		if err != nil {
			return err
		}
		payment = p

		outcome, err = s.applyEvent(ctx, tx, p, event)
		return err
	})
	if err != nil {
		switch {
		case apperr.KindOf(err) == apperr.KindNotFound:
			logger.Warn("webhook_unknown_intent")
		case errors.Is(err, apperr.ErrEventOutOfOrder):
			logger.Warn("webhook_out_of_order", zap.String("payment_status", string(payment.Status)))
		}
		return err
	}

	switch outcome {
	case outcomeApplied:
		logger.Info("webhook_applied",
			zap.Int64("payment_id", payment.ID),
			zap.String("payment_status", string(payment.Status)),
		)
	case outcomeNoop:
		logger.Info("webhook_already_applied", zap.Int64("payment_id", payment.ID))
	case outcomeStale:
		logger.Warn("webhook_stale_ignored",
			zap.Int64("payment_id", payment.ID),
			zap.String("payment_status", string(payment.Status)),
		)
	}

	if s.dedupe != nil && event.ID != "" {
		if _, err := s.dedupe.Mark(ctx, event.ID); err != nil {
			logger.Warn("webhook_dedupe_mark_failed", zap.Error(err))
		}
	}
	return nil
}

func (s *PaymentService) applyEvent(ctx context.Context, tx *sql.Tx, p *models.Payment, event *gateway.WebhookEvent) (webhookOutcome, error) {
	var target models.PaymentStatus
	switch event.Type {
	case gateway.EventPaymentSucceeded:
		target = models.PaymentStatusSucceeded
	case gateway.EventPaymentFailed:
		target = models.PaymentStatusFailed
	case gateway.EventChargeRefunded:
		target = models.PaymentStatusRefunded
	default:
		return outcomeIgnored, nil
	}

	if p.Status == target {
		return outcomeNoop, nil
	}
	if !models.CanTransitionPayment(p.Status, target) {
		if models.PaymentReachable(p.Status, target) {
			// The event overtook an earlier one; failing it makes the
			// gateway deliver it again once the payment has caught up.
			return outcomeStale, apperr.ErrEventOutOfOrder.Withf("payment %d is %s, %s arrived early",
				p.ID, p.Status, event.Type)
		}
		return outcomeStale, nil
	}

	at := event.CreatedAt
	if at.IsZero() {
		at = s.now()
	}

	switch event.Type {
	case gateway.EventPaymentSucceeded:
		return outcomeApplied, s.markSucceeded(ctx, tx, p, event, at)
	case gateway.EventPaymentFailed:
		return outcomeApplied, s.markFailed(ctx, tx, p, event, at)
	default:
		return outcomeApplied, applyRefund(ctx, tx, p, event.RefundID, string(event.Type), at, event.Payload)
	}
}

func (s *PaymentService) markSucceeded(ctx context.Context, tx *sql.Tx, p *models.Payment, event *gateway.WebhookEvent, at time.Time) error {
	p.Status = models.PaymentStatusSucceeded
	p.ErrorMessage = nil
	p.Metadata.RecordEvent(string(event.Type), at, event.Payload)
	if err := store.SavePaymentTransition(ctx, tx, p, models.PaymentStatusProcessing); err != nil {
		return err
	}

	order, err := store.LockOrder(ctx, tx, p.OrderID)
	if err != nil {
		return err
	}
	if models.CanTransitionOrderPayment(order.PaymentStatus, models.OrderPaymentPaid) {
		if err := store.UpdateOrderPaymentStatus(ctx, tx, order.ID, models.OrderPaymentPaid); err != nil {
			return err
		}
		if err := recordOrderPaymentChanged(ctx, tx, order.ID, order.PaymentStatus, models.OrderPaymentPaid, "gateway"); err != nil {
			return err
		}
	}
	if order.Status == models.OrderStatusPending {
		if err := store.UpdateOrderStatus(ctx, tx, order.ID, models.OrderStatusProcessing); err != nil {
			return err
		}
		if err := recordOrderStatusChanged(ctx, tx, order.ID, order.Status, models.OrderStatusProcessing, "payment_succeeded"); err != nil {
			return err
		}
	} else if order.Status == models.OrderStatusCancelled {
		logging.FromContext(ctx, s.Logger).Warn("payment_succeeded_for_cancelled_order",
			zap.Int64("order_id", order.ID),
			zap.Int64("payment_id", p.ID),
		)
	}

	return recordPayment(ctx, tx, events.PaymentSucceeded, p)
}

func (s *PaymentService) markFailed(ctx context.Context, tx *sql.Tx, p *models.Payment, event *gateway.WebhookEvent, at time.Time) error {
	msg := event.FailureMessage
	if msg == "" {
		msg = defaultFailureMessage
	}
	p.Status = models.PaymentStatusFailed
	p.ErrorMessage = &msg
	p.Metadata.RecordEvent(string(event.Type), at, event.Payload)
	if err := store.SavePaymentTransition(ctx, tx, p, models.PaymentStatusProcessing); err != nil {
		return err
	}

	order, err := store.LockOrder(ctx, tx, p.OrderID)
	if err != nil {
		return err
	}
	if models.CanTransitionOrderPayment(order.PaymentStatus, models.OrderPaymentFailed) {
		if err := store.UpdateOrderPaymentStatus(ctx, tx, order.ID, models.OrderPaymentFailed); err != nil {
			return err
		}
		if err := recordOrderPaymentChanged(ctx, tx, order.ID, order.PaymentStatus, models.OrderPaymentFailed, "gateway"); err != nil {
			return err
		}
	}

	return recordPayment(ctx, tx, events.PaymentFailed, p)
}

// applyRefund is the one refund transition, shared by the refund API and the
// charge_refunded webhook. The caller holds the payment row lock and has
// checked that the payment succeeded.
func applyRefund(ctx context.Context, tx *sql.Tx, p *models.Payment, refundID, eventType string, at time.Time, raw []byte) error {
	p.Status = models.PaymentStatusRefunded
	if refundID != "" {
		p.RefundID = &refundID
	}
	p.Metadata.RecordEvent(eventType, at, raw)
	if err := store.SavePaymentTransition(ctx, tx, p, models.PaymentStatusSucceeded); err != nil {
		return err
	}

	order, err := store.LockOrder(ctx, tx, p.OrderID)
	if err != nil {
		return err
	}
	if models.CanTransitionOrderPayment(order.PaymentStatus, models.OrderPaymentRefunded) {
		if err := store.UpdateOrderPaymentStatus(ctx, tx, order.ID, models.OrderPaymentRefunded); err != nil {
			return err
		}
		if err := recordOrderPaymentChanged(ctx, tx, order.ID, order.PaymentStatus, models.OrderPaymentRefunded, "refund"); err != nil {
			return err
		}
	}
	if order.Status != models.OrderStatusCancelled {
		if err := cancelOrder(ctx, tx, order, "refund"); err != nil {
			return err
		}
	}

	return recordPayment(ctx, tx, events.PaymentRefunded, p)
}

// RefundPayment refunds the owner's succeeded payment through the gateway
// and cancels its order.
func (s *PaymentService) RefundPayment(ctx context.Context, paymentID, ownerID int64) (payment *models.Payment, err error) {
	ctx, span := startSpan(ctx, "PaymentService.RefundPayment",
		attribute.Int64("payment.id", paymentID), attribute.Int64("owner.id", ownerID))
	start := time.Now()
	defer func() {
		s.Metrics.Observe("payment_refund", start, err)
		endSpan(span, err)
	}()

	err = database.WithTransaction(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		p, err := store.LockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return apperr.ErrNotFound.Withf("payment %d", paymentID)
		}
		if p.Status != models.PaymentStatusSucceeded || p.IntentID == nil {
			return apperr.ErrNotRefundable.Withf("payment %d is %s", p.ID, p.Status)
		}

		refund, err := s.gateway.CreateRefund(ctx, *p.IntentID, fmt.Sprintf("refund-payment-%d", p.ID))
		if err != nil {
			return apperr.External("payment gateway", err)
		}

		if err := applyRefund(ctx, tx, p, refund.ID, eventRefundCreated, s.now(), refund.Raw); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindExternal {
			logging.FromContext(ctx, s.Logger).Error("payment_refund_failed",
				zap.Int64("payment_id", paymentID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	logging.FromContext(ctx, s.Logger).Info("payment_refunded",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("amount", payment.Amount.StringFixed(2)),
	)
	return payment, nil
}

// GetPaymentDetails returns the owner's payment. Another owner's payment is
// reported as not found.
func (s *PaymentService) GetPaymentDetails(ctx context.Context, paymentID, ownerID int64) (*models.Payment, error) {
	p, err := store.GetPayment(ctx, s.DB, paymentID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, apperr.ErrNotFound.Withf("payment %d", paymentID)
	}
	return p, nil
}
