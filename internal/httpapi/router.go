// Package httpapi exposes the storefront use cases over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/storefront/internal/gateway"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/service"
	"github.com/safar/storefront/internal/store"
	"go.uber.org/zap"
)

type CartService interface {
	AddItem(ctx context.Context, ownerID, productID int64, quantity int) (*models.Cart, error)
	UpdateItemQuantity(ctx context.Context, ownerID, itemID int64, quantity int) (*models.Cart, error)
	RemoveItem(ctx context.Context, ownerID, itemID int64) (*models.Cart, error)
	Clear(ctx context.Context, ownerID int64) (*models.Cart, error)
	GetCart(ctx context.Context, ownerID int64) (*models.Cart, error)
}

type OrderService interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*models.Order, error)
	CreateOrderFromCart(ctx context.Context, ownerID int64, address models.Address) (*models.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error)
	UpdateManualPaymentStatus(ctx context.Context, orderID int64, status models.OrderPaymentStatus) (*models.Order, error)
	GetOrder(ctx context.Context, orderID, ownerID int64) (*models.Order, error)
	ListOrders(ctx context.Context, ownerID int64, cursor string, limit int) (*store.CursorPage, error)
}

type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, orderID, ownerID int64) (*service.PaymentIntentResult, error)
	HandleWebhook(ctx context.Context, event *gateway.WebhookEvent) error
	RefundPayment(ctx context.Context, paymentID, ownerID int64) (*models.Payment, error)
	GetPaymentDetails(ctx context.Context, paymentID, ownerID int64) (*models.Payment, error)
}

// WebhookParser authenticates and decodes a gateway delivery.
type WebhookParser interface {
	Parse(body []byte, signature string) (*gateway.WebhookEvent, error)
}

type Options struct {
	Carts    CartService
	Orders   OrderService
	Payments PaymentService
	Webhooks WebhookParser
	Logger   *zap.Logger
	// Development exposes internal error detail in responses.
	Development    bool
	RequestTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Health is probed by /healthz when set.
	Health func(ctx context.Context) error
}

type handler struct {
	carts    CartService
	orders   OrderService
	payments PaymentService
	webhooks WebhookParser
	logger   *zap.Logger
	dev      bool
}

func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	h := &handler{
		carts:    opts.Carts,
		orders:   opts.Orders,
		payments: opts.Payments,
		webhooks: opts.Webhooks,
		logger:   logger,
		dev:      opts.Development,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(recoverer)

	r.Get("/healthz", healthHandler(opts.Health))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Post("/webhooks/gateway", h.gatewayWebhook)

		r.Route("/admin/orders/{orderID}", func(r chi.Router) {
			r.Patch("/status", h.updateOrderStatus)
			r.Patch("/payment-status", h.updateOrderPaymentStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireOwner)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.getCart)
				r.Delete("/", h.clearCart)
				r.Post("/items", h.addCartItem)
				r.Patch("/items/{itemID}", h.updateCartItem)
				r.Delete("/items/{itemID}", h.removeCartItem)
			})

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", h.listOrders)
				r.Post("/", h.createOrder)
				r.Post("/from-cart", h.createOrderFromCart)
				r.Get("/{orderID}", h.getOrder)
			})

			r.Route("/payments", func(r chi.Router) {
				r.Post("/", h.createPayment)
				r.Get("/{paymentID}", h.getPayment)
				r.Post("/{paymentID}/refund", h.refundPayment)
			})
		})
	})

	return r
}

func healthHandler(probe func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if probe != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := probe(ctx); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
