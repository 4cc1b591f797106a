package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/gateway"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/service"
	"github.com/safar/storefront/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const webhookSecret = "whsec_test"

type fakeCarts struct {
	lastOwner int64
	addErr    error
	panicOn   bool
}

func (f *fakeCarts) cart(ownerID int64) *models.Cart {
	f.lastOwner = ownerID
	return &models.Cart{ID: 1, OwnerID: ownerID, Status: models.CartStatusActive, TotalAmount: decimal.Zero, Items: []models.CartItem{}}
}

func (f *fakeCarts) AddItem(ctx context.Context, ownerID, productID int64, quantity int) (*models.Cart, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	return f.cart(ownerID), nil
}

func (f *fakeCarts) UpdateItemQuantity(ctx context.Context, ownerID, itemID int64, quantity int) (*models.Cart, error) {
	return f.cart(ownerID), nil
}

func (f *fakeCarts) RemoveItem(ctx context.Context, ownerID, itemID int64) (*models.Cart, error) {
	return f.cart(ownerID), nil
}

func (f *fakeCarts) Clear(ctx context.Context, ownerID int64) (*models.Cart, error) {
	return f.cart(ownerID), nil
}

func (f *fakeCarts) GetCart(ctx context.Context, ownerID int64) (*models.Cart, error) {
	if f.panicOn {
		panic("nil map write")
	}
	return f.cart(ownerID), nil
}

type fakeOrders struct {
	createReq  service.CreateOrderRequest
	createErr  error
	getErr     error
	listCursor string
	listLimit  int
	status     models.OrderStatus
}

func (f *fakeOrders) CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*models.Order, error) {
	f.createReq = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &models.Order{ID: 7, OwnerID: req.OwnerID, Status: models.OrderStatusPending}, nil
}

func (f *fakeOrders) CreateOrderFromCart(ctx context.Context, ownerID int64, address models.Address) (*models.Order, error) {
	return nil, apperr.ErrEmptyCart
}

func (f *fakeOrders) UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	f.status = status
	return &models.Order{ID: orderID, Status: status}, nil
}

func (f *fakeOrders) UpdateManualPaymentStatus(ctx context.Context, orderID int64, status models.OrderPaymentStatus) (*models.Order, error) {
	return nil, apperr.ErrPaymentManagedExternally.Withf("order %d", orderID)
}

func (f *fakeOrders) GetOrder(ctx context.Context, orderID, ownerID int64) (*models.Order, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &models.Order{ID: orderID, OwnerID: ownerID}, nil
}

func (f *fakeOrders) ListOrders(ctx context.Context, ownerID int64, cursor string, limit int) (*store.CursorPage, error) {
	f.listCursor, f.listLimit = cursor, limit
	return &store.CursorPage{Items: []models.Order{}, NextCursor: "next", HasMore: true}, nil
}

type fakePayments struct {
	event      *gateway.WebhookEvent
	webhookErr error
	createErr  error
}

func (f *fakePayments) CreatePaymentIntent(ctx context.Context, orderID, ownerID int64) (*service.PaymentIntentResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	intent := "pi_1"
	return &service.PaymentIntentResult{
		Payment:      &models.Payment{ID: 3, OrderID: orderID, OwnerID: ownerID, Status: models.PaymentStatusProcessing, IntentID: &intent},
		ClientSecret: "pi_1_secret",
	}, nil
}

func (f *fakePayments) HandleWebhook(ctx context.Context, event *gateway.WebhookEvent) error {
	f.event = event
	return f.webhookErr
}

func (f *fakePayments) RefundPayment(ctx context.Context, paymentID, ownerID int64) (*models.Payment, error) {
	return nil, apperr.ErrNotRefundable.Withf("payment %d is processing", paymentID)
}

func (f *fakePayments) GetPaymentDetails(ctx context.Context, paymentID, ownerID int64) (*models.Payment, error) {
	return nil, errors.New("connection reset by peer")
}

type fixture struct {
	carts    *fakeCarts
	orders   *fakeOrders
	payments *fakePayments
	handler  http.Handler
}

func newFixture(t *testing.T, dev bool) *fixture {
	t.Helper()
	f := &fixture{carts: &fakeCarts{}, orders: &fakeOrders{}, payments: &fakePayments{}}
	f.handler = NewRouter(Options{
		Carts:       f.carts,
		Orders:      f.orders,
		Payments:    f.payments,
		Webhooks:    gateway.NewWebhookVerifier(webhookSecret, 5*time.Minute),
		Logger:      zaptest.NewLogger(t),
		Development: dev,
		Health:      func(ctx context.Context) error { return nil },
	})
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func owner(id string) map[string]string {
	return map[string]string{OwnerHeader: id}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestOwnerHeaderRequired(t *testing.T) {
	f := newFixture(t, false)

	for _, id := range []string{"", "abc", "0", "-4"} {
		rec := f.do(http.MethodGet, "/cart", "", owner(id))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "owner %q", id)
		assert.Equal(t, "unauthenticated", decodeError(t, rec).Code)
	}

	rec := f.do(http.MethodGet, "/cart", "", owner("42"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), f.carts.lastOwner)
}

func TestPanicAnswersJSON(t *testing.T) {
	f := newFixture(t, false)
	f.carts.panicOn = true

	rec := f.do(http.MethodGet, "/cart", "", owner("1"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "internal", decodeError(t, rec).Code)
	assert.NotContains(t, rec.Body.String(), "nil map")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	down := NewRouter(Options{Health: func(ctx context.Context) error { return errors.New("db down") }})
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateOrderPassesIdempotencyKey(t *testing.T) {
	f := newFixture(t, false)
	body := `{"items":[{"product_id":1,"quantity":2}],"shipping_address":{"line1":"1 Main St","city":"Springfield","postal_code":"12345","country":"US"}}`

	rec := f.do(http.MethodPost, "/orders", body, map[string]string{OwnerHeader: "5", IdempotencyKeyHeader: " checkout-1 "})
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, int64(5), f.orders.createReq.OwnerID)
	assert.Equal(t, "checkout-1", f.orders.createReq.IdempotencyKey)
	assert.Equal(t, []models.LineRequest{{ProductID: 1, Quantity: 2}}, f.orders.createReq.Items)
	assert.Equal(t, "Springfield", f.orders.createReq.ShippingAddress.City)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperr.Validation(map[string]string{"items": "at least one item is required"}), http.StatusBadRequest, "validation_failed"},
		{"not found", apperr.ErrNotFound.Withf("order 9"), http.StatusNotFound, "not_found"},
		{"conflict", apperr.ErrInsufficientStock.Withf("product 1"), http.StatusConflict, "insufficient_stock"},
		{"lock timeout", apperr.ErrLockTimeout, http.StatusConflict, "lock_timeout"},
		{"gateway", apperr.External("payment gateway", errors.New("dial tcp: refused")), http.StatusBadGateway, "gateway_error"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.orders.createErr = tt.err
			body := `{"items":[{"product_id":1,"quantity":1}],"shipping_address":{}}`

			rec := f.do(http.MethodPost, "/orders", body, owner("1"))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestConflictHidesStockLevels(t *testing.T) {
	f := newFixture(t, false)
	f.orders.createErr = apperr.ErrInsufficientStock.Wrap(errors.New("product 1 has 2, requested 5"))

	rec := f.do(http.MethodPost, "/orders", `{"items":[]}`, owner("1"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient stock", decodeError(t, rec).Message)
	assert.NotContains(t, rec.Body.String(), "has 2")
}

func TestValidationFieldsAreReturned(t *testing.T) {
	f := newFixture(t, false)
	f.orders.createErr = apperr.Validation(map[string]string{"shipping_address.city": "is required"})

	rec := f.do(http.MethodPost, "/orders", `{"items":[],"shipping_address":{}}`, owner("1"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "is required", decodeError(t, rec).Fields["shipping_address.city"])
}

func TestInternalDetailOnlyInDevelopment(t *testing.T) {
	prod := newFixture(t, false)
	rec := prod.do(http.MethodGet, "/payments/3", "", owner("1"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeError(t, rec).Message)

	dev := newFixture(t, true)
	rec = dev.do(http.MethodGet, "/payments/3", "", owner("1"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "connection reset")

	prod.orders.createErr = apperr.External("payment gateway", errors.New("secret upstream detail"))
	rec = prod.do(http.MethodPost, "/orders", `{"items":[]}`, owner("1"))
	assert.NotContains(t, rec.Body.String(), "secret upstream detail")
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(http.MethodPost, "/cart/items", `{"product_id":1,"quantity":1,"price":"0.01"}`, owner("1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = f.do(http.MethodPost, "/cart/items", "", owner("1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/orders/abc", "", owner("1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Fields, "orderID")

	rec = f.do(http.MethodGet, "/orders?limit=-1", "", owner("1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/payments", `{}`, owner("1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListOrdersQuery(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodGet, "/orders?cursor=abc&limit=5", "", owner("1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", f.orders.listCursor)
	assert.Equal(t, 5, f.orders.listLimit)
	assert.JSONEq(t, `{"items":[],"next_cursor":"next","has_more":true}`, rec.Body.String())
}

func TestConflictRoutes(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(http.MethodPost, "/orders/from-cart", `{"shipping_address":{}}`, owner("1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "empty_cart", decodeError(t, rec).Code)

	rec = f.do(http.MethodPost, "/payments/3/refund", "", owner("1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_refundable", decodeError(t, rec).Code)

	rec = f.do(http.MethodPatch, "/admin/orders/3/payment-status", `{"payment_status":"paid"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "payment_managed_externally", decodeError(t, rec).Code)
}

func TestAdminStatusRoute(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPatch, "/admin/orders/3/status", `{"status":"shipped"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OrderStatusShipped, f.orders.status)
}

func TestCreatePayment(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/payments", `{"order_id":7}`, owner("2"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var res service.PaymentIntentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "pi_1_secret", res.ClientSecret)
	assert.Equal(t, int64(7), res.Payment.OrderID)
}

func signedWebhook(f *fixture, body string, at time.Time) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/webhooks/gateway", body, map[string]string{
		gateway.SignatureHeader: gateway.SignatureFor(webhookSecret, at, []byte(body)),
	})
}

func TestGatewayWebhook(t *testing.T) {
	body := `{"id":"evt_1","type":"payment_succeeded","data":{"intent_id":"pi_1"}}`

	t.Run("accepted", func(t *testing.T) {
		f := newFixture(t, false)
		rec := signedWebhook(f, body, time.Now())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"received":true}`, rec.Body.String())
		require.NotNil(t, f.payments.event)
		assert.Equal(t, "evt_1", f.payments.event.ID)
		assert.Equal(t, "pi_1", f.payments.event.IntentID)
	})

	t.Run("missing signature", func(t *testing.T) {
		f := newFixture(t, false)
		rec := f.do(http.MethodPost, "/webhooks/gateway", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, f.payments.event)
	})

	t.Run("tampered body", func(t *testing.T) {
		f := newFixture(t, false)
		rec := f.do(http.MethodPost, "/webhooks/gateway", strings.Replace(body, "pi_1", "pi_2", 1), map[string]string{
			gateway.SignatureHeader: gateway.SignatureFor(webhookSecret, time.Now(), []byte(body)),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("stale signature", func(t *testing.T) {
		f := newFixture(t, false)
		rec := signedWebhook(f, body, time.Now().Add(-time.Hour))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed", func(t *testing.T) {
		f := newFixture(t, false)
		rec := signedWebhook(f, `{"id":"evt_2","type":"payment_failed","data":{}}`, time.Now())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("arrived early", func(t *testing.T) {
		f := newFixture(t, false)
		f.payments.webhookErr = apperr.ErrEventOutOfOrder.Withf("payment 1 is processing")
		rec := signedWebhook(f, body, time.Now())
		assert.Equal(t, http.StatusConflict, rec.Code, "non-2xx makes the gateway redeliver")
	})

	t.Run("unknown intent", func(t *testing.T) {
		f := newFixture(t, false)
		f.payments.webhookErr = apperr.ErrNotFound.Withf("payment with intent pi_1")
		rec := signedWebhook(f, body, time.Now())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMetricsRoute(t *testing.T) {
	h := NewRouter(Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("storefront_up 1\n"))
	})})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "storefront_up")
}
