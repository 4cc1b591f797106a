package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/dedupe"
	"github.com/safar/storefront/internal/gateway"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"github.com/safar/storefront/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeGateway struct {
	mu         sync.Mutex
	intents    int
	refunds    int
	intentID   string
	intentErr  error
	refundErr  error
	requests   []gateway.IntentRequest
	refundKeys []string

	// When set, CreateRefund signals refundCalled and waits for
	// releaseRefund before answering.
	refundCalled  chan struct{}
	releaseRefund chan struct{}
}

func (g *fakeGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	g.intents++
	id := g.intentID
	if id == "" {
		id = fmt.Sprintf("pi_%d", g.intents)
	}
	g.intentID = ""
	raw := fmt.Sprintf(`{"id":%q,"status":"requires_payment_method"}`, id)
	return &gateway.Intent{ID: id, ClientSecret: id + "_secret", Raw: []byte(raw)}, nil
}

func (g *fakeGateway) CreateRefund(ctx context.Context, intentID, idempotencyKey string) (*gateway.Refund, error) {
	g.mu.Lock()
	called, release := g.refundCalled, g.releaseRefund
	g.mu.Unlock()
	if called != nil {
		close(called)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundKeys = append(g.refundKeys, idempotencyKey)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds++
	id := fmt.Sprintf("re_%d", g.refunds)
	return &gateway.Refund{ID: id, Raw: []byte(fmt.Sprintf(`{"id":%q,"payment_intent":%q}`, id, intentID))}, nil
}

type testEnv struct {
	db       *sql.DB
	carts    *CartService
	orders   *OrderService
	payments *PaymentService
	gateway  *fakeGateway
	redis    *miniredis.Miniredis
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	deps := Deps{DB: db, TxOptions: database.DefaultTxOptions(), Logger: zaptest.NewLogger(t)}
	gw := &fakeGateway{}

	return &testEnv{
		db:       db,
		carts:    NewCartService(deps),
		orders:   NewOrderService(deps, "usd"),
		payments: NewPaymentService(deps, gw, dedupe.NewStore(rdb, time.Hour)),
		gateway:  gw,
		redis:    mr,
	}
}

func (e *testEnv) user(t *testing.T) int64 {
	t.Helper()
	u, err := store.CreateUser(context.Background(), e.db, uuid.NewString()+"@example.com", "Test User")
	require.NoError(t, err)
	return u.ID
}

func (e *testEnv) product(t *testing.T, price string, stock int) *models.Product {
	t.Helper()
	p, err := store.CreateProduct(context.Background(), e.db, "SKU-"+uuid.NewString()[:8], "Product", "", decimal.RequireFromString(price), stock)
	require.NoError(t, err)
	return p
}

func (e *testEnv) stock(t *testing.T, productID int64) int {
	t.Helper()
	p, err := store.GetProduct(context.Background(), e.db, productID)
	require.NoError(t, err)
	return p.StockQuantity
}

func (e *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(query, args...).Scan(&n))
	return n
}

func (e *testEnv) outboxCount(t *testing.T, eventType string, aggregateID int64) int {
	return e.count(t, `SELECT COUNT(*) FROM outbox_events WHERE event_type = $1 AND aggregate_id = $2`, eventType, aggregateID)
}

func (e *testEnv) order(t *testing.T, ownerID int64, lines ...models.LineRequest) *models.Order {
	t.Helper()
	o, err := e.orders.CreateOrder(context.Background(), CreateOrderRequest{
		OwnerID:         ownerID,
		Items:           lines,
		ShippingAddress: testAddress(),
	})
	require.NoError(t, err)
	return o
}

// paidOrder creates an order and drives its payment to succeeded.
func (e *testEnv) paidOrder(t *testing.T, ownerID int64, lines ...models.LineRequest) (*models.Order, *models.Payment) {
	t.Helper()
	ctx := context.Background()
	o := e.order(t, ownerID, lines...)

	res, err := e.payments.CreatePaymentIntent(ctx, o.ID, ownerID)
	require.NoError(t, err)

	require.NoError(t, e.payments.HandleWebhook(ctx, webhookEvent(gateway.EventPaymentSucceeded, *res.Payment.IntentID)))

	p, err := e.payments.GetPaymentDetails(ctx, res.Payment.ID, ownerID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSucceeded, p.Status)
	return o, p
}

func testAddress() models.Address {
	return models.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "us"}
}

func line(productID int64, quantity int) models.LineRequest {
	return models.LineRequest{ProductID: productID, Quantity: quantity}
}

func webhookEvent(t gateway.EventType, intentID string) *gateway.WebhookEvent {
	id := "evt_" + uuid.NewString()
	return &gateway.WebhookEvent{
		ID:        id,
		Type:      t,
		IntentID:  intentID,
		CreatedAt: time.Now().UTC(),
		Payload:   []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":{"intent_id":%q}}`, id, t, intentID)),
	}
}

var errGatewayDown = errors.New("gateway unavailable")
