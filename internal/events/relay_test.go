package events

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/store"
	"github.com/safar/storefront/internal/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (p *fakePublisher) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakePublisher) sent() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.msgs...)
}

func insertEvents(t *testing.T, db *sql.DB, n int) {
	t.Helper()
	ctx := context.Background()
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		for i := 0; i < n; i++ {
			if err := store.InsertOutboxEvent(ctx, tx, AggregateOrder, int64(i+1), OrderCreated, map[string]int{"order_id": i + 1}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRelayPublishesAndMarks(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	insertEvents(t, db, 3)

	pub := &fakePublisher{}
	relay := NewRelay(db, pub, time.Second, 2, nil, nil)

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	msgs := pub.sent()
	require.Len(t, msgs, 3)
	assert.Equal(t, "order:1", string(msgs[0].Key))
	assert.JSONEq(t, `{"order_id":1}`, string(msgs[0].Value))
	assert.Equal(t, OrderCreated, string(msgs[0].Headers[0].Value))
}

func TestRelayLeavesEventsOnPublishFailure(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	insertEvents(t, db, 2)

	pub := &fakePublisher{err: errors.New("broker down")}
	relay := NewRelay(db, pub, time.Second, 10, nil, nil)

	_, err := relay.RunOnce(context.Background())
	require.Error(t, err)

	var unpublished int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM outbox_events WHERE published_at IS NULL`).Scan(&unpublished))
	assert.Equal(t, 2, unpublished)

	pub.err = nil
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	insertEvents(t, db, 1)

	pub := &fakePublisher{}
	relay := NewRelay(db, pub, 10*time.Millisecond, 10, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.sent()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestMessage(t *testing.T) {
	msg := Message(store.OutboxEvent{
		ID:            42,
		AggregateType: AggregatePayment,
		AggregateID:   7,
		EventType:     PaymentRefunded,
		Payload:       []byte(`{"payment_id":7}`),
	})

	assert.Equal(t, "payment:7", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, "42", string(msg.Headers[1].Value))
}
