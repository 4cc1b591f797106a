package events

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/metrics"
	"github.com/safar/storefront/internal/store"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the part of *kafka.Writer the relay uses.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteTimeout:           5 * time.Second,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// Relay moves committed outbox rows to the broker. Several relays may run at
// once; each batch is claimed with SKIP LOCKED so a row is sent by one relay.
type Relay struct {
	db        *sql.DB
	publisher Publisher
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewRelay(db *sql.DB, publisher Publisher, interval time.Duration, batchSize int, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		db:        db,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		metrics:   m,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				n, err := r.RunOnce(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						r.logger.Warn("outbox_relay_failed", zap.Error(err))
					}
					break
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}

// RunOnce publishes one batch and returns how many events it sent. When the
// broker rejects the batch nothing is marked and the rows are retried on the
// next poll, so consumers must tolerate duplicates.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	var sent []store.OutboxEvent

	err := database.WithTransaction(ctx, r.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		claimed, err := store.ClaimUnpublishedEvents(ctx, tx, r.batchSize)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		msgs := make([]kafka.Message, 0, len(claimed))
		ids := make([]int64, 0, len(claimed))
		for _, e := range claimed {
			msgs = append(msgs, Message(e))
			ids = append(ids, e.ID)
		}

		if err := r.publisher.WriteMessages(ctx, msgs...); err != nil {
			for _, e := range claimed {
				r.metrics.PublishFailed(e.EventType)
			}
			return err
		}

		if err := store.MarkEventsPublished(ctx, tx, ids); err != nil {
			return err
		}
		sent = claimed
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, e := range sent {
		r.metrics.Published(e.EventType)
	}
	if len(sent) > 0 {
		r.logger.Debug("outbox_published", zap.Int("count", len(sent)))
	}
	return len(sent), nil
}

// Message maps an outbox row to a Kafka message keyed by aggregate, so all
// events of one order or payment land on the same partition in order.
func Message(e store.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(e.AggregateType + ":" + strconv.FormatInt(e.AggregateID, 10)),
		Value: e.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(e.ID, 10))},
		},
		Time: e.CreatedAt,
	}
}
