// Package dedupe remembers which gateway webhook events were already applied,
// so replays can be acknowledged without opening a transaction.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "storefront:webhook:"

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func key(eventID string) string {
	return keyPrefix + eventID
}

// Seen reports whether the event id was marked as processed.
func (s *Store) Seen(ctx context.Context, eventID string) (bool, error) {
	err := s.client.Get(ctx, key(eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedupe lookup %s: %w", eventID, err)
	}
	return true, nil
}

// Mark records the event id as processed. It returns false if another
// delivery marked it first.
func (s *Store) Mark(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, key(eventID), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe mark %s: %w", eventID, err)
	}
	return ok, nil
}
