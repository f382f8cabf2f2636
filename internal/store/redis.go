package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/models"
)

// redisKeyPrefix namespaces intent keys in a shared redis.
const redisKeyPrefix = "mpesa:intent:"

// RedisStore is a PendingStore backed by redis, for running more than one
// instance behind a load balancer. Expiry rides on the key TTL, so the sweep
// has nothing to do here.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, checkoutRequestID string, intent *models.PendingIntent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal pending intent: %v", err)
	}
	return s.client.Set(ctx, redisKeyPrefix+checkoutRequestID, payload, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, checkoutRequestID string) (*models.PendingIntent, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+checkoutRequestID).Bytes()
	if err == redis.Nil {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending intent: %v", err)
	}

	var intent models.PendingIntent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending intent: %v", err)
	}
	return &intent, nil
}

func (s *RedisStore) Delete(ctx context.Context, checkoutRequestID string) error {
	return s.client.Del(ctx, redisKeyPrefix+checkoutRequestID).Err()
}

func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) int {
	return 0
}
