package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix   = "idem:lock:"
	resultPrefix = "idem:result:"
)

// completeScript stores the result and drops the lock in one step.
var completeScript = redis.NewScript(`
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	redis.call("DEL", KEYS[2])
	return 1
`)

// IdempotencyStore keeps createTransaction results keyed by the client's
// Idempotency-Key. A key is locked while its first request runs.
type IdempotencyStore struct {
	client    redis.UniversalClient
	lockTTL   time.Duration
	resultTTL time.Duration
}

func NewIdempotencyStore(client redis.UniversalClient, lockTTL, resultTTL time.Duration) *IdempotencyStore {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, lockTTL: lockTTL, resultTTL: resultTTL}
}

func (s *IdempotencyStore) Acquire(ctx context.Context, key string) ([]byte, bool, error) {
	cached, err := s.client.Get(ctx, resultPrefix+key).Bytes()
	if err == nil {
		return cached, false, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("read idempotent result: %w", err)
	}

	acquired, err := s.client.SetNX(ctx, lockPrefix+key, "1", s.lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock idempotency key: %w", err)
	}
	return nil, acquired, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, result []byte) error {
	err := completeScript.Run(ctx, s.client,
		[]string{resultPrefix + key, lockPrefix + key},
		result, s.resultTTL.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store idempotent result: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, lockPrefix+key).Err()
}

// Discard drops both the stored result and any lock for key.
func (s *IdempotencyStore) Discard(ctx context.Context, key string) error {
	return s.client.Del(ctx, resultPrefix+key, lockPrefix+key).Err()
}
