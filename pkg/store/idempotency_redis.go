package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/cortexops/writegate/pkg/idempotency"
)

const redisKeyPrefix = "writegate:idempotency:"

// RedisIdempotencyIndex backs the idempotency index with redis so multiple
// mediator processes sharing one store observe the same committed outcomes.
// SETNX gives first-writer-wins across processes.
type RedisIdempotencyIndex struct {
	client *redis.Client
}

// NewRedisIdempotencyIndex creates an index over an existing client.
func NewRedisIdempotencyIndex(client *redis.Client) *RedisIdempotencyIndex {
	return &RedisIdempotencyIndex{client: client}
}

func (r *RedisIdempotencyIndex) Get(executionID string) (*idempotency.Outcome, bool, error) {
	raw, err := r.client.Get(context.Background(), redisKeyPrefix+executionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var outcome idempotency.Outcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return nil, false, err
	}
	return &outcome, true, nil
}

func (r *RedisIdempotencyIndex) Put(executionID string, outcome *idempotency.Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	ctx := context.Background()
	set, err := r.client.SetNX(ctx, redisKeyPrefix+executionID, raw, 0).Result()
	if err != nil {
		return err
	}
	if !set {
		existing, ok, getErr := r.Get(executionID)
		if getErr != nil {
			return getErr
		}
		if ok && existing.State != outcome.State {
			return idempotency.ErrAlreadyCommitted
		}
	}
	return nil
}

var _ idempotency.Index = (*RedisIdempotencyIndex)(nil)
