package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docflow/types"
)

const (
	redisPrefix   = "checkpoint:"
	redisIndexKey = "checkpoint:index"
)

// RedisStore keeps each checkpoint under a single key and tracks ids in a set.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func redisKey(id uuid.UUID) string {
	return redisPrefix + id.String()
}

func (r *RedisStore) Save(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKey(cp.ID), data, 0)
		pipe.SAdd(ctx, redisIndexKey, cp.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id uuid.UUID) (*types.ProcessingCheckpoint, error) {
	data, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (r *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, redisKey(id))
		pipe.SRem(ctx, redisIndexKey, id.String())
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]Summary, error) {
	ids, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			r.logger.Warn("checkpoint index entry without record", "id", ids[i])
			continue
		}
		cp, err := decode([]byte(s))
		if err != nil {
			r.logger.Warn("unreadable checkpoint skipped", "id", ids[i], "error", err)
			continue
		}
		out = append(out, Summarize(cp))
	}
	sortSummaries(out)
	return out, nil
}
