package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const popTimeout = time.Second

// Redis is a queue backed by a Redis list, so pending work survives restarts
// of the consumer process.
type Redis struct {
	client *redis.Client
	key    string
	closed atomic.Bool
}

var _ Queue = (*Redis)(nil)

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, key string) (*Redis, error) {
	if key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, key: key}, nil
}

func (q *Redis) Push(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if q.closed.Load() {
		return ErrClosed
	}
	values := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		values = append(values, id)
	}
	if err := q.client.RPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

func (q *Redis) Pop(ctx context.Context) (string, error) {
	for {
		if q.closed.Load() {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.client.BLPop(ctx, popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("blpop: %w", err)
		}
		if len(res) != 2 {
			return "", fmt.Errorf("blpop: unexpected reply %v", res)
		}
		return res[1], nil
	}
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}
	return int(n), nil
}

func (q *Redis) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}
