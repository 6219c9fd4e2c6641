// ABOUTME: Redis list backed queue using BRPOP on the input list and LPUSH on the output list
// ABOUTME: Producers LPUSH requests and BRPOP replies, so both lists are FIFO

package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultBlockTimeout is how long one BRPOP waits before checking ctx again.
const DefaultBlockTimeout = 2 * time.Second

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	Input        string
	Output       string
	BlockTimeout time.Duration
}

// RedisQueue is a Queue over two Redis lists.
type RedisQueue struct {
	client       *redis.Client
	input        string
	output       string
	blockTimeout time.Duration
	closed       atomic.Bool
}

// NewRedisQueue creates a queue. It does not connect until first use.
func NewRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Input == "" || cfg.Output == "" {
		return nil, errors.New("input and output queue names are required")
	}
	if cfg.Input == cfg.Output {
		return nil, fmt.Errorf("input and output queue must differ (both %q)", cfg.Input)
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: strings.TrimSpace(cfg.Username),
		Password: cfg.Password,
		// BRPOP holds the connection for BlockTimeout; give it room.
		ReadTimeout: cfg.BlockTimeout + 5*time.Second,
	})
	return &RedisQueue{
		client:       client,
		input:        cfg.Input,
		output:       cfg.Output,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

// Receive pops the oldest message from the input list.
func (q *RedisQueue) Receive(ctx context.Context) ([]byte, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vals, err := q.client.BRPop(ctx, q.blockTimeout, q.input).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("brpop %s: %w", q.input, err)
		}
		// vals is [key, value]
		if len(vals) != 2 {
			return nil, fmt.Errorf("brpop %s: unexpected reply of %d elements", q.input, len(vals))
		}
		return []byte(vals[1]), nil
	}
}

// Send pushes a reply onto the output list.
func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := q.client.LPush(ctx, q.output, body).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.output, err)
	}
	return nil
}

// Enqueue pushes a request onto the input list, as a producer would.
func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) error {
	if err := q.client.LPush(ctx, q.input, body).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.input, err)
	}
	return nil
}

// Depth returns the number of waiting requests.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.input).Result()
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the client. Blocked receives return ErrClosed.
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}
