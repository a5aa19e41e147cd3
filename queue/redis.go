package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list holding pending jobs.
const DefaultRedisKey = "grimoire:jobs"

// RedisQueue is a Queue on a Redis list (RPUSH / BLPOP). Jobs popped by a
// worker that dies before running them are lost.
type RedisQueue struct {
	client backend.UniversalClient
	key    string
	block  time.Duration
	logger *slog.Logger
	closed atomic.Bool
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithKey sets the list key.
func WithKey(key string) RedisOption {
	return func(q *RedisQueue) {
		q.key = key
	}
}

// WithBlockTimeout bounds each BLPOP so Pop notices cancellation.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		q.block = d
	}
}

// WithLogger sets the logger used for malformed jobs.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(q *RedisQueue) {
		q.logger = logger
	}
}

// NewRedisQueue creates a queue on client. The client is not closed by Close.
func NewRedisQueue(client backend.UniversalClient, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client: client,
		key:    DefaultRedisKey,
		block:  time.Second,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("pushing job %s: %w", job.ID, err)
	}
	return nil
}

// Pop blocks on BLPOP in slices of the block timeout. Entries that do not
// decode as a job are logged and skipped.
func (q *RedisQueue) Pop(ctx context.Context) (Job, error) {
	for {
		if q.closed.Load() {
			return Job{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		res, err := q.client.BLPop(ctx, q.block, q.key).Result()
		if errors.Is(err, backend.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("popping job: %w", err)
		}
		// res is [key, value]
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Warn("dropping malformed job", "key", q.key, "err", err)
			continue
		}
		return job, nil
	}
}

// Len returns the number of waiting jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
