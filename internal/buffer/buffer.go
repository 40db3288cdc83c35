// Package buffer provides a Redis-backed write-ahead buffer for check results.
// The scheduler pushes results here instead of writing them one at a time, and
// a Flusher moves them into the store in batches.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/healthmon/pkg/types"
)

const (
	// Redis key for the check results queue
	keyResults = "healthmon:results"

	// DefaultBatchSize bounds one flush.
	DefaultBatchSize = 1000

	// DefaultFlushInterval is how often buffered results reach the store.
	DefaultFlushInterval = 2 * time.Second
)

// ResultBuffer buffers check results in a Redis list. New results are pushed
// on the left and popped from the right, so Pop returns the oldest first.
type ResultBuffer struct {
	client *redis.Client
	logger *slog.Logger
}

// NewResultBuffer creates a buffer over an existing client.
func NewResultBuffer(client *redis.Client, logger *slog.Logger) *ResultBuffer {
	return &ResultBuffer{
		client: client,
		logger: logger.With("component", "result_buffer"),
	}
}

// Dial connects to redisURL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// SaveResult buffers one result.
func (b *ResultBuffer) SaveResult(ctx context.Context, result *types.HealthCheckResult) error {
	return b.Push(ctx, []*types.HealthCheckResult{result})
}

// Push adds results to the buffer in one command.
func (b *ResultBuffer) Push(ctx context.Context, results []*types.HealthCheckResult) error {
	if len(results) == 0 {
		return nil
	}
	values, err := encode(results)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, keyResults, values...).Err(); err != nil {
		return fmt.Errorf("failed to push results to redis: %w", err)
	}
	return nil
}

// Requeue puts results back at the consuming end so the next Pop returns
// them first, in their original order.
func (b *ResultBuffer) Requeue(ctx context.Context, results []*types.HealthCheckResult) error {
	if len(results) == 0 {
		return nil
	}
	reversed := make([]*types.HealthCheckResult, len(results))
	for i, r := range results {
		reversed[len(results)-1-i] = r
	}
	values, err := encode(reversed)
	if err != nil {
		return err
	}
	if err := b.client.RPush(ctx, keyResults, values...).Err(); err != nil {
		return fmt.Errorf("failed to requeue results: %w", err)
	}
	return nil
}

// Pop retrieves and removes up to maxResults, oldest first.
func (b *ResultBuffer) Pop(ctx context.Context, maxResults int) ([]*types.HealthCheckResult, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, maxResults)
	for i := 0; i < maxResults; i++ {
		cmds[i] = pipe.RPop(ctx, keyResults)
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to pop results from redis: %w", err)
	}

	results := make([]*types.HealthCheckResult, 0, maxResults)
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var r types.HealthCheckResult
		if err := json.Unmarshal(data, &r); err != nil {
			b.logger.Warn("failed to unmarshal check result", "error", err)
			continue
		}
		results = append(results, &r)
	}
	return results, nil
}

// Len returns the number of buffered results.
func (b *ResultBuffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyResults).Result()
}

// Ping reports whether Redis is reachable.
func (b *ResultBuffer) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func encode(results []*types.HealthCheckResult) ([]any, error) {
	values := make([]any, len(results))
	for i, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		values[i] = data
	}
	return values, nil
}
