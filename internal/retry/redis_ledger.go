package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/models"
)

// RedisLedger stores attempt records and accumulated cost in Redis so
// retry budgets are shared across processes and survive restarts.
// Keys: groundgate:attempts:<task_id> (list of JSON records) and
// groundgate:cost:<task_id> (float counter). Both expire after TTL.
type RedisLedger struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLedger wraps an existing client. TTL <= 0 means records persist
// for 24h, long enough to outlive any bounded retry loop.
func NewRedisLedger(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{rdb: rdb, ttl: ttl, logger: logger}
}

func attemptsKey(taskID string) string { return "groundgate:attempts:" + taskID }
func costKey(taskID string) string     { return "groundgate:cost:" + taskID }

// Append records one attempt and bumps the cost counter atomically.
func (l *RedisLedger) Append(ctx context.Context, taskID string, attempt models.RetryAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	pipe := l.rdb.TxPipeline()
	pipe.RPush(ctx, attemptsKey(taskID), data)
	pipe.Expire(ctx, attemptsKey(taskID), l.ttl)
	if attempt.Cost > 0 {
		pipe.IncrByFloat(ctx, costKey(taskID), attempt.Cost)
		pipe.Expire(ctx, costKey(taskID), l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append attempt for %s: %w", taskID, err)
	}
	return nil
}

// TotalCost returns the accumulated spend for a task; zero when unknown.
func (l *RedisLedger) TotalCost(ctx context.Context, taskID string) (float64, error) {
	val, err := l.rdb.Get(ctx, costKey(taskID)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cost for %s: %w", taskID, err)
	}
	return val, nil
}

// Attempts returns the persisted attempt log in order.
func (l *RedisLedger) Attempts(ctx context.Context, taskID string) ([]models.RetryAttempt, error) {
	raw, err := l.rdb.LRange(ctx, attemptsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read attempts for %s: %w", taskID, err)
	}
	attempts := make([]models.RetryAttempt, 0, len(raw))
	for _, r := range raw {
		var a models.RetryAttempt
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			l.logger.Warn("Skipping undecodable attempt record",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
			continue
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

// Ping verifies connectivity for health checks.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
