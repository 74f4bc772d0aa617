package retry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/models"
)

func newTestLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLedger(rdb, 0, zap.NewNop()), mr
}

func TestRedisLedgerAppendAndRead(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, "t1", models.RetryAttempt{Attempt: 1, Changes: "add_search", Cost: 1.25}))
	require.NoError(t, ledger.Append(ctx, "t1", models.RetryAttempt{Attempt: 2, Changes: "expand_search", Cost: 0.75, Improved: true}))

	cost, err := ledger.TotalCost(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, cost, 1e-9)

	attempts, err := ledger.Attempts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.True(t, attempts[1].Improved)
}

func TestRedisLedgerUnknownTaskCostsZero(t *testing.T) {
	ledger, _ := newTestLedger(t)

	cost, err := ledger.TotalCost(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestRedisLedgerZeroCostSkipsCounter(t *testing.T) {
	ledger, mr := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, "t1", models.RetryAttempt{Attempt: 1, Cost: 0}))
	assert.False(t, mr.Exists("groundgate:cost:t1"))
	assert.True(t, mr.Exists("groundgate:attempts:t1"))
}

func TestRedisLedgerHydratesManager(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	m1 := NewManagerWithLedger(ctx, ManagerConfig{MaxRetries: 5, CostLimit: 3}, "t1", ledger, zap.NewNop())
	m1.RecordAttempt(models.RetryAttempt{Attempt: 1, Cost: 2.5})

	m2 := NewManagerWithLedger(ctx, ManagerConfig{MaxRetries: 5, CostLimit: 3}, "t1", ledger, zap.NewNop())
	assert.InDelta(t, 2.5, m2.TotalCost(), 1e-9)
	m2.RecordAttempt(models.RetryAttempt{Attempt: 2, Cost: 0.6})
	assert.False(t, m2.ShouldRetry([]models.FailCode{models.FailCitationMissing}, 2))
}
