package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcall-sampling/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, time.Minute), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	pct := 25.0
	in, err := q.Enqueue(ctx, Trigger{Kind: KindActivity, ActivityID: "a-1", Percentage: &pct, RequestedBy: "ops"}, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, in.ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, KindActivity, got.Kind)
	require.NotNil(t, got.Percentage)
	assert.Equal(t, 25.0, *got.Percentage)

	empty, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, q.Ack(ctx, got.ID))
	assert.False(t, mr.Exists("trigger:meta:"+got.ID))
	inflight, _ := mr.ZMembers("trigger:inflight")
	assert.Empty(t, inflight)
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), Trigger{Kind: "reindex"}, time.Time{})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = q.Enqueue(context.Background(), Trigger{Kind: KindActivity}, time.Time{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestScheduledTriggersWaitUntilDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, Trigger{Kind: KindBatch}, now.Add(time.Minute))
	require.NoError(t, err)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := q.PromoteScheduled(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, KindBatch, got.Kind)
}

func TestRetryCountsAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, Trigger{Kind: KindBatch}, time.Time{})
	require.NoError(t, err)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, *got, now.Add(5*time.Second), errors.New("database unavailable")))
	_, err = q.PromoteScheduled(ctx, now.Add(5*time.Second), 10)
	require.NoError(t, err)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempts)
	assert.Zero(t, again.Deferrals)
	assert.Equal(t, "database unavailable", again.LastError)
}

func TestDeferDoesNotCountAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, Trigger{Kind: KindBatch}, time.Time{})
	require.NoError(t, err)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Defer(ctx, *got, now.Add(5*time.Second)))
	promoted, err := q.PromoteScheduled(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, promoted, "deferred trigger is not due yet")
	_, err = q.PromoteScheduled(ctx, now.Add(5*time.Second), 10)
	require.NoError(t, err)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Zero(t, again.Attempts)
	assert.Equal(t, 1, again.Deferrals)
	assert.Empty(t, again.LastError)
}

func TestRequeueExpiredReclaimsAbandonedTriggers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, Trigger{Kind: KindAllocate}, time.Time{})
	require.NoError(t, err)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	n, err := q.RequeueExpired(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, got.ID, reclaimed.ID)
}

func TestDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	in, err := q.Enqueue(ctx, Trigger{Kind: KindActivity, ActivityID: "a-9"}, time.Time{})
	require.NoError(t, err)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, *got, errors.New("activity a-9: not found")))
	dead, err := q.DeadLettered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, in.ID, dead[0].ID)
	assert.Equal(t, "activity a-9: not found", dead[0].LastError)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}
