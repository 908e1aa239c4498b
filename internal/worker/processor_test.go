package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcall-sampling/internal/allocation"
	"fieldcall-sampling/internal/config"
	"fieldcall-sampling/internal/lock"
	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/queue"
	"fieldcall-sampling/internal/sampling"
	"fieldcall-sampling/internal/store/memstore"
)

var fixedNow = time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, base)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
	assert.LessOrEqual(t, b3, 4*time.Second)

	capped := backoffWithJitter(base, max, 60)
	assert.GreaterOrEqual(t, capped, max/2)
	assert.LessOrEqual(t, capped, max)
}

func testConfig() config.Config {
	return config.Config{
		AllocateBatchSize:  100,
		TriggerMaxAttempts: 3,
		TriggerVisibility:  time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Minute,
		BatchInterval:      time.Hour,
	}
}

func newQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueue(client, time.Minute)
	q.Now = func() time.Time { return fixedNow }
	return q
}

type pipeline struct {
	store *memstore.Store
	queue *queue.RedisQueue
	proc  *Processor
}

func newPipeline(t *testing.T) pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memstore.New()
	st.PutAgent(models.Agent{ID: "agent-1", Active: true, LanguageCapabilities: []string{"hindi"}})
	alloc := allocation.New(st, logger)
	alloc.Now = func() time.Time { return fixedNow }
	svc := sampling.NewService(st, alloc, lock.NewLocalLocker(), nil, sampling.Options{
		DefaultPercentage: 50,
		CoolingPeriod:     30 * 24 * time.Hour,
		ScheduleOffset:    24 * time.Hour,
	}, logger)
	svc.Now = func() time.Time { return fixedNow }
	svc.SetSource(rand.New(rand.NewPCG(7, 11)))

	q := newQueue(t)
	proc := NewProcessor(testConfig(), q, svc, alloc, logger)
	proc.Now = func() time.Time { return fixedNow }
	return pipeline{store: st, queue: q, proc: proc}
}

func (p pipeline) seedActivity(language string, farmers int) string {
	ids := make([]string, farmers)
	for i := range ids {
		ids[i] = uuid.NewString()
		p.store.PutFarmer(models.Farmer{ID: ids[i], PreferredLanguage: language})
	}
	id := uuid.NewString()
	p.store.PutActivity(models.Activity{ID: id, Type: "demo", Date: fixedNow.Add(-24 * time.Hour), FarmerIDs: ids})
	return id
}

func TestBatchTriggerRunsSamplingAndAllocation(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seedActivity("hindi", 4)
	p.seedActivity("hindi", 2)

	_, err := p.queue.Enqueue(ctx, queue.Trigger{Kind: queue.KindBatch}, time.Time{})
	require.NoError(t, err)

	handled, err := p.proc.Step(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	tasks, err := p.store.ListTasks(ctx, models.TaskFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	runs, err := p.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCompleted, runs[0].Status)

	depth, err := p.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	handled, err = p.proc.Step(ctx)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestActivityTriggerHonoursPercentage(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	id := p.seedActivity("hindi", 10)

	pct := 20.0
	_, err := p.queue.Enqueue(ctx, queue.Trigger{Kind: queue.KindActivity, ActivityID: id, Percentage: &pct}, time.Time{})
	require.NoError(t, err)
	_, err = p.proc.Step(ctx)
	require.NoError(t, err)

	audit, err := p.store.GetAudit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, audit.SampledCount)
	assert.Equal(t, 20.0, audit.SamplingPercentage)
}

func TestAllocateTriggerBindsPendingTasks(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.store.PutFarmer(models.Farmer{ID: "farmer-1", PreferredLanguage: "hindi"})
	require.NoError(t, p.store.InsertTask(models.CallTask{
		ID:             uuid.NewString(),
		FarmerID:       "farmer-1",
		ActivityID:     "activity-1",
		Status:         models.TaskUnassigned,
		ScheduledDate:  fixedNow.Add(-time.Hour),
		IsCallback:     true,
		CallbackNumber: 1,
	}))

	_, err := p.queue.Enqueue(ctx, queue.Trigger{Kind: queue.KindAllocate}, time.Time{})
	require.NoError(t, err)
	_, err = p.proc.Step(ctx)
	require.NoError(t, err)

	tasks, err := p.store.ListTasks(ctx, models.TaskFilter{AgentID: "agent-1", Status: models.TaskSampledInQueue})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

type stubSampler struct {
	batchErr    error
	activityErr error
	calls       int
}

func (s *stubSampler) SampleAllActivities(context.Context) (models.SamplingRun, error) {
	s.calls++
	return models.SamplingRun{}, s.batchErr
}

func (s *stubSampler) SampleAndCreateTasks(_ context.Context, id string, _ *float64) (sampling.Result, error) {
	s.calls++
	return sampling.Result{ActivityID: id}, s.activityErr
}

type stubAllocator struct{}

func (stubAllocator) AssignPending(context.Context, int) (allocation.AssignResult, error) {
	return allocation.AssignResult{}, nil
}

func newStubProcessor(t *testing.T, s *stubSampler) (*Processor, *queue.RedisQueue) {
	t.Helper()
	q := newQueue(t)
	proc := NewProcessor(testConfig(), q, s, stubAllocator{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	proc.Now = func() time.Time { return fixedNow }
	return proc, q
}

func TestHeldLeaseReschedulesBatch(t *testing.T) {
	s := &stubSampler{batchErr: models.ErrRunInProgress}
	proc, q := newStubProcessor(t, s)
	ctx := context.Background()

	in, err := q.Enqueue(ctx, queue.Trigger{Kind: queue.KindBatch}, time.Time{})
	require.NoError(t, err)

	// Far more deferrals than TriggerMaxAttempts: a held lease never dead-letters.
	for range 5 {
		handled, err := proc.Step(ctx)
		require.NoError(t, err)
		require.True(t, handled)
		_, err = q.PromoteScheduled(ctx, fixedNow.Add(time.Hour), 10)
		require.NoError(t, err)
	}

	dead, err := q.DeadLettered(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, in.ID, next.ID)
	assert.Zero(t, next.Attempts)
	assert.Equal(t, 5, next.Deferrals)
}

func TestDeferralsDoNotHastenDeadLetter(t *testing.T) {
	s := &stubSampler{batchErr: models.ErrRunInProgress}
	proc, q := newStubProcessor(t, s)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Trigger{Kind: queue.KindBatch}, time.Time{})
	require.NoError(t, err)

	step := func() {
		t.Helper()
		handled, err := proc.Step(ctx)
		require.NoError(t, err)
		require.True(t, handled)
		_, err = q.PromoteScheduled(ctx, fixedNow.Add(time.Hour), 10)
		require.NoError(t, err)
	}
	for range 3 {
		step()
	}

	// TriggerMaxAttempts is 3: the first real failure after waiting must still be retried.
	s.batchErr = errors.New("database blip")
	step()
	dead, err := q.DeadLettered(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Attempts)
	assert.Equal(t, 3, next.Deferrals)
	assert.Equal(t, "database blip", next.LastError)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	s := &stubSampler{activityErr: models.ErrNotFound}
	proc, q := newStubProcessor(t, s)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Trigger{Kind: queue.KindActivity, ActivityID: "missing"}, time.Time{})
	require.NoError(t, err)
	_, err = proc.Step(ctx)
	require.NoError(t, err)

	dead, err := q.DeadLettered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, s.calls)
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	s := &stubSampler{batchErr: errors.New("database unavailable")}
	proc, q := newStubProcessor(t, s)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Trigger{Kind: queue.KindBatch}, time.Time{})
	require.NoError(t, err)

	for range 3 {
		handled, err := proc.Step(ctx)
		require.NoError(t, err)
		require.True(t, handled)
		_, err = q.PromoteScheduled(ctx, fixedNow.Add(time.Hour), 10)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.calls)

	dead, err := q.DeadLettered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "database unavailable", dead[0].LastError)

	handled, err := proc.Step(ctx)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestSchedulerEnqueuesBatchOnStart(t *testing.T) {
	proc, q := newStubProcessor(t, &stubSampler{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- proc.RunScheduler(ctx) }()

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background())
		return err == nil && depth == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := &stubSampler{}
	proc, q := newStubProcessor(t, s)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := q.Enqueue(context.Background(), queue.Trigger{Kind: queue.KindAllocate}, time.Time{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background())
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
