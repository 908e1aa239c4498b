package sampling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcall-sampling/internal/allocation"
	"fieldcall-sampling/internal/lock"
	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/store/memstore"
)

var fixedNow = time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)

type recordingReporter struct {
	mu   sync.Mutex
	runs []models.SamplingRun
}

func (r *recordingReporter) PublishRun(_ context.Context, run models.SamplingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

type env struct {
	store    *memstore.Store
	svc      *Service
	locker   *lock.LocalLocker
	reporter *recordingReporter
}

func newEnv(t *testing.T, concurrency int) env {
	t.Helper()
	st := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc := allocation.New(st, logger)
	alloc.Now = func() time.Time { return fixedNow }
	locker := lock.NewLocalLocker()
	rep := &recordingReporter{}
	svc := NewService(st, alloc, locker, rep, Options{
		DefaultPercentage: 10,
		TypePercentages:   map[string]float64{"demo": 50},
		CoolingPeriod:     30 * 24 * time.Hour,
		ScheduleOffset:    24 * time.Hour,
		Concurrency:       concurrency,
		LeaseTTL:          time.Minute,
	}, logger)
	svc.Now = func() time.Time { return fixedNow }
	svc.SetSource(rand.New(rand.NewPCG(1, 2)))
	st.PutAgent(models.Agent{ID: "agent-1", Active: true, LanguageCapabilities: []string{"hindi"}})
	st.PutAgent(models.Agent{ID: "agent-2", Active: true, LanguageCapabilities: []string{"hindi"}})
	return env{store: st, svc: svc, locker: locker, reporter: rep}
}

func (e env) seedActivity(activityType string, farmers int) (string, []string) {
	ids := make([]string, farmers)
	for i := range ids {
		ids[i] = uuid.NewString()
		e.store.PutFarmer(models.Farmer{ID: ids[i], Name: fmt.Sprintf("F%d", i+1), PreferredLanguage: "hindi"})
	}
	id := uuid.NewString()
	e.store.PutActivity(models.Activity{ID: id, Type: activityType, Date: fixedNow.Add(-48 * time.Hour), FarmerIDs: ids})
	return id, ids
}

func TestSampleAndCreateTasksScenario(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	activityID, farmers := e.seedActivity("field_day", 20)
	f3 := farmers[2]
	e.store.PutCoolingPeriod(models.CoolingPeriod{FarmerID: f3, ExpiresAt: fixedNow.Add(72 * time.Hour)})

	res, err := e.svc.SampleAndCreateTasks(ctx, activityID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSampled, res.Outcome)
	assert.Equal(t, 20, res.TotalFarmers)
	assert.Equal(t, 19, res.EligibleFarmers)
	assert.Equal(t, 2, res.SampledCount)
	assert.Equal(t, 2, res.TasksCreated)

	tasks, err := e.store.ListTasks(ctx, models.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.NotEqual(t, f3, task.FarmerID, "farmer in cooling must not be sampled")
		assert.Equal(t, models.TaskSampledInQueue, task.Status)
		// activity date + 24h is in the past, so tasks are due now.
		assert.Equal(t, fixedNow, task.ScheduledDate)

		cp, ok := e.store.CoolingPeriod(task.FarmerID)
		require.True(t, ok)
		assert.Equal(t, fixedNow.Add(30*24*time.Hour), cp.ExpiresAt)
	}

	audit, err := e.store.GetAudit(ctx, activityID)
	require.NoError(t, err)
	assert.Equal(t, 2, audit.SampledCount)
	assert.Equal(t, 20, audit.TotalFarmers)
	assert.Equal(t, 10.0, audit.SamplingPercentage)
	assert.Equal(t, AlgorithmReservoir, audit.Algorithm)
	assert.Equal(t, 19, audit.Metadata["eligible_farmers"])

	activity, err := e.store.GetActivity(ctx, activityID)
	require.NoError(t, err)
	assert.Equal(t, models.ActivitySampled, activity.LifecycleStatus)
}

func TestSampleAndCreateTasksIdempotent(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	activityID, _ := e.seedActivity("demo", 8)

	first, err := e.svc.SampleAndCreateTasks(ctx, activityID, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, first.TasksCreated, "demo type default is 50 percent")

	second, err := e.svc.SampleAndCreateTasks(ctx, activityID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySampled, second.Outcome)
	assert.Zero(t, second.TasksCreated)

	tasks, err := e.store.ListTasks(ctx, models.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
}

func TestSampleAndCreateTasksPercentageOverride(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	activityID, _ := e.seedActivity("field_day", 10)

	bad := 0.0
	_, err := e.svc.SampleAndCreateTasks(ctx, activityID, &bad)
	require.ErrorIs(t, err, models.ErrValidation)

	all := 100.0
	res, err := e.svc.SampleAndCreateTasks(ctx, activityID, &all)
	require.NoError(t, err)
	assert.Equal(t, 10, res.SampledCount)
}

func TestSampleAndCreateTasksValidatesID(t *testing.T) {
	e := newEnv(t, 1)
	_, err := e.svc.SampleAndCreateTasks(context.Background(), "activity-1", nil)
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = e.svc.SampleAndCreateTasks(context.Background(), uuid.NewString(), nil)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSampleAndCreateTasksNoEligibleFarmers(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	activityID, farmers := e.seedActivity("field_day", 3)
	for _, f := range farmers {
		e.store.PutCoolingPeriod(models.CoolingPeriod{FarmerID: f, ExpiresAt: fixedNow.Add(time.Hour)})
	}

	res, err := e.svc.SampleAndCreateTasks(ctx, activityID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotEligible, res.Outcome)
	assert.Zero(t, res.TasksCreated)

	audit, err := e.store.GetAudit(ctx, activityID)
	require.NoError(t, err)
	assert.Zero(t, audit.SampledCount)

	activity, err := e.store.GetActivity(ctx, activityID)
	require.NoError(t, err)
	assert.Equal(t, models.ActivityNotEligible, activity.LifecycleStatus)
}

func TestSampleAndCreateTasksNoFarmers(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	id := uuid.NewString()
	e.store.PutActivity(models.Activity{ID: id, Type: "field_day", Date: fixedNow})

	res, err := e.svc.SampleAndCreateTasks(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoFarmers, res.Outcome)

	audited, err := e.store.HasAudit(ctx, id)
	require.NoError(t, err)
	assert.False(t, audited, "zero-farmer activities are not audited")
}

func TestSampleAllActivitiesIdempotentRerun(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	for range 3 {
		e.seedActivity("field_day", 20)
	}

	run, err := e.svc.SampleAllActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Matched)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 3, run.SampledActivities)
	assert.Equal(t, 6, run.TasksCreatedTotal)
	assert.Zero(t, run.ErrorCount)
	require.NotNil(t, run.LastActivityID)
	require.NotNil(t, run.FinishedAt)

	again, err := e.svc.SampleAllActivities(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Matched)
	assert.Zero(t, again.Processed)
	assert.Zero(t, again.TasksCreatedTotal)

	tasks, err := e.store.ListTasks(ctx, models.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 6)

	stored, err := e.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, stored.Status)
	require.Len(t, e.reporter.runs, 2)
}

func TestSampleAllActivitiesSurvivesFailingActivity(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			e := newEnv(t, concurrency)
			ctx := context.Background()
			e.seedActivity("field_day", 10)
			e.seedActivity("field_day", 10)
			broken := uuid.NewString()
			e.store.PutActivity(models.Activity{ID: broken, Type: "field_day", Date: fixedNow, FarmerIDs: []string{uuid.NewString()}})

			run, err := e.svc.SampleAllActivities(ctx)
			require.NoError(t, err)
			assert.Equal(t, models.RunCompleted, run.Status)
			assert.Equal(t, 3, run.Matched)
			assert.Equal(t, 3, run.Processed)
			assert.Equal(t, 2, run.SampledActivities)
			assert.Equal(t, 1, run.ErrorCount)
			require.Len(t, run.ErrorMessages, 1)
			assert.Contains(t, run.ErrorMessages[0], broken)
		})
	}
}

func TestSampleAllActivitiesSingleFlight(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	e.seedActivity("field_day", 5)

	held, err := e.locker.TryAcquire(ctx, batchLockKey, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	_, err = e.svc.SampleAllActivities(ctx)
	require.ErrorIs(t, err, models.ErrRunInProgress)

	require.NoError(t, held.Release(ctx))
	run, err := e.svc.SampleAllActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.SampledActivities)
}

func TestCoolingExcludesAcrossActivities(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	shared := make([]string, 4)
	for i := range shared {
		shared[i] = uuid.NewString()
		e.store.PutFarmer(models.Farmer{ID: shared[i], PreferredLanguage: "hindi"})
	}
	first, second := uuid.NewString(), uuid.NewString()
	e.store.PutActivity(models.Activity{ID: first, Type: "demo", Date: fixedNow, FarmerIDs: shared})
	e.store.PutActivity(models.Activity{ID: second, Type: "demo", Date: fixedNow, FarmerIDs: shared})

	all := 100.0
	res, err := e.svc.SampleAndCreateTasks(ctx, first, &all)
	require.NoError(t, err)
	assert.Equal(t, 4, res.SampledCount)

	res, err = e.svc.SampleAndCreateTasks(ctx, second, &all)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotEligible, res.Outcome)
	assert.Zero(t, res.EligibleFarmers)
}

type failingRunStore struct {
	*memstore.Store
}

func (failingRunStore) SaveRun(context.Context, models.SamplingRun) error {
	return errors.New("disk full")
}

func TestRunCheckpointFailuresAreLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	st := memstore.New()
	alloc := allocation.New(st, logger)
	svc := NewService(failingRunStore{st}, alloc, lock.NewLocalLocker(), nil, Options{
		DefaultPercentage: 10,
		CoolingPeriod:     time.Hour,
	}, logger)
	e := env{store: st}
	e.seedActivity("field_day", 3)

	run, err := svc.SampleAllActivities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)

	out := logs.String()
	assert.Contains(t, out, "save run progress")
	assert.Contains(t, out, "save final run record")
	assert.Contains(t, out, "disk full")
}
