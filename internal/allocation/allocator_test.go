package allocation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/store/memstore"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newAllocator(st *memstore.Store) *Allocator {
	a := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.Now = func() time.Time { return fixedNow }
	return a
}

func seedFarmers(st *memstore.Store, lang string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
		st.PutFarmer(models.Farmer{ID: ids[i], PreferredLanguage: lang})
	}
	return ids
}

func TestPlanTasksRespectsLanguage(t *testing.T) {
	st := memstore.New()
	st.PutAgent(models.Agent{ID: "agent-hi", Active: true, LanguageCapabilities: []string{"hindi"}})
	st.PutAgent(models.Agent{ID: "agent-mr", Active: true, LanguageCapabilities: []string{"marathi", "hindi"}})
	st.PutAgent(models.Agent{ID: "agent-off", Active: false, LanguageCapabilities: []string{"tamil"}})

	hindi := seedFarmers(st, "hindi", 4)
	marathi := seedFarmers(st, "marathi", 2)
	tamil := seedFarmers(st, "tamil", 1)
	all := append(append(append([]string{}, hindi...), marathi...), tamil...)

	plan, err := newAllocator(st).PlanTasks(context.Background(), "act-1", all, fixedNow)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 7)
	assert.Equal(t, 6, plan.Assigned)
	assert.Equal(t, 1, plan.Unassigned)
	assert.Equal(t, []string{"tamil"}, plan.UnassignedLanguages)

	langOf := map[string]string{}
	for _, id := range hindi {
		langOf[id] = "hindi"
	}
	for _, id := range marathi {
		langOf[id] = "marathi"
	}
	for _, id := range tamil {
		langOf[id] = "tamil"
	}
	agents := map[string][]string{"agent-hi": {"hindi"}, "agent-mr": {"marathi", "hindi"}}
	for _, task := range plan.Tasks {
		assert.Equal(t, 0, task.CallbackNumber)
		if langOf[task.FarmerID] == "tamil" {
			assert.Nil(t, task.AssignedAgentID)
			assert.Equal(t, models.TaskUnassigned, task.Status)
			continue
		}
		require.NotNil(t, task.AssignedAgentID)
		assert.Equal(t, models.TaskSampledInQueue, task.Status)
		assert.Contains(t, agents[*task.AssignedAgentID], langOf[task.FarmerID])
		require.Len(t, task.InteractionHistory, 2)
	}
}

func TestPlanTasksLeastLoadedFirst(t *testing.T) {
	st := memstore.New()
	st.PutAgent(models.Agent{ID: "busy", Active: true, LanguageCapabilities: []string{"hindi"}})
	st.PutAgent(models.Agent{ID: "idle", Active: true, LanguageCapabilities: []string{"hindi"}})

	// busy already holds three open tasks.
	for i := 0; i < 3; i++ {
		busy := "busy"
		require.NoError(t, st.InsertTask(models.CallTask{
			ID: uuid.NewString(), ActivityID: "old", FarmerID: uuid.NewString(),
			AssignedAgentID: &busy, Status: models.TaskSampledInQueue,
		}))
	}

	farmers := seedFarmers(st, "hindi", 3)
	plan, err := newAllocator(st).PlanTasks(context.Background(), "act-2", farmers, fixedNow)
	require.NoError(t, err)

	got := make([]string, len(plan.Tasks))
	for i, task := range plan.Tasks {
		got[i] = *task.AssignedAgentID
	}
	assert.Equal(t, []string{"idle", "busy", "idle"}, got)
}

func TestPlanTasksMissingFarmer(t *testing.T) {
	st := memstore.New()
	_, err := newAllocator(st).PlanTasks(context.Background(), "act-3", []string{"ghost"}, fixedNow)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestAssignPendingBindsDueTasks(t *testing.T) {
	st := memstore.New()
	st.PutAgent(models.Agent{ID: "agent-1", Active: true, LanguageCapabilities: []string{"telugu"}})
	farmers := seedFarmers(st, "telugu", 2)
	gujarati := seedFarmers(st, "gujarati", 1)

	due := models.CallTask{ID: uuid.NewString(), ActivityID: "a", FarmerID: farmers[0], Status: models.TaskUnassigned, ScheduledDate: fixedNow.Add(-time.Hour), CallbackNumber: 1, IsCallback: true}
	later := models.CallTask{ID: uuid.NewString(), ActivityID: "a", FarmerID: farmers[1], Status: models.TaskUnassigned, ScheduledDate: fixedNow.Add(time.Hour)}
	orphan := models.CallTask{ID: uuid.NewString(), ActivityID: "a", FarmerID: gujarati[0], Status: models.TaskUnassigned, ScheduledDate: fixedNow}
	for _, task := range []models.CallTask{due, later, orphan} {
		require.NoError(t, st.InsertTask(task))
	}

	res, err := newAllocator(st).AssignPending(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, AssignResult{Considered: 2, Assigned: 1, Unassigned: 1}, res)

	got, err := st.GetTask(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSampledInQueue, got.Status)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, "agent-1", *got.AssignedAgentID)

	untouched, err := st.GetTask(context.Background(), later.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskUnassigned, untouched.Status)
}
