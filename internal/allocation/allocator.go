// Package allocation binds call tasks to agents who speak the farmer's language,
// spreading work least-loaded-first.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/telemetry"
)

// Store is the persistence the allocator reads agents and load from.
type Store interface {
	GetFarmers(ctx context.Context, ids []string) ([]models.Farmer, error)
	ListActiveAgents(ctx context.Context) ([]models.Agent, error)
	OpenTaskCounts(ctx context.Context, agentIDs []string) (map[string]int, error)
	ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]models.CallTask, error)
	AssignTask(ctx context.Context, taskID, agentID string, entry models.InteractionEntry) error
}

// Allocator assigns tasks to agents.
type Allocator struct {
	store  Store
	logger *slog.Logger
	Now    func() time.Time
}

// New constructs an allocator.
func New(st Store, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: st, logger: logger, Now: time.Now}
}

func (a *Allocator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// Plan is the task set produced for one sampling pass. Nothing is persisted yet.
type Plan struct {
	Tasks               []models.CallTask
	Assigned            int
	Unassigned          int
	UnassignedLanguages []string
}

// PlanTasks builds one original task per farmer and binds each to a capable agent where one exists.
func (a *Allocator) PlanTasks(ctx context.Context, activityID string, farmerIDs []string, scheduled time.Time) (Plan, error) {
	if len(farmerIDs) == 0 {
		return Plan{}, nil
	}
	farmers, err := a.store.GetFarmers(ctx, farmerIDs)
	if err != nil {
		return Plan{}, fmt.Errorf("load farmers: %w", err)
	}
	board, err := a.loadBoard(ctx)
	if err != nil {
		return Plan{}, err
	}

	now := a.now()
	plan := Plan{Tasks: make([]models.CallTask, 0, len(farmers))}
	languages, groups := groupByLanguage(farmers, func(f models.Farmer) string { return f.PreferredLanguage })
	for _, lang := range languages {
		group := groups[lang]
		picks := board.distribute(lang, len(group))
		if picks == nil {
			plan.UnassignedLanguages = append(plan.UnassignedLanguages, lang)
			a.logger.Warn("no capable agent for language group",
				"activity_id", activityID, "language", lang, "farmers", len(group))
		}
		for i, f := range group {
			task := models.CallTask{
				ID:             uuid.NewString(),
				FarmerID:       f.ID,
				ActivityID:     activityID,
				Status:         models.TaskUnassigned,
				ScheduledDate:  scheduled,
				CallbackNumber: 0,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			task.InteractionHistory = []models.InteractionEntry{{
				Timestamp: now,
				Status:    models.TaskUnassigned,
				Notes:     "task created by sampling",
			}}
			if picks != nil {
				bindAgent(&task, picks[i], now)
				plan.Assigned++
			} else {
				plan.Unassigned++
			}
			plan.Tasks = append(plan.Tasks, task)
		}
	}
	telemetry.TasksUnassigned.Add(float64(plan.Unassigned))
	return plan, nil
}

// AssignResult summarises an allocation pass over pending tasks.
type AssignResult struct {
	Considered int `json:"considered"`
	Assigned   int `json:"assigned"`
	Unassigned int `json:"unassigned"`
}

// AssignPending binds unassigned tasks that are due, such as callbacks, to capable agents.
func (a *Allocator) AssignPending(ctx context.Context, limit int) (AssignResult, error) {
	now := a.now()
	tasks, err := a.store.ListPendingTasks(ctx, now, limit)
	if err != nil {
		return AssignResult{}, fmt.Errorf("list pending tasks: %w", err)
	}
	res := AssignResult{Considered: len(tasks)}
	if len(tasks) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(tasks))
	seen := map[string]struct{}{}
	for _, t := range tasks {
		if _, ok := seen[t.FarmerID]; !ok {
			seen[t.FarmerID] = struct{}{}
			ids = append(ids, t.FarmerID)
		}
	}
	farmers, err := a.store.GetFarmers(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("load farmers: %w", err)
	}
	lang := make(map[string]string, len(farmers))
	for _, f := range farmers {
		lang[f.ID] = f.PreferredLanguage
	}
	board, err := a.loadBoard(ctx)
	if err != nil {
		return res, err
	}

	languages, groups := groupByLanguage(tasks, func(t models.CallTask) string { return lang[t.FarmerID] })
	for _, l := range languages {
		group := groups[l]
		picks := board.distribute(l, len(group))
		if picks == nil {
			res.Unassigned += len(group)
			a.logger.Warn("pending tasks have no capable agent", "language", l, "tasks", len(group))
			continue
		}
		for i, t := range group {
			entry := models.InteractionEntry{
				Timestamp: now,
				Status:    models.TaskSampledInQueue,
				Notes:     assignNote(picks[i]),
			}
			if err := a.store.AssignTask(ctx, t.ID, picks[i], entry); err != nil {
				if errors.Is(err, models.ErrConflict) {
					continue
				}
				return res, fmt.Errorf("assign task %s: %w", t.ID, err)
			}
			res.Assigned++
		}
	}
	telemetry.TasksReallocated.Add(float64(res.Assigned))
	return res, nil
}

func (a *Allocator) loadBoard(ctx context.Context) (*loadBoard, error) {
	agents, err := a.store.ListActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	ids := make([]string, len(agents))
	for i, ag := range agents {
		ids[i] = ag.ID
	}
	loads, err := a.store.OpenTaskCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("count open tasks: %w", err)
	}
	return &loadBoard{agents: agents, loads: loads}, nil
}

// loadBoard tracks open-task counts across language groups within one allocation.
type loadBoard struct {
	agents []models.Agent
	loads  map[string]int
}

// distribute returns n agent ids for a language, cycling over capable agents
// sorted by open-task count ascending. It returns nil when no agent speaks lang.
func (b *loadBoard) distribute(lang string, n int) []string {
	var capable []string
	for _, ag := range b.agents {
		if lang != "" && ag.Speaks(lang) {
			capable = append(capable, ag.ID)
		}
	}
	if len(capable) == 0 {
		return nil
	}
	sort.SliceStable(capable, func(i, j int) bool {
		li, lj := b.loads[capable[i]], b.loads[capable[j]]
		if li != lj {
			return li < lj
		}
		return capable[i] < capable[j]
	})
	out := make([]string, n)
	for i := range n {
		out[i] = capable[i%len(capable)]
	}
	for _, id := range out {
		b.loads[id]++
	}
	return out
}

func bindAgent(t *models.CallTask, agentID string, now time.Time) {
	id := agentID
	t.AssignedAgentID = &id
	t.Status = models.TaskSampledInQueue
	t.InteractionHistory = append(t.InteractionHistory, models.InteractionEntry{
		Timestamp: now,
		Status:    models.TaskSampledInQueue,
		Notes:     assignNote(agentID),
	})
}

func assignNote(agentID string) string {
	return fmt.Sprintf("status changed from %s to %s: assigned to agent %s", models.TaskUnassigned, models.TaskSampledInQueue, agentID)
}

func groupByLanguage[T any](items []T, language func(T) string) ([]string, map[string][]T) {
	var order []string
	groups := map[string][]T{}
	for _, it := range items {
		l := language(it)
		if _, ok := groups[l]; !ok {
			order = append(order, l)
		}
		groups[l] = append(groups[l], it)
	}
	return order, groups
}
