// Package memstore keeps the sampling engine's records in process memory.
// It enforces the same uniqueness rules as the Postgres schema.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"fieldcall-sampling/internal/models"
)

type taskKey struct {
	activityID     string
	farmerID       string
	callbackNumber int
}

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu         sync.RWMutex
	activities map[string]models.Activity
	farmers    map[string]models.Farmer
	agents     map[string]models.Agent
	cooling    map[string]models.CoolingPeriod
	tasks      map[string]models.CallTask
	taskIndex  map[taskKey]string
	audits     map[string]models.SamplingAudit
	runs       map[string]models.SamplingRun
	runOrder   []string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		activities: map[string]models.Activity{},
		farmers:    map[string]models.Farmer{},
		agents:     map[string]models.Agent{},
		cooling:    map[string]models.CoolingPeriod{},
		tasks:      map[string]models.CallTask{},
		taskIndex:  map[taskKey]string{},
		audits:     map[string]models.SamplingAudit{},
		runs:       map[string]models.SamplingRun{},
	}
}

// PutActivity stores an activity as the ingestion pipeline would.
func (s *Store) PutActivity(a models.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.LifecycleStatus == "" {
		a.LifecycleStatus = models.ActivityActive
	}
	a.FarmerIDs = append([]string(nil), a.FarmerIDs...)
	s.activities[a.ID] = a
}

// PutFarmer stores a farmer record.
func (s *Store) PutFarmer(f models.Farmer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.farmers[f.ID] = f
}

// PutAgent stores an agent record.
func (s *Store) PutAgent(a models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

// PutCoolingPeriod stores a cooling period directly.
func (s *Store) PutCoolingPeriod(cp models.CoolingPeriod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooling[cp.FarmerID] = cp
}

// InsertTask stores a task, enforcing the (activity, farmer, callback number) uniqueness.
func (s *Store) InsertTask(t models.CallTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTaskLocked(t)
}

func (s *Store) insertTaskLocked(t models.CallTask) error {
	k := taskKey{t.ActivityID, t.FarmerID, t.CallbackNumber}
	if _, dup := s.taskIndex[k]; dup {
		return fmt.Errorf("task %s/%s/%d: %w", t.ActivityID, t.FarmerID, t.CallbackNumber, models.ErrConflict)
	}
	s.tasks[t.ID] = cloneTask(t)
	s.taskIndex[k] = t.ID
	return nil
}

// Ping always succeeds; the store lives in process.
func (s *Store) Ping(context.Context) error { return nil }

// GetActivity returns an activity by id.
func (s *Store) GetActivity(_ context.Context, id string) (models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[id]
	if !ok {
		return models.Activity{}, fmt.Errorf("activity %s: %w", id, models.ErrNotFound)
	}
	a.FarmerIDs = append([]string(nil), a.FarmerIDs...)
	return a, nil
}

// ListUnsampledActivities returns activities with farmers and no audit, oldest first.
func (s *Store) ListUnsampledActivities(_ context.Context) ([]models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Activity
	for _, a := range s.activities {
		if len(a.FarmerIDs) == 0 {
			continue
		}
		if _, audited := s.audits[a.ID]; audited {
			continue
		}
		a.FarmerIDs = append([]string(nil), a.FarmerIDs...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetActivityStatus updates an activity's lifecycle status.
func (s *Store) SetActivityStatus(_ context.Context, id string, status models.LifecycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[id]
	if !ok {
		return fmt.Errorf("activity %s: %w", id, models.ErrNotFound)
	}
	a.LifecycleStatus = status
	s.activities[id] = a
	return nil
}

// ActiveCoolingPeriods returns cooling periods among farmerIDs still active at now.
func (s *Store) ActiveCoolingPeriods(_ context.Context, farmerIDs []string, now time.Time) (map[string]models.CoolingPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]models.CoolingPeriod{}
	for _, id := range farmerIDs {
		if cp, ok := s.cooling[id]; ok && cp.Active(now) {
			out[id] = cp
		}
	}
	return out, nil
}

// CoolingPeriod returns a farmer's cooling record.
func (s *Store) CoolingPeriod(farmerID string) (models.CoolingPeriod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cooling[farmerID]
	return cp, ok
}

// HasAudit reports whether an activity has been sampled.
func (s *Store) HasAudit(_ context.Context, activityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.audits[activityID]
	return ok, nil
}

// GetAudit returns the sampling audit for an activity.
func (s *Store) GetAudit(_ context.Context, activityID string) (models.SamplingAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.audits[activityID]
	if !ok {
		return models.SamplingAudit{}, fmt.Errorf("audit for activity %s: %w", activityID, models.ErrNotFound)
	}
	return a, nil
}

// CommitSampling applies a sampling pass atomically.
func (s *Store) CommitSampling(_ context.Context, c models.SamplingCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activities[c.ActivityID]; !ok {
		return fmt.Errorf("activity %s: %w", c.ActivityID, models.ErrNotFound)
	}
	if _, audited := s.audits[c.ActivityID]; audited {
		return fmt.Errorf("activity %s: %w", c.ActivityID, models.ErrAlreadySampled)
	}
	for _, t := range c.Tasks {
		if _, dup := s.taskIndex[taskKey{t.ActivityID, t.FarmerID, t.CallbackNumber}]; dup {
			return fmt.Errorf("task for farmer %s: %w", t.FarmerID, models.ErrAlreadySampled)
		}
	}
	for _, t := range c.Tasks {
		if err := s.insertTaskLocked(t); err != nil {
			return err
		}
	}
	for _, cp := range c.CoolingPeriods {
		if existing, ok := s.cooling[cp.FarmerID]; ok && existing.ExpiresAt.After(cp.ExpiresAt) {
			cp.ExpiresAt = existing.ExpiresAt
		}
		s.cooling[cp.FarmerID] = cp
	}
	s.audits[c.ActivityID] = c.Audit
	a := s.activities[c.ActivityID]
	a.LifecycleStatus = c.LifecycleStatus
	s.activities[c.ActivityID] = a
	return nil
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run models.SamplingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.runs[run.ID]; dup {
		return fmt.Errorf("run %s: %w", run.ID, models.ErrConflict)
	}
	s.runs[run.ID] = cloneRun(run)
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// SaveRun overwrites a run's progress and status.
func (s *Store) SaveRun(_ context.Context, run models.SamplingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, models.ErrNotFound)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(_ context.Context, id string) (models.SamplingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return models.SamplingRun{}, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	return cloneRun(r), nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]models.SamplingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SamplingRun
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneRun(s.runs[s.runOrder[i]]))
	}
	return out, nil
}

// GetFarmers returns the farmers for ids; every id must exist.
func (s *Store) GetFarmers(_ context.Context, ids []string) ([]models.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Farmer, 0, len(ids))
	for _, id := range ids {
		f, ok := s.farmers[id]
		if !ok {
			return nil, fmt.Errorf("farmer %s: %w", id, models.ErrNotFound)
		}
		out = append(out, f)
	}
	return out, nil
}

// ListActiveAgents returns active agents ordered by id.
func (s *Store) ListActiveAgents(_ context.Context) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Agent
	for _, a := range s.agents {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OpenTaskCounts counts sampled_in_queue and in_progress tasks per agent.
func (s *Store) OpenTaskCounts(_ context.Context, agentIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = 0
	}
	for _, t := range s.tasks {
		if t.AssignedAgentID == nil {
			continue
		}
		if _, wanted := out[*t.AssignedAgentID]; !wanted {
			continue
		}
		if slices.Contains(models.OpenTaskStatuses, t.Status) {
			out[*t.AssignedAgentID]++
		}
	}
	return out, nil
}

// ListPendingTasks returns unassigned tasks due by now, earliest first.
func (s *Store) ListPendingTasks(_ context.Context, now time.Time, limit int) ([]models.CallTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CallTask
	for _, t := range s.tasks {
		if t.Status == models.TaskUnassigned && !t.ScheduledDate.After(now) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ScheduledDate.Before(out[j].ScheduledDate)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AssignTask binds an unassigned task to an agent and moves it to sampled_in_queue.
func (s *Store) AssignTask(_ context.Context, taskID, agentID string, entry models.InteractionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if t.Status != models.TaskUnassigned {
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, models.ErrConflict)
	}
	agent := agentID
	t.AssignedAgentID = &agent
	t.Status = models.TaskSampledInQueue
	t.InteractionHistory = append(t.InteractionHistory, entry)
	t.UpdatedAt = entry.Timestamp
	s.tasks[taskID] = t
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(_ context.Context, id string) (models.CallTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.CallTask{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return cloneTask(t), nil
}

// ListTasks returns tasks matching the filter, by scheduled date.
func (s *Store) ListTasks(_ context.Context, f models.TaskFilter) ([]models.CallTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CallTask
	for _, t := range s.tasks {
		if f.AgentID != "" && (t.AssignedAgentID == nil || *t.AssignedAgentID != f.AgentID) {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ScheduledDate.Before(out[j].ScheduledDate)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ApplyTransition writes a status change if the task is still in FromStatus.
// A callback colliding with an existing one is dropped and reported as not created.
func (s *Store) ApplyTransition(_ context.Context, w models.TransitionWrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[w.Task.ID]
	if !ok {
		return false, fmt.Errorf("task %s: %w", w.Task.ID, models.ErrNotFound)
	}
	if cur.Status != w.FromStatus {
		return false, fmt.Errorf("task %s moved to %s: %w", w.Task.ID, cur.Status, models.ErrConflict)
	}
	s.tasks[w.Task.ID] = cloneTask(w.Task)
	if w.Callback == nil {
		return false, nil
	}
	if err := s.insertTaskLocked(*w.Callback); err != nil {
		return false, nil
	}
	return true, nil
}

func cloneTask(t models.CallTask) models.CallTask {
	t.InteractionHistory = append([]models.InteractionEntry(nil), t.InteractionHistory...)
	if t.CallLog != nil {
		cl := *t.CallLog
		t.CallLog = &cl
	}
	return t
}

func cloneRun(r models.SamplingRun) models.SamplingRun {
	r.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	return r
}
