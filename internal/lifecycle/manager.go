// Package lifecycle owns CallTask status transitions and callback spawning.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/telemetry"
)

// Store is the task persistence the manager needs.
type Store interface {
	GetTask(ctx context.Context, id string) (models.CallTask, error)
	ApplyTransition(ctx context.Context, w models.TransitionWrite) (bool, error)
}

// Manager applies agent-driven transitions to call tasks.
type Manager struct {
	store            Store
	logger           *slog.Logger
	callbacksEnabled bool
	callbackDelay    time.Duration
	Now              func() time.Time
}

// Options configures callback behaviour.
type Options struct {
	CallbacksEnabled bool
	CallbackDelay    time.Duration
}

// New constructs a Manager.
func New(st Store, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:            st,
		logger:           logger,
		callbacksEnabled: opts.CallbacksEnabled,
		callbackDelay:    opts.CallbackDelay,
		Now:              time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// TransitionRequest is an agent action on a task. AgentID, when set, must match the assigned agent.
type TransitionRequest struct {
	Status  models.TaskStatus `json:"status"`
	Notes   string            `json:"notes,omitempty"`
	CallLog *models.CallLog   `json:"call_log,omitempty"`
	AgentID string            `json:"agent_id,omitempty"`
}

// TransitionResult carries the updated task and any callback spawned by it.
type TransitionResult struct {
	Task     models.CallTask  `json:"task"`
	Callback *models.CallTask `json:"callback,omitempty"`
}

// Transition validates and applies a status change.
func (m *Manager) Transition(ctx context.Context, taskID string, req TransitionRequest) (TransitionResult, error) {
	if err := validateRequest(taskID, req); err != nil {
		return TransitionResult{}, err
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return TransitionResult{}, err
	}
	if req.AgentID != "" && (task.AssignedAgentID == nil || *task.AssignedAgentID != req.AgentID) {
		return TransitionResult{}, fmt.Errorf("%w: task %s is not assigned to agent %s", models.ErrValidation, taskID, req.AgentID)
	}
	from := task.Status
	if !from.CanTransitionTo(req.Status) {
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, req.Status)
	}

	now := m.now()
	notes := req.Notes
	if notes == "" {
		notes = fmt.Sprintf("status changed from %s to %s", from, req.Status)
	}
	task.Status = req.Status
	task.UpdatedAt = now
	task.InteractionHistory = append(task.InteractionHistory, models.InteractionEntry{
		Timestamp: now,
		Status:    req.Status,
		Notes:     notes,
	})
	if req.Status == models.TaskInProgress {
		started := now
		task.CallStartedAt = &started
	}
	if req.CallLog != nil {
		cl := *req.CallLog
		cl.RecordedAt = now
		task.CallLog = &cl
	}

	write := models.TransitionWrite{Task: task, FromStatus: from}
	if m.callbacksEnabled && req.Status.WarrantsCallback(task.CallbackNumber) {
		write.Callback = m.newCallback(task, now)
	}

	created, err := m.store.ApplyTransition(ctx, write)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("transition task %s: %w", taskID, err)
	}
	telemetry.Transitions.WithLabelValues(string(req.Status)).Inc()

	res := TransitionResult{Task: task}
	if created {
		res.Callback = write.Callback
		telemetry.CallbacksCreated.Inc()
		m.logger.Info("callback task created",
			"task_id", task.ID, "callback_id", write.Callback.ID, "callback_number", write.Callback.CallbackNumber)
	}
	return res, nil
}

func (m *Manager) newCallback(parent models.CallTask, now time.Time) *models.CallTask {
	parentID := parent.ID
	n := parent.CallbackNumber + 1
	cb := &models.CallTask{
		ID:             uuid.NewString(),
		FarmerID:       parent.FarmerID,
		ActivityID:     parent.ActivityID,
		Status:         models.TaskUnassigned,
		ScheduledDate:  now.Add(m.callbackDelay),
		RetryCount:     parent.RetryCount + 1,
		ParentTaskID:   &parentID,
		IsCallback:     true,
		CallbackNumber: n,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	cb.InteractionHistory = []models.InteractionEntry{{
		Timestamp: now,
		Status:    models.TaskUnassigned,
		Notes:     fmt.Sprintf("callback %d of %d after not_reachable on task %s", n, models.MaxCallbacks, parent.ID),
	}}
	return cb
}

// validateRequest rejects malformed input before any lookup.
func validateRequest(taskID string, req TransitionRequest) error {
	if _, err := uuid.Parse(taskID); err != nil {
		return fmt.Errorf("%w: malformed task id %q", models.ErrValidation, taskID)
	}
	if _, err := models.ParseTaskStatus(string(req.Status)); err != nil {
		return err
	}
	if req.Status == models.TaskSampledInQueue || req.Status == models.TaskUnassigned {
		return fmt.Errorf("%w: %s is set by allocation, not by agents", models.ErrInvalidTransition, req.Status)
	}
	if req.CallLog == nil {
		return nil
	}
	if !req.Status.Resolved() {
		return fmt.Errorf("%w: call log only accompanies a resolving status", models.ErrValidation)
	}
	want, err := req.CallLog.CallStatus.TaskStatus()
	if err != nil {
		return err
	}
	if want != req.Status {
		return fmt.Errorf("%w: call status %s does not resolve to %s", models.ErrValidation, req.CallLog.CallStatus, req.Status)
	}
	if !req.CallLog.DidAttend.Valid() {
		return fmt.Errorf("%w: unknown did_attend %q", models.ErrValidation, req.CallLog.DidAttend)
	}
	return nil
}
