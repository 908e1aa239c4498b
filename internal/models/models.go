package models

import (
	"time"
)

// Activity is a field event with its attending farmers. Only LifecycleStatus is written by sampling.
type Activity struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Date            time.Time       `json:"date"`
	FarmerIDs       []string        `json:"farmer_ids"`
	LifecycleStatus LifecycleStatus `json:"lifecycle_status"`
}

// Farmer is a contactable person. Read-only to the engine.
type Farmer struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Phone             string `json:"phone"`
	PreferredLanguage string `json:"preferred_language"`
}

// Agent is a call-centre user with role agent.
type Agent struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Active               bool     `json:"active"`
	LanguageCapabilities []string `json:"language_capabilities"`
}

// Speaks reports whether the agent can take calls in language.
func (a Agent) Speaks(language string) bool {
	for _, l := range a.LanguageCapabilities {
		if l == language {
			return true
		}
	}
	return false
}

// CoolingPeriod excludes a farmer from sampling while ExpiresAt is in the future.
type CoolingPeriod struct {
	FarmerID     string    `json:"farmer_id"`
	LastCallDate time.Time `json:"last_call_date"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NewCoolingPeriod computes the cooling window opened by contacting a farmer at now.
func NewCoolingPeriod(farmerID string, now time.Time, window time.Duration) CoolingPeriod {
	return CoolingPeriod{
		FarmerID:     farmerID,
		LastCallDate: now,
		ExpiresAt:    now.Add(window),
	}
}

// Active reports whether the cooling window still excludes the farmer at now.
func (c CoolingPeriod) Active(now time.Time) bool {
	return c.ExpiresAt.After(now)
}

// CallLog holds the outcome an agent recorded for a contact attempt.
type CallLog struct {
	CallStatus        CallStatus `json:"call_status"`
	DidAttend         DidAttend  `json:"did_attend,omitempty"`
	CropsDiscussed    []string   `json:"crops_discussed,omitempty"`
	ProductsDiscussed []string   `json:"products_discussed,omitempty"`
	DurationSeconds   int        `json:"duration_seconds,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	RecordedAt        time.Time  `json:"recorded_at"`
}

// InteractionEntry is one append-only record in a task's history.
type InteractionEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Status    TaskStatus `json:"status"`
	Notes     string     `json:"notes"`
}

// CallTask is one contact attempt unit.
// (ActivityID, FarmerID, CallbackNumber) is unique.
type CallTask struct {
	ID                 string             `json:"id"`
	FarmerID           string             `json:"farmer_id"`
	ActivityID         string             `json:"activity_id"`
	AssignedAgentID    *string            `json:"assigned_agent_id,omitempty"`
	Status             TaskStatus         `json:"status"`
	ScheduledDate      time.Time          `json:"scheduled_date"`
	RetryCount         int                `json:"retry_count"`
	ParentTaskID       *string            `json:"parent_task_id,omitempty"`
	IsCallback         bool               `json:"is_callback"`
	CallbackNumber     int                `json:"callback_number"`
	CallStartedAt      *time.Time         `json:"call_started_at,omitempty"`
	CallLog            *CallLog           `json:"call_log,omitempty"`
	InteractionHistory []InteractionEntry `json:"interaction_history"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// TaskFilter narrows task listings for the agent workflow.
type TaskFilter struct {
	AgentID string
	Status  TaskStatus
	Limit   int
}

// SamplingAudit is the write-once record of one activity's sampling pass.
type SamplingAudit struct {
	ID                 string         `json:"id"`
	ActivityID         string         `json:"activity_id"`
	SamplingPercentage float64        `json:"sampling_percentage"`
	TotalFarmers       int            `json:"total_farmers"`
	SampledCount       int            `json:"sampled_count"`
	Algorithm          string         `json:"algorithm"`
	Metadata           map[string]any `json:"metadata"`
	CreatedAt          time.Time      `json:"created_at"`
}

// SamplingRun tracks one batch invocation.
type SamplingRun struct {
	ID                 string     `json:"id"`
	Status             RunStatus  `json:"status"`
	Matched            int        `json:"matched"`
	Processed          int        `json:"processed"`
	TasksCreatedTotal  int        `json:"tasks_created_total"`
	SampledActivities  int        `json:"sampled_activities"`
	InactiveActivities int        `json:"inactive_activities"`
	Skipped            int        `json:"skipped"`
	ErrorCount         int        `json:"error_count"`
	ErrorMessages      []string   `json:"error_messages"`
	LastActivityID     *string    `json:"last_activity_id,omitempty"`
	LastProgressAt     *time.Time `json:"last_progress_at,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// SamplingCommit is everything one sampling pass writes. Stores apply it atomically.
type SamplingCommit struct {
	ActivityID      string
	Tasks           []CallTask
	CoolingPeriods  []CoolingPeriod
	Audit           SamplingAudit
	LifecycleStatus LifecycleStatus
}

// TransitionWrite is a validated status change, optionally spawning a callback task.
type TransitionWrite struct {
	Task       CallTask
	FromStatus TaskStatus
	Callback   *CallTask
}
