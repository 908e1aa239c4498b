package models

import "fmt"

// TaskStatus enumerates CallTask lifecycle states.
type TaskStatus string

const (
	TaskUnassigned     TaskStatus = "unassigned"
	TaskSampledInQueue TaskStatus = "sampled_in_queue"
	TaskInProgress     TaskStatus = "in_progress"
	TaskCompleted      TaskStatus = "completed"
	TaskNotReachable   TaskStatus = "not_reachable"
	TaskInvalidNumber  TaskStatus = "invalid_number"
)

// MaxCallbacks bounds callbacks per original task (three contact attempts in total).
const MaxCallbacks = 2

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskUnassigned:     {TaskSampledInQueue},
	TaskSampledInQueue: {TaskInProgress},
	TaskInProgress:     {TaskCompleted, TaskNotReachable, TaskInvalidNumber},
}

// OpenTaskStatuses count toward an agent's load.
var OpenTaskStatuses = []TaskStatus{TaskSampledInQueue, TaskInProgress}

// ParseTaskStatus validates a raw status string.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(raw)
	switch s {
	case TaskUnassigned, TaskSampledInQueue, TaskInProgress, TaskCompleted, TaskNotReachable, TaskInvalidNumber:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown task status %q", ErrValidation, raw)
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Resolved reports whether the status is an outcome of a contact attempt.
func (s TaskStatus) Resolved() bool {
	return s == TaskCompleted || s == TaskNotReachable || s == TaskInvalidNumber
}

// Terminal reports whether a task in status s can never change again.
// not_reachable is terminal for the task itself; retries happen on a new callback task.
func (s TaskStatus) Terminal() bool {
	return s.Resolved()
}

// WarrantsCallback reports whether resolving to s at callbackNumber may spawn a callback.
func (s TaskStatus) WarrantsCallback(callbackNumber int) bool {
	return s == TaskNotReachable && callbackNumber < MaxCallbacks
}

// LifecycleStatus enumerates Activity lifecycle states.
type LifecycleStatus string

const (
	ActivityActive      LifecycleStatus = "active"
	ActivitySampled     LifecycleStatus = "sampled"
	ActivityInactive    LifecycleStatus = "inactive"
	ActivityNotEligible LifecycleStatus = "not_eligible"
)

// RunStatus enumerates SamplingRun states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// CallStatus is the connection outcome recorded in a call log.
type CallStatus string

const (
	CallConnected     CallStatus = "connected"
	CallNotReachable  CallStatus = "not_reachable"
	CallInvalidNumber CallStatus = "invalid_number"
)

// TaskStatus maps a call outcome to the task status it resolves to.
func (c CallStatus) TaskStatus() (TaskStatus, error) {
	switch c {
	case CallConnected:
		return TaskCompleted, nil
	case CallNotReachable:
		return TaskNotReachable, nil
	case CallInvalidNumber:
		return TaskInvalidNumber, nil
	}
	return "", fmt.Errorf("%w: unknown call status %q", ErrValidation, string(c))
}

// DidAttend records whether the farmer confirms attending the activity.
type DidAttend string

const (
	AttendYes        DidAttend = "yes"
	AttendNo         DidAttend = "no"
	AttendDontRecall DidAttend = "dont_recall"
)

// Valid reports whether d is empty or a known answer.
func (d DidAttend) Valid() bool {
	switch d {
	case "", AttendYes, AttendNo, AttendDontRecall:
		return true
	}
	return false
}
