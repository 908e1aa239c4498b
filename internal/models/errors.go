package models

import "errors"

var (
	// ErrNotFound is returned when a referenced activity, farmer, agent, task or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks malformed input rejected before any lookup or mutation.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition marks a task status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadySampled is returned when a sampling audit already exists for an activity.
	ErrAlreadySampled = errors.New("activity already sampled")
	// ErrRunInProgress is returned when another batch run holds the run lease.
	ErrRunInProgress = errors.New("sampling run already in progress")
	// ErrConflict marks a write that lost a race with a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
)
