// Package domain provides the coordinator entities and the errors shared across layers.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when no row matches
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken
	ErrDuplicate = errors.New("duplicate key")
	// ErrVersionMismatch is returned when a versioned update lost the race
	ErrVersionMismatch = errors.New("row version mismatch")
	// ErrInvalidTransition is returned when a status change breaks the state machine
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRegistration is returned when a node could not be registered after the cleanup retry
	ErrRegistration = errors.New("node registration failed")
)

// ConflictError carries the current row after an optimistic update lost the race
type ConflictError struct {
	Current *Task
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return "task update conflict"
	}
	return fmt.Sprintf("task %s update conflict: current version %d, status %s",
		e.Current.ID, e.Current.Version, e.Current.Status)
}

// UnsupportedTaskTypeError is returned when no runner is registered for a task type
type UnsupportedTaskTypeError struct {
	TaskType TaskType
}

func (e *UnsupportedTaskTypeError) Error() string {
	return fmt.Sprintf("no runner registered for task type %q", e.TaskType)
}

// TransitionError describes a rejected status change
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
