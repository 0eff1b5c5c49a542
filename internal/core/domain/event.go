package domain

import "time"

type EventKind string

const (
	EventTaskStatus     EventKind = "task_status"
	EventFolderProgress EventKind = "folder_progress"
	EventNodeRegistered EventKind = "node_registered"
	EventDebug          EventKind = "debug"
)

// Event is a best-effort notification; nothing depends on it being delivered
type Event struct {
	Kind      EventKind `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	TaskType  TaskType  `json:"task_type,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
