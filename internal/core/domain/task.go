package domain

import (
	"encoding/json"
	"slices"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo encodes Pending -> Running -> {Completed, Failed, Cancelled}.
// Re-applying the current status is always allowed so that racing nodes stay idempotent.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case TaskStatusPending:
		return true
	case TaskStatusRunning:
		return next.IsTerminal()
	}
	return false
}

type TaskType string

const (
	TaskTypeTestMessage       TaskType = "TestMessage"
	TaskTypeRenderThumbnails  TaskType = "RenderThumbnails"
	TaskTypePackageTask       TaskType = "PackageTask"
	TaskTypeVolumeCompression TaskType = "VolumeCompression"
	TaskTypeRealityCapture    TaskType = "RealityCapture"
)

// IsCooperative is true for task types drained by several nodes through folder claims
func (t TaskType) IsCooperative() bool {
	return t == TaskTypeVolumeCompression
}

// Task represents a unit of work pulled by nodes from the shared store
type Task struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            TaskType        `json:"type"`
	Status          TaskStatus      `json:"status"`
	AssignedNodeID  string          `json:"assigned_node_id,omitempty"`
	AssignedNodeIDs []string        `json:"assigned_node_ids,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ResultMessage   string          `json:"result_message,omitempty"`
	Version         int64           `json:"version"`
}

// IsAssignedTo checks both the single assignment field and the multi-node list
func (t *Task) IsAssignedTo(nodeID string) bool {
	if nodeID == "" {
		return false
	}
	return t.AssignedNodeID == nodeID || slices.Contains(t.AssignedNodeIDs, nodeID)
}

// ApplyStatus moves the task to next and stamps startedAt/completedAt only when unset
func (t *Task) ApplyStatus(next TaskStatus, now time.Time) {
	t.Status = next
	if next == TaskStatusRunning && t.StartedAt == nil {
		at := now
		t.StartedAt = &at
	}
	if next.IsTerminal() && t.CompletedAt == nil {
		at := now
		t.CompletedAt = &at
	}
}

// ReplaceNode repoints every assignment from oldID to newID, reports whether anything changed
func (t *Task) ReplaceNode(oldID, newID string) bool {
	changed := false
	if t.AssignedNodeID == oldID {
		t.AssignedNodeID = newID
		changed = true
	}
	for i, id := range t.AssignedNodeIDs {
		if id == oldID {
			t.AssignedNodeIDs[i] = newID
			changed = true
		}
	}
	if changed {
		t.AssignedNodeIDs = dedupe(t.AssignedNodeIDs)
	}
	return changed
}

func dedupe(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Clone returns a deep copy
func (t *Task) Clone() *Task {
	c := *t
	c.AssignedNodeIDs = slices.Clone(t.AssignedNodeIDs)
	c.Parameters = slices.Clone(t.Parameters)
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// DecodeParameters unmarshals the opaque payload into v
func (t *Task) DecodeParameters(v any) error {
	if len(t.Parameters) == 0 {
		return nil
	}
	return json.Unmarshal(t.Parameters, v)
}

// VolumeCompressionParams is the payload of a VolumeCompression task
type VolumeCompressionParams struct {
	Directories     []string `json:"directories"`
	Extensions      []string `json:"extensions,omitempty"`
	OutputDirectory string   `json:"output_directory,omitempty"`
	Command         string   `json:"command,omitempty"`
	Args            []string `json:"args,omitempty"`
}

// CommandParams is the payload shared by runners that invoke a single external tool
type CommandParams struct {
	TargetPath     string   `json:"target_path,omitempty"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	WorkDir        string   `json:"work_dir,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// TestMessageParams is the payload of a TestMessage task
type TestMessageParams struct {
	Message string `json:"message"`
}
