// Package port provides behavior interfaces that connect services to storage and transport adapters.
package port

import (
	"context"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
)

// NodeRepository defines how node records are persisted
type NodeRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Node, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*domain.Node, error)
	FindByIP(ctx context.Context, ip string) (*domain.Node, error)
	List(ctx context.Context) ([]*domain.Node, error)
	// Insert returns domain.ErrDuplicate when the id is taken
	Insert(ctx context.Context, node *domain.Node) error
	// Update rewrites the row stored under oldID, which may rename it to node.ID
	Update(ctx context.Context, oldID string, node *domain.Node) error
	// Touch stamps a heartbeat, false when the id is unknown
	Touch(ctx context.Context, id string, at time.Time) (bool, error)
	// Delete removes the record, false when the id is unknown
	Delete(ctx context.Context, id string) (bool, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// TaskRepository defines how tasks are persisted
type TaskRepository interface {
	Insert(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]*domain.Task, error)
	ListByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.Task, error)
	// Update writes task only if the stored version equals expectedVersion,
	// otherwise it returns domain.ErrVersionMismatch. On success task.Version is bumped.
	Update(ctx context.Context, task *domain.Task, expectedVersion int64) error
	// ReassignNode repoints single and multi assignments from oldID to newID
	ReassignNode(ctx context.Context, oldID, newID string) (int64, error)
}

// LockRepository defines how advisory file locks are persisted
type LockRepository interface {
	Get(ctx context.Context, key string) (*domain.FileLock, error)
	// Insert returns domain.ErrDuplicate when a row for the key exists
	Insert(ctx context.Context, lock *domain.FileLock) error
	// Touch bumps lastUpdatedAt when the row is owned by nodeID
	Touch(ctx context.Context, key, nodeID string, at time.Time) (bool, error)
	// Delete removes the row when it is owned by nodeID
	Delete(ctx context.Context, key, nodeID string) (bool, error)
	// DeleteIfStale removes the row when lastUpdatedAt is at or before the cutoff
	DeleteIfStale(ctx context.Context, key string, before time.Time) (bool, error)
	DeleteAllStale(ctx context.Context, before time.Time) (int64, error)
	List(ctx context.Context) ([]*domain.FileLock, error)
	ListByNode(ctx context.Context, nodeID string) ([]*domain.FileLock, error)
	ReassignNode(ctx context.Context, oldID, newID string) (int64, error)
}

// FolderProgressRepository defines how per-folder progress rows are persisted.
// Every mutating call is a conditional update that reports whether it matched.
type FolderProgressRepository interface {
	// Insert returns domain.ErrDuplicate when (taskID, folderPath) exists
	Insert(ctx context.Context, row *domain.TaskFolderProgress) error
	ListByTask(ctx context.Context, taskID string) ([]*domain.TaskFolderProgress, error)
	// Claim moves a Pending row to InProgress for nodeID
	Claim(ctx context.Context, id, nodeID, nodeName string, at time.Time) (bool, error)
	// Reclaim takes over an InProgress row still owned by deadNodeID
	Reclaim(ctx context.Context, id, deadNodeID, nodeID, nodeName string, at time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id, nodeID string, progress float64, at time.Time) (bool, error)
	// Finish moves an InProgress row owned by nodeID to a terminal status
	Finish(ctx context.Context, id, nodeID string, status domain.FolderStatus, errMsg, outputPath string, at time.Time) (bool, error)
}

// Notifier broadcasts best-effort events; nobody is required to listen
type Notifier interface {
	Publish(ctx context.Context, event domain.Event) error
}

// ProcessSpec describes an external process or container invocation
type ProcessSpec struct {
	// Owner groups processes so that they can be killed together, usually a node id
	Owner   string
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// ProcessResult is what the process left behind
type ProcessResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ProcessRunner spawns external tools, waits with a timeout and can kill them
type ProcessRunner interface {
	Run(ctx context.Context, spec ProcessSpec) (*ProcessResult, error)
	// Kill stops every running process started for owner
	Kill(owner string) error
}

// Clock is the wall clock, swapped in tests
type Clock interface {
	Now() time.Time
}

// Metrics records coordinator activity
type Metrics interface {
	LockAttempt(acquired bool)
	TaskFinished(taskType domain.TaskType, status domain.TaskStatus, elapsed time.Duration)
	FolderFinished(status domain.FolderStatus)
	HeartbeatFailed()
	TasksInFlight(n int)
}

// ProgressSink receives a 0..1 progress fraction and an optional note from a runner
type ProgressSink func(progress float64, message string)

// RunResult is what a runner reports on success
type RunResult struct {
	Message string
	// Deferred means the task stays Running and something else completes it
	Deferred bool
}

// Runner executes one task type. It must honour ctx cancellation between work items.
type Runner interface {
	Type() domain.TaskType
	Execute(ctx context.Context, task *domain.Task, progress ProgressSink) (RunResult, error)
}

// Gate is implemented by runners that need an exclusive resource before a task may start.
// ok=false means another node holds it and the task stays Pending for a later poll.
// release is called once the run is over.
type Gate interface {
	Acquire(ctx context.Context, task *domain.Task) (release func(), ok bool, err error)
}
