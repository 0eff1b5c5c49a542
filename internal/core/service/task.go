package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxWriteAttempts bounds internal retries of unversioned writes that lost a race
const maxWriteAttempts = 5

// TaskService owns task CRUD, status transitions and assignment bookkeeping
type TaskService struct {
	repo     port.TaskRepository
	registry *NodeRegistry
	notifier port.Notifier
	clock    port.Clock
	log      *zap.Logger
}

func NewTaskService(repo port.TaskRepository, registry *NodeRegistry, notifier port.Notifier, clock port.Clock, log *zap.Logger) *TaskService {
	return &TaskService{
		repo:     repo,
		registry: registry,
		notifier: notifier,
		clock:    clock,
		log:      log,
	}
}

// Create stores a new Pending task
func (s *TaskService) Create(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = domain.TaskStatusPending
	t.CreatedAt = s.clock.Now()
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Version = 1

	if err := s.repo.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.log.Info("Task created",
		zap.String("task_id", t.ID),
		zap.String("type", string(t.Type)),
		zap.String("assigned_node_id", t.AssignedNodeID))
	return t, nil
}

func (s *TaskService) Get(ctx context.Context, id string) (*domain.Task, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *TaskService) List(ctx context.Context) ([]*domain.Task, error) {
	return s.repo.List(ctx)
}

// ListForNode returns tasks assigned to nodeID through either assignment field
func (s *TaskService) ListForNode(ctx context.Context, nodeID string) ([]*domain.Task, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var mine []*domain.Task
	for _, t := range all {
		if t.IsAssignedTo(nodeID) {
			mine = append(mine, t)
		}
	}
	return mine, nil
}

type statusUpdate struct {
	message         *string
	expectedVersion *int64
}

// StatusOption customizes UpdateStatus
type StatusOption func(*statusUpdate)

// WithResultMessage sets the durable explanation stored on the task
func WithResultMessage(msg string) StatusOption {
	return func(u *statusUpdate) { u.message = &msg }
}

// WithExpectedVersion makes the update fail with a ConflictError when the row moved on
func WithExpectedVersion(v int64) StatusOption {
	return func(u *statusUpdate) { u.expectedVersion = &v }
}

// UpdateStatus moves the task to status. startedAt and completedAt are stamped only once.
// With an expected version a lost race yields *domain.ConflictError carrying the current row.
func (s *TaskService) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, opts ...StatusOption) (*domain.Task, error) {
	var u statusUpdate
	for _, opt := range opts {
		opt(&u)
	}

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
		if u.expectedVersion != nil && current.Version != *u.expectedVersion {
			return nil, &domain.ConflictError{Current: current}
		}
		if !current.Status.CanTransitionTo(status) {
			return nil, &domain.TransitionError{TaskID: id, From: current.Status, To: status}
		}
		if current.Status == status && (u.message == nil || *u.message == current.ResultMessage) {
			return current, nil
		}

		next := current.Clone()
		next.ApplyStatus(status, s.clock.Now())
		if u.message != nil {
			next.ResultMessage = *u.message
		}

		err = s.repo.Update(ctx, next, current.Version)
		if errors.Is(err, domain.ErrVersionMismatch) {
			if u.expectedVersion != nil {
				latest, gerr := s.repo.GetByID(ctx, id)
				if gerr != nil {
					return nil, fmt.Errorf("reload task %s: %w", id, gerr)
				}
				return nil, &domain.ConflictError{Current: latest}
			}
			s.log.Debug("Status update lost a race, retrying", zap.String("task_id", id), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update task %s: %w", id, err)
		}

		s.log.Info("Task status updated",
			zap.String("task_id", id),
			zap.String("status", string(next.Status)),
			zap.String("previous", string(current.Status)))
		notify(ctx, s.notifier, s.log, domain.Event{
			Kind:      domain.EventTaskStatus,
			TaskID:    id,
			NodeID:    next.AssignedNodeID,
			TaskType:  next.Type,
			Status:    string(next.Status),
			Message:   next.ResultMessage,
			Timestamp: s.clock.Now(),
		})
		return next, nil
	}
	return nil, fmt.Errorf("update task %s: %w", id, domain.ErrVersionMismatch)
}

// AssignToNode sets the single assignment; false when the node is unknown or not alive
func (s *TaskService) AssignToNode(ctx context.Context, id, nodeID string) (bool, error) {
	ok, err := s.registry.IsAvailable(ctx, nodeID)
	if err != nil || !ok {
		return false, err
	}
	return s.mutate(ctx, id, func(t *domain.Task) {
		t.AssignedNodeID = nodeID
	})
}

// AssignToNodes sets the multi-node assignment to the available subset of nodeIDs.
// It returns false when none of them is available.
func (s *TaskService) AssignToNodes(ctx context.Context, id string, nodeIDs []string) (bool, error) {
	var alive []string
	for _, nodeID := range nodeIDs {
		if slices.Contains(alive, nodeID) {
			continue
		}
		ok, err := s.registry.IsAvailable(ctx, nodeID)
		if err != nil {
			return false, err
		}
		if ok {
			alive = append(alive, nodeID)
		}
	}
	if len(alive) == 0 {
		return false, nil
	}
	return s.mutate(ctx, id, func(t *domain.Task) {
		t.AssignedNodeIDs = alive
	})
}

func (s *TaskService) mutate(ctx context.Context, id string, fn func(*domain.Task)) (bool, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		next := current.Clone()
		fn(next)
		err = s.repo.Update(ctx, next, current.Version)
		if errors.Is(err, domain.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// CancelForNode cancels every Pending or Running task assigned to nodeID.
// Tasks that finished in the meantime are skipped; other failures are joined.
func (s *TaskService) CancelForNode(ctx context.Context, nodeID, reason string) (int, error) {
	active, err := s.repo.ListByStatus(ctx, domain.TaskStatusPending, domain.TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	var errs []error
	cancelled := 0
	for _, t := range active {
		if !t.IsAssignedTo(nodeID) {
			continue
		}
		_, err := s.UpdateStatus(ctx, t.ID, domain.TaskStatusCancelled, WithResultMessage(reason))
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled++
	}
	return cancelled, errors.Join(errs...)
}
