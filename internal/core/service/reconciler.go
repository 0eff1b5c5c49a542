package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"go.uber.org/zap"
)

// Reconciler performs the periodic housekeeping no single node owns: completing
// cooperative tasks whose folders are all done, dropping dead nodes and expired locks.
type Reconciler struct {
	tasks    *TaskService
	folders  *FolderClaimer
	registry *NodeRegistry
	locks    *LockManager
	log      *zap.Logger
}

func NewReconciler(tasks *TaskService, folders *FolderClaimer, registry *NodeRegistry, locks *LockManager, log *zap.Logger) *Reconciler {
	return &Reconciler{
		tasks:    tasks,
		folders:  folders,
		registry: registry,
		locks:    locks,
		log:      log,
	}
}

// Start runs every housekeeping pass on a fixed interval until ctx is done
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stopping reconciler loop")
			return
		case <-ticker.C:
			count++
			if count%10 == 0 {
				if nodes, err := r.registry.ListAvailable(ctx, 0); err != nil {
					r.log.Warn("Failed to count available nodes", zap.Error(err))
				} else {
					r.log.Info("Reconciler heartbeat", zap.Int("available_nodes", len(nodes)), zap.Duration("interval", interval))
				}
			}
			if _, err := r.CompleteCooperativeTasks(ctx); err != nil {
				r.log.Error("Failed to reconcile cooperative tasks", zap.Error(err))
			}
			if _, err := r.CleanupStaleNodes(ctx); err != nil {
				r.log.Error("Failed to clean up stale nodes", zap.Error(err))
			}
			if _, err := r.EvictStaleLocks(ctx); err != nil {
				r.log.Error("Failed to evict stale locks", zap.Error(err))
			}
		}
	}
}

// CompleteCooperativeTasks moves Running VolumeCompression tasks to Completed once every
// folder row is terminal. It returns how many tasks were completed.
func (r *Reconciler) CompleteCooperativeTasks(ctx context.Context) (int, error) {
	running, err := r.tasks.repo.ListByStatus(ctx, domain.TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	var errs []error
	completed := 0
	for _, t := range running {
		if !t.Type.IsCooperative() {
			continue
		}
		rows, err := r.folders.Folders(ctx, t.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		summary := domain.Summarize(rows)
		if !summary.AllTerminal() {
			continue
		}

		msg := fmt.Sprintf("%d of %d folders completed", summary.Completed, summary.Total)
		if summary.Failed > 0 {
			msg += fmt.Sprintf(", %d failed", summary.Failed)
		}
		_, err = r.tasks.UpdateStatus(ctx, t.ID, domain.TaskStatusCompleted,
			WithResultMessage(msg), WithExpectedVersion(t.Version))
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			r.log.Debug("Task changed while reconciling, retrying next pass", zap.String("task_id", t.ID))
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		completed++
		r.log.Info("Cooperative task completed", zap.String("task_id", t.ID), zap.String("result", msg))
	}
	return completed, errors.Join(errs...)
}

// CleanupStaleNodes drops nodes without a heartbeat for longer than the stale age
func (r *Reconciler) CleanupStaleNodes(ctx context.Context) (int64, error) {
	return r.registry.CleanupStale(ctx)
}

// EvictStaleLocks deletes expired leases so that lock listings stay meaningful
func (r *Reconciler) EvictStaleLocks(ctx context.Context) (int64, error) {
	n, err := r.locks.EvictStale(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("Evicted stale locks", zap.Int64("count", n))
	}
	return n, nil
}
