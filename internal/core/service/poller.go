package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// PollerConfig tunes the node-side scheduling loop
type PollerConfig struct {
	Interval time.Duration
	// StuckAfter bounds how long a lightweight task may stay Running locally
	StuckAfter time.Duration
	// QuickTypes are the task types the stuck sweep is allowed to force-complete
	QuickTypes []domain.TaskType
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:   5 * time.Second,
		StuckAfter: 30 * time.Second,
		QuickTypes: []domain.TaskType{domain.TaskTypeTestMessage},
	}
}

type execution struct {
	taskID string
	cancel context.CancelFunc
}

func noRelease() {}

// Poller discovers work assigned to this node, runs it one task at a time and
// feeds results back into the lifecycle engine.
type Poller struct {
	self      *domain.Node
	tasks     *TaskService
	runners   *RunnerRegistry
	locks     *LockManager
	processes port.ProcessRunner
	notifier  port.Notifier
	metrics   port.Metrics
	clock     port.Clock
	cfg       PollerConfig
	log       *zap.Logger

	polling atomic.Bool
	busy    atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	tracked map[string]time.Time // node-local, never persisted
	current *execution
}

func NewPoller(
	self *domain.Node,
	tasks *TaskService,
	runners *RunnerRegistry,
	locks *LockManager,
	processes port.ProcessRunner,
	notifier port.Notifier,
	metrics port.Metrics,
	clock port.Clock,
	cfg PollerConfig,
	log *zap.Logger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Second
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Poller{
		self:      self,
		tasks:     tasks,
		runners:   runners,
		locks:     locks,
		processes: processes,
		notifier:  notifier,
		metrics:   metrics,
		clock:     clock,
		cfg:       cfg,
		log:       log.With(zap.String("node_id", self.ID)),
		tracked:   make(map[string]time.Time),
	}
}

// Start polls on the configured interval, and whenever wake fires, until ctx is done.
// wake may be nil.
func (p *Poller) Start(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.log.Info("Starting poller", zap.Duration("interval", p.cfg.Interval), zap.Any("capabilities", p.runners.Types()))
	if err := p.Recover(ctx); err != nil {
		p.log.Error("Failed to recover interrupted tasks", zap.Error(err))
	}
	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Stopping poller loop")
			return
		case <-ticker.C:
			p.Tick(ctx)
		case <-wake:
			p.log.Debug("Woken by store notification")
			p.Tick(ctx)
		}
	}
}

// Tick runs one poll unless the previous one is still in progress
func (p *Poller) Tick(ctx context.Context) {
	if !p.polling.CompareAndSwap(false, true) {
		p.log.Debug("Previous poll still running, skipping tick")
		return
	}
	defer p.polling.Store(false)

	if err := p.Poll(ctx); err != nil {
		p.log.Error("Poll failed", zap.Error(err))
	}
}

// Poll sweeps the local tracking set and dispatches at most one actionable task
func (p *Poller) Poll(ctx context.Context) error {
	all, err := p.tasks.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	byID := make(map[string]*domain.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	p.cleanupSweep(byID)
	p.stuckSweep(ctx, byID)

	if p.busy.Load() {
		return nil
	}

	var actionable []*domain.Task
	for _, t := range all {
		if p.isActionable(t) {
			actionable = append(actionable, t)
		}
	}
	// Pending work first, rejoining a running cooperative task only when nothing new waits
	slices.SortFunc(actionable, func(a, b *domain.Task) int {
		if ap, bp := a.Status == domain.TaskStatusPending, b.Status == domain.TaskStatusPending; ap != bp {
			if ap {
				return -1
			}
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	for _, t := range actionable {
		if p.dispatch(ctx, t) {
			return nil
		}
	}
	return nil
}

func (p *Poller) isActionable(t *domain.Task) bool {
	if !t.IsAssignedTo(p.self.ID) || p.isTracked(t.ID) {
		return false
	}
	return t.Status == domain.TaskStatusPending ||
		(t.Type.IsCooperative() && t.Status == domain.TaskStatusRunning)
}

// dispatch moves t to Running and hands it to the runner goroutine
func (p *Poller) dispatch(ctx context.Context, t *domain.Task) bool {
	p.track(t.ID)
	log := p.log.With(zap.String("task_id", t.ID), zap.String("type", string(t.Type)))

	release, ok := p.acquire(ctx, t, log)
	if !ok {
		p.untrack(t.ID)
		return false
	}

	running, err := p.tasks.UpdateStatus(ctx, t.ID, domain.TaskStatusRunning)
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Debug("Task finished before it could start")
		release()
		return false
	}
	if err != nil {
		log.Warn("Could not mark task running", zap.Error(err))
		release()
		p.untrack(t.ID)
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.current = &execution{taskID: t.ID, cancel: cancel}
	p.mu.Unlock()
	p.busy.Store(true)
	p.metrics.TasksInFlight(1)

	log.Info("Worker received task")
	p.wg.Add(1)
	go p.execute(runCtx, cancel, running, release)
	return true
}

// acquire passes the task through its runner's gate, if it has one.
// A busy resource is a lost race: the task stays Pending and is retried on a later poll.
func (p *Poller) acquire(ctx context.Context, t *domain.Task, log *zap.Logger) (release func(), ok bool) {
	runner, err := p.runners.Get(t.Type)
	if err != nil {
		// execute fails the task with the lookup error
		return noRelease, true
	}
	gate, isGate := runner.(port.Gate)
	if !isGate {
		return noRelease, true
	}

	release, ok, err = gate.Acquire(ctx, t)
	if err != nil {
		log.Warn("Could not acquire task resources", zap.Error(err))
		return nil, false
	}
	if !ok {
		log.Debug("Task resources held by another node, retrying later")
		return nil, false
	}
	if release == nil {
		release = noRelease
	}
	return release, true
}

func (p *Poller) execute(ctx context.Context, cancel context.CancelFunc, t *domain.Task, release func()) {
	defer p.wg.Done()
	defer func() {
		release()
		cancel()
		p.mu.Lock()
		if p.current != nil && p.current.taskID == t.ID {
			p.current = nil
		}
		p.mu.Unlock()
		p.metrics.TasksInFlight(0)
		p.busy.Store(false)
	}()

	ctx, span := tracer.Start(ctx, "task.execute")
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", string(t.Type)),
		attribute.String("node.id", p.self.ID),
	)
	defer span.End()

	log := p.log.With(zap.String("task_id", t.ID), zap.String("type", string(t.Type)))
	detached := context.WithoutCancel(ctx)
	started := p.clock.Now()

	sink := func(progress float64, message string) {
		log.Debug("Task progress", zap.Float64("progress", progress), zap.String("message", message))
		notify(detached, p.notifier, p.log, domain.Event{
			Kind:      domain.EventDebug,
			TaskID:    t.ID,
			NodeID:    p.self.ID,
			TaskType:  t.Type,
			Status:    string(domain.TaskStatusRunning),
			Message:   message,
			Progress:  progress,
			Timestamp: p.clock.Now(),
		})
	}

	result, err := p.run(ctx, t, sink)
	elapsed := p.clock.Now().Sub(started)

	switch {
	case err != nil && ctx.Err() != nil:
		// abort, the stuck sweep or shutdown cancelled the run and owns the final status
		log.Info("Task run cancelled", zap.Error(err))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("Task failed", zap.Error(err))
		p.finish(detached, t, domain.TaskStatusFailed, err.Error(), elapsed)
	case result.Deferred:
		// forget the task so a later poll rejoins it, e.g. to take over folders of a dead peer
		log.Info("Task work handed back, completion deferred", zap.String("result", result.Message))
		p.untrack(t.ID)
	default:
		log.Info("Task finished successfully", zap.Duration("elapsed", elapsed))
		p.finish(detached, t, domain.TaskStatusCompleted, result.Message, elapsed)
	}
}

// run resolves the runner and converts panics into errors so one task can never stop the loop
func (p *Poller) run(ctx context.Context, t *domain.Task, sink port.ProgressSink) (result port.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()

	runner, err := p.runners.Get(t.Type)
	if err != nil {
		return port.RunResult{}, err
	}
	return runner.Execute(ctx, t, sink)
}

func (p *Poller) finish(ctx context.Context, t *domain.Task, status domain.TaskStatus, msg string, elapsed time.Duration) {
	_, err := p.tasks.UpdateStatus(ctx, t.ID, status, WithResultMessage(msg))
	if errors.Is(err, domain.ErrInvalidTransition) {
		p.log.Debug("Task already terminal, result dropped", zap.String("task_id", t.ID), zap.String("status", string(status)))
		return
	}
	if err != nil {
		p.log.Error("Failed to record task result", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	p.metrics.TaskFinished(t.Type, status, elapsed)
}

// cleanupSweep forgets tracked tasks that are terminal or gone. A run whose task was
// finished elsewhere, for example aborted from another process, is cancelled.
func (p *Poller) cleanupSweep(byID map[string]*domain.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.tracked {
		t, ok := byID[id]
		if ok && !t.Status.IsTerminal() {
			continue
		}
		delete(p.tracked, id)
		if p.current != nil && p.current.taskID == id {
			p.log.Info("Task finished elsewhere, cancelling local run", zap.String("task_id", id))
			p.current.cancel()
		}
	}
}

// stuckSweep force-completes lightweight tasks that outlived StuckAfter
func (p *Poller) stuckSweep(ctx context.Context, byID map[string]*domain.Task) {
	now := p.clock.Now()

	p.mu.Lock()
	var stuck []*domain.Task
	for id, since := range p.tracked {
		t, ok := byID[id]
		if !ok || t.Status != domain.TaskStatusRunning || !slices.Contains(p.cfg.QuickTypes, t.Type) {
			continue
		}
		if now.Sub(since) > p.cfg.StuckAfter {
			stuck = append(stuck, t)
		}
	}
	p.mu.Unlock()

	for _, t := range stuck {
		msg := fmt.Sprintf("force-completed: still running %s after local start", p.cfg.StuckAfter)
		_, err := p.tasks.UpdateStatus(ctx, t.ID, domain.TaskStatusCompleted,
			WithResultMessage(msg), WithExpectedVersion(t.Version))
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) || errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			p.log.Error("Failed to force-complete stuck task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		p.log.Warn("Force-completed stuck task", zap.String("task_id", t.ID), zap.String("type", string(t.Type)))
		p.cancelCurrent(t.ID)
	}
}

// Recover fails tasks this node alone owned that were left Running by an earlier process
// or by a run cancelled during shutdown.
func (p *Poller) Recover(ctx context.Context) error {
	running, err := p.tasks.repo.ListByStatus(ctx, domain.TaskStatusRunning)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range running {
		if t.Type.IsCooperative() || t.AssignedNodeID != p.self.ID || len(t.AssignedNodeIDs) > 0 || p.isTracked(t.ID) {
			continue
		}
		_, err := p.tasks.UpdateStatus(ctx, t.ID, domain.TaskStatusFailed,
			WithResultMessage("interrupted: node restarted while task was running"),
			WithExpectedVersion(t.Version))
		var conflict *domain.ConflictError
		if err != nil && !errors.As(err, &conflict) {
			errs = append(errs, err)
			continue
		}
		p.log.Info("Failed interrupted task", zap.String("task_id", t.ID))
	}
	return errors.Join(errs...)
}

// Abort stops everything nodeID is doing. For this node the in-flight runner is cancelled too.
func (p *Poller) Abort(ctx context.Context, nodeID string) error {
	if nodeID == p.self.ID {
		p.cancelCurrent("")
	}
	return AbortNode(ctx, p.tasks, p.locks, p.processes, nodeID, p.log)
}

// AbortNode kills the node's external processes, cancels its tasks and releases its locks.
// Lock release runs even when the earlier steps fail.
func AbortNode(ctx context.Context, tasks *TaskService, locks *LockManager, processes port.ProcessRunner, nodeID string, log *zap.Logger) error {
	var errs []error
	log = log.With(zap.String("aborted_node_id", nodeID))

	if processes != nil {
		if err := processes.Kill(nodeID); err != nil {
			errs = append(errs, fmt.Errorf("kill processes: %w", err))
		}
	}

	cancelled, err := tasks.CancelForNode(ctx, nodeID, "cancelled: node "+nodeID+" aborted")
	if err != nil {
		errs = append(errs, fmt.Errorf("cancel tasks: %w", err))
	}

	released, err := locks.ReleaseAllHeldBy(context.WithoutCancel(ctx), nodeID)
	if err != nil {
		errs = append(errs, fmt.Errorf("release locks: %w", err))
	}

	log.Info("Node aborted", zap.Int("cancelled_tasks", cancelled), zap.Int("released_locks", released))
	return errors.Join(errs...)
}

// Wait blocks until the in-flight runner, if any, returned
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Busy reports whether a runner is executing
func (p *Poller) Busy() bool {
	return p.busy.Load()
}

// Tracked returns the ids in the local tracking set
func (p *Poller) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.tracked))
	for id := range p.tracked {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Poller) cancelCurrent(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && (taskID == "" || p.current.taskID == taskID) {
		p.current.cancel()
	}
}

func (p *Poller) track(id string) {
	p.mu.Lock()
	p.tracked[id] = p.clock.Now()
	p.mu.Unlock()
}

func (p *Poller) untrack(id string) {
	p.mu.Lock()
	delete(p.tracked, id)
	p.mu.Unlock()
}

func (p *Poller) isTracked(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracked[id]
	return ok
}
