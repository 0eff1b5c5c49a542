package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type funcRunner struct {
	typ domain.TaskType
	fn  func(ctx context.Context, task *domain.Task, progress port.ProgressSink) (port.RunResult, error)
}

func (r funcRunner) Type() domain.TaskType { return r.typ }

func (r funcRunner) Execute(ctx context.Context, task *domain.Task, progress port.ProgressSink) (port.RunResult, error) {
	return r.fn(ctx, task, progress)
}

func echoRunner(typ domain.TaskType) funcRunner {
	return funcRunner{typ: typ, fn: func(_ context.Context, task *domain.Task, progress port.ProgressSink) (port.RunResult, error) {
		progress(1, "done")
		return port.RunResult{Message: "ran " + task.Name}, nil
	}}
}

// blockingRunner signals started and waits for cancellation
func blockingRunner(typ domain.TaskType, started chan<- string) funcRunner {
	return funcRunner{typ: typ, fn: func(ctx context.Context, task *domain.Task, _ port.ProgressSink) (port.RunResult, error) {
		started <- task.ID
		<-ctx.Done()
		return port.RunResult{}, ctx.Err()
	}}
}

type pollerFixture struct {
	*fixture
	self      *domain.Node
	poller    *Poller
	processes *fakeProcesses
}

func newPollerFixture(t *testing.T, runners ...port.Runner) *pollerFixture {
	t.Helper()
	f := newFixture(t)
	self := f.register(t, &domain.Node{ID: "self", Name: "render-01"})
	processes := &fakeProcesses{}
	cfg := DefaultPollerConfig()
	poller := NewPoller(self, f.tasks, NewRunnerRegistry(runners...), f.locks, processes, f.notifier, nil, f.clock, cfg, zap.NewNop())
	return &pollerFixture{fixture: f, self: self, poller: poller, processes: processes}
}

func TestPoller_RunsAssignedTask(t *testing.T) {
	pf := newPollerFixture(t, echoRunner(domain.TaskTypeTestMessage))
	ctx := context.Background()

	mine := pf.createTask(t, &domain.Task{Name: "hello", Type: domain.TaskTypeTestMessage, AssignedNodeID: "self"})
	theirs := pf.createTask(t, &domain.Task{Name: "theirs", Type: domain.TaskTypeTestMessage, AssignedNodeID: "other"})

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()

	got := pf.task(t, mine.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, "ran hello", got.ResultMessage)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, domain.TaskStatusPending, pf.task(t, theirs.ID).Status)
	assert.False(t, pf.poller.Busy())
}

func TestPoller_MultiAssignedTask(t *testing.T) {
	pf := newPollerFixture(t, echoRunner(domain.TaskTypeTestMessage))
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeIDs: []string{"x", "self"}})

	require.NoError(t, pf.poller.Poll(context.Background()))
	pf.poller.Wait()
	assert.Equal(t, domain.TaskStatusCompleted, pf.task(t, task.ID).Status)
}

func TestPoller_FailsTask(t *testing.T) {
	tests := []struct {
		name    string
		runner  funcRunner
		typ     domain.TaskType
		message string
	}{
		{
			name:    "unsupported type",
			runner:  echoRunner(domain.TaskTypeTestMessage),
			typ:     domain.TaskTypeRealityCapture,
			message: `no runner registered for task type "RealityCapture"`,
		},
		{
			name: "runner error",
			runner: funcRunner{typ: domain.TaskTypePackageTask, fn: func(context.Context, *domain.Task, port.ProgressSink) (port.RunResult, error) {
				return port.RunResult{}, errors.New("zip: disk full")
			}},
			typ:     domain.TaskTypePackageTask,
			message: "zip: disk full",
		},
		{
			name: "runner panic",
			runner: funcRunner{typ: domain.TaskTypePackageTask, fn: func(context.Context, *domain.Task, port.ProgressSink) (port.RunResult, error) {
				panic("nil archive")
			}},
			typ:     domain.TaskTypePackageTask,
			message: "runner panicked: nil archive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf := newPollerFixture(t, tt.runner)
			task := pf.createTask(t, &domain.Task{Type: tt.typ, AssignedNodeID: "self"})

			require.NoError(t, pf.poller.Poll(context.Background()))
			pf.poller.Wait()

			got := pf.task(t, task.ID)
			assert.Equal(t, domain.TaskStatusFailed, got.Status)
			assert.Equal(t, tt.message, got.ResultMessage)
		})
	}
}

func TestPoller_DeferredResultLeavesTaskRunning(t *testing.T) {
	runs := 0
	deferred := funcRunner{typ: domain.TaskTypeVolumeCompression, fn: func(context.Context, *domain.Task, port.ProgressSink) (port.RunResult, error) {
		runs++
		return port.RunResult{Message: "my share is done", Deferred: true}, nil
	}}
	pf := newPollerFixture(t, deferred)
	ctx := context.Background()
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression, AssignedNodeIDs: []string{"self"}})

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Equal(t, domain.TaskStatusRunning, pf.task(t, task.ID).Status)

	assert.Empty(t, pf.poller.Tracked(), "handed back, so a later poll can rejoin")

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Equal(t, 2, runs)
	assert.Equal(t, domain.TaskStatusRunning, pf.task(t, task.ID).Status)
}

func TestPoller_RejoinTakesOverFolderOfDeadPeer(t *testing.T) {
	pf := newPollerFixture(t)
	ctx := context.Background()

	runs := 0
	var work workLog
	pf.poller.runners.Register(funcRunner{typ: domain.TaskTypeVolumeCompression, fn: func(ctx context.Context, task *domain.Task, _ port.ProgressSink) (port.RunResult, error) {
		runs++
		if _, err := pf.claimer.Run(ctx, task.ID, pf.self, work.work(pf.self.ID)); err != nil {
			return port.RunResult{}, err
		}
		return port.RunResult{Deferred: true}, nil
	}})

	pf.register(t, &domain.Node{ID: "peer"})
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression, AssignedNodeIDs: []string{"peer", "self"}})
	_, err := pf.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning)
	require.NoError(t, err)
	seedFolders(t, pf.fixture, task.ID, "/vol/d1")
	ok, err := pf.store.Folders().Claim(ctx, task.ID+"-row-0", "peer", "peer", pf.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = pf.locks.TryAcquire(ctx, domain.FolderLockKey("/vol/d1"), "peer")
	require.NoError(t, err)
	require.True(t, ok)

	// the peer is alive, so self gives up on its folder
	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Equal(t, 1, runs)
	assert.Empty(t, work.seen)

	// the peer dies mid-folder: past the liveness window and the lock lease
	pf.clock.Advance(11 * time.Minute)
	_, err = pf.registry.Heartbeat(ctx, "self")
	require.NoError(t, err)

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Equal(t, 2, runs)

	rows, err := pf.claimer.Folders(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.FolderStatusCompleted, rows[0].Status)
	assert.Equal(t, "self", rows[0].AssignedNodeID)

	n, err := pf.reconciler.CompleteCooperativeTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.TaskStatusCompleted, pf.task(t, task.ID).Status)
}

func TestPoller_PendingWorkBeforeRejoin(t *testing.T) {
	ran := make(chan domain.TaskType, 2)
	record := func(typ domain.TaskType, deferred bool) funcRunner {
		return funcRunner{typ: typ, fn: func(context.Context, *domain.Task, port.ProgressSink) (port.RunResult, error) {
			ran <- typ
			return port.RunResult{Deferred: deferred}, nil
		}}
	}
	pf := newPollerFixture(t, record(domain.TaskTypeVolumeCompression, true), record(domain.TaskTypeTestMessage, false))
	ctx := context.Background()

	coop := pf.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression, AssignedNodeIDs: []string{"self"}})
	_, err := pf.tasks.UpdateStatus(ctx, coop.ID, domain.TaskStatusRunning)
	require.NoError(t, err)
	pf.clock.Advance(time.Second)
	pf.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "self"})

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Equal(t, domain.TaskTypeTestMessage, <-ran, "newer pending task runs before the older running one")
}

// gatedRunner guards its runs with a resource that may be held elsewhere
type gatedRunner struct {
	funcRunner
	acquire func(ctx context.Context, task *domain.Task) (func(), bool, error)
}

func (r gatedRunner) Acquire(ctx context.Context, task *domain.Task) (func(), bool, error) {
	return r.acquire(ctx, task)
}

func TestPoller_BusyGateLeavesTaskPending(t *testing.T) {
	pf := newPollerFixture(t)
	ctx := context.Background()
	ok, err := pf.locks.TryAcquire(ctx, "/assets/scene1", "peer")
	require.NoError(t, err)
	require.True(t, ok)

	runs := 0
	pf.poller.runners.Register(gatedRunner{
		funcRunner: funcRunner{typ: domain.TaskTypePackageTask, fn: func(context.Context, *domain.Task, port.ProgressSink) (port.RunResult, error) {
			runs++
			return port.RunResult{Message: "packed"}, nil
		}},
		acquire: func(ctx context.Context, _ *domain.Task) (func(), bool, error) {
			ok, err := pf.locks.TryAcquire(ctx, "/assets/scene1", "self")
			if err != nil || !ok {
				return nil, false, err
			}
			return func() { _, _ = pf.locks.Release(context.Background(), "/assets/scene1", "self") }, true, nil
		},
	})
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypePackageTask, AssignedNodeID: "self"})

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Zero(t, runs)
	assert.Equal(t, domain.TaskStatusPending, pf.task(t, task.ID).Status)
	assert.Empty(t, pf.poller.Tracked())

	_, err = pf.locks.Release(ctx, "/assets/scene1", "peer")
	require.NoError(t, err)

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Equal(t, 1, runs)
	got := pf.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, "packed", got.ResultMessage)

	locks, err := pf.locks.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks, "released after the run")
}

func TestPoller_JoinsRunningCooperativeTask(t *testing.T) {
	joined := make(chan string, 1)
	runner := funcRunner{typ: domain.TaskTypeVolumeCompression, fn: func(_ context.Context, task *domain.Task, _ port.ProgressSink) (port.RunResult, error) {
		joined <- task.ID
		return port.RunResult{Deferred: true}, nil
	}}
	pf := newPollerFixture(t, runner)
	ctx := context.Background()

	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression, AssignedNodeIDs: []string{"peer", "self"}})
	_, err := pf.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning)
	require.NoError(t, err)

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Equal(t, task.ID, <-joined)
}

func TestPoller_RunningSingleTaskIsNotActionable(t *testing.T) {
	pf := newPollerFixture(t, echoRunner(domain.TaskTypeTestMessage))
	ctx := context.Background()
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "self"})
	_, err := pf.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning)
	require.NoError(t, err)

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Equal(t, domain.TaskStatusRunning, pf.task(t, task.ID).Status)
	assert.Empty(t, pf.poller.Tracked())
}

func TestPoller_OneTaskAtATime(t *testing.T) {
	started := make(chan string, 2)
	pf := newPollerFixture(t, blockingRunner(domain.TaskTypePackageTask, started))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := pf.createTask(t, &domain.Task{Type: domain.TaskTypePackageTask, AssignedNodeID: "self"})
	pf.clock.Advance(time.Second)
	second := pf.createTask(t, &domain.Task{Type: domain.TaskTypePackageTask, AssignedNodeID: "self"})

	require.NoError(t, pf.poller.Poll(ctx))
	assert.Equal(t, first.ID, <-started, "oldest task first")
	assert.True(t, pf.poller.Busy())

	require.NoError(t, pf.poller.Poll(ctx))
	assert.Equal(t, domain.TaskStatusPending, pf.task(t, second.ID).Status)

	cancel()
	pf.poller.Wait()
	assert.False(t, pf.poller.Busy())
}

func TestPoller_StuckSweepForceCompletes(t *testing.T) {
	started := make(chan string, 1)
	pf := newPollerFixture(t, blockingRunner(domain.TaskTypeTestMessage, started))
	ctx := context.Background()
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "self"})

	require.NoError(t, pf.poller.Poll(ctx))
	<-started

	pf.clock.Advance(30 * time.Second)
	require.NoError(t, pf.poller.Poll(ctx))
	assert.Equal(t, domain.TaskStatusRunning, pf.task(t, task.ID).Status, "not stuck at exactly the limit")

	pf.clock.Advance(time.Second)
	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()

	got := pf.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Contains(t, got.ResultMessage, "force-completed")
}

func TestPoller_StuckSweepIgnoresHeavyTypes(t *testing.T) {
	started := make(chan string, 1)
	pf := newPollerFixture(t, blockingRunner(domain.TaskTypeRenderThumbnails, started))
	ctx, cancel := context.WithCancel(context.Background())
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeRenderThumbnails, AssignedNodeID: "self"})

	require.NoError(t, pf.poller.Poll(ctx))
	<-started
	pf.clock.Advance(time.Hour)
	require.NoError(t, pf.poller.Poll(ctx))
	assert.Equal(t, domain.TaskStatusRunning, pf.task(t, task.ID).Status)

	cancel()
	pf.poller.Wait()
}

func TestPoller_CleanupSweepForgetsFinishedTasks(t *testing.T) {
	pf := newPollerFixture(t, echoRunner(domain.TaskTypeTestMessage))
	ctx := context.Background()
	pf.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "self"})

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()
	assert.Len(t, pf.poller.Tracked(), 1)

	require.NoError(t, pf.poller.Poll(ctx))
	assert.Empty(t, pf.poller.Tracked())
}

func TestPoller_TickIsNotReentrant(t *testing.T) {
	pf := newPollerFixture(t, echoRunner(domain.TaskTypeTestMessage))
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "self"})

	pf.poller.polling.Store(true)
	pf.poller.Tick(context.Background())
	assert.Equal(t, domain.TaskStatusPending, pf.task(t, task.ID).Status)

	pf.poller.polling.Store(false)
	pf.poller.Tick(context.Background())
	pf.poller.Wait()
	assert.Equal(t, domain.TaskStatusCompleted, pf.task(t, task.ID).Status)
}

func TestPoller_StartWakesOnSignal(t *testing.T) {
	f := newFixtureWithClock(t, SystemClock{})
	self := f.register(t, &domain.Node{ID: "self"})
	cfg := DefaultPollerConfig()
	cfg.Interval = time.Hour
	poller := NewPoller(self, f.tasks, NewRunnerRegistry(echoRunner(domain.TaskTypeTestMessage)), f.locks, nil, nil, nil, SystemClock{}, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{}, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		poller.Start(ctx, wake)
	}()

	task := f.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "self"})
	require.Eventually(t, func() bool {
		select {
		case wake <- struct{}{}:
		default:
		}
		got, err := f.tasks.Get(context.Background(), task.ID)
		return err == nil && got.Status == domain.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped
	poller.Wait()
}

func TestPoller_AbortCancelsTasksKillsProcessesAndReleasesLocks(t *testing.T) {
	started := make(chan string, 1)
	pf := newPollerFixture(t, blockingRunner(domain.TaskTypeVolumeCompression, started))
	ctx := context.Background()

	u := pf.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression, AssignedNodeIDs: []string{"self"}})
	queued := pf.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "self"})
	foreign := pf.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "peer"})

	require.NoError(t, pf.poller.Poll(ctx))
	assert.Equal(t, u.ID, <-started)

	for _, key := range []string{domain.FolderLockKey("/vol/d1"), domain.FolderLockKey("/vol/d3")} {
		ok, err := pf.locks.TryAcquire(ctx, key, "self")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := pf.locks.TryAcquire(ctx, domain.FolderLockKey("/vol/d2"), "peer")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, pf.poller.Abort(ctx, "self"))
	pf.poller.Wait()

	assert.Equal(t, []string{"self"}, pf.processes.killed)
	assert.Equal(t, domain.TaskStatusCancelled, pf.task(t, u.ID).Status)
	assert.Equal(t, domain.TaskStatusCancelled, pf.task(t, queued.ID).Status)
	assert.Equal(t, domain.TaskStatusPending, pf.task(t, foreign.ID).Status)

	locks, err := pf.locks.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "peer", locks[0].LockingNodeID)
}

func TestAbortNode_ReleasesLocksWhenKillFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage, AssignedNodeID: "gone"})
	_, err := f.locks.TryAcquire(ctx, "/vol/d1", "gone")
	require.NoError(t, err)

	processes := &fakeProcesses{killErr: errors.New("docker daemon unreachable")}
	err = AbortNode(ctx, f.tasks, f.locks, processes, "gone", zap.NewNop())
	assert.ErrorContains(t, err, "docker daemon unreachable")

	assert.Equal(t, domain.TaskStatusCancelled, f.task(t, task.ID).Status)
	locks, err := f.locks.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestPoller_RecoverFailsInterruptedTasks(t *testing.T) {
	pf := newPollerFixture(t)
	ctx := context.Background()

	interrupted := pf.createTask(t, &domain.Task{Type: domain.TaskTypeRenderThumbnails, AssignedNodeID: "self"})
	cooperative := pf.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression, AssignedNodeIDs: []string{"self"}})
	foreign := pf.createTask(t, &domain.Task{Type: domain.TaskTypeRenderThumbnails, AssignedNodeID: "peer"})
	for _, task := range []*domain.Task{interrupted, cooperative, foreign} {
		_, err := pf.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning)
		require.NoError(t, err)
	}

	require.NoError(t, pf.poller.Recover(ctx))

	got := pf.task(t, interrupted.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ResultMessage, "interrupted")
	assert.Equal(t, domain.TaskStatusRunning, pf.task(t, cooperative.ID).Status)
	assert.Equal(t, domain.TaskStatusRunning, pf.task(t, foreign.ID).Status)
}

func TestPoller_CancelsRunWhenTaskFinishedElsewhere(t *testing.T) {
	started := make(chan string, 1)
	pf := newPollerFixture(t, blockingRunner(domain.TaskTypeRenderThumbnails, started))
	ctx := context.Background()
	task := pf.createTask(t, &domain.Task{Type: domain.TaskTypeRenderThumbnails, AssignedNodeID: "self"})

	require.NoError(t, pf.poller.Poll(ctx))
	<-started

	// an operator aborts the node from another process
	_, err := pf.tasks.CancelForNode(ctx, "self", "cancelled by operator")
	require.NoError(t, err)

	require.NoError(t, pf.poller.Poll(ctx))
	pf.poller.Wait()

	got := pf.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	assert.Equal(t, "cancelled by operator", got.ResultMessage)
	assert.Empty(t, pf.poller.Tracked())
}
