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
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReconciler_CompletesOnlyWhenAllFoldersTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression, AssignedNodeIDs: []string{"n1"}})
	_, err := f.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning)
	require.NoError(t, err)
	seedFolders(t, f, task.ID, "/vol/d1", "/vol/d2", "/vol/d3")

	folders := f.store.Folders()
	for i, status := range []domain.FolderStatus{domain.FolderStatusCompleted, domain.FolderStatusFailed} {
		id := task.ID + "-row-" + string(rune('0'+i))
		ok, err := folders.Claim(ctx, id, "n1", "n1", f.clock.Now())
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = folders.Finish(ctx, id, "n1", status, "", "", f.clock.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := f.reconciler.CompleteCooperativeTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "one folder still pending")

	id := task.ID + "-row-2"
	_, err = folders.Claim(ctx, id, "n1", "n1", f.clock.Now())
	require.NoError(t, err)
	_, err = folders.Finish(ctx, id, "n1", domain.FolderStatusCompleted, "", "", f.clock.Now())
	require.NoError(t, err)

	n, err = f.reconciler.CompleteCooperativeTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, "2 of 3 folders completed, 1 failed", got.ResultMessage)
}

func TestReconciler_IgnoresTasksWithoutFolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	coop := f.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression})
	single := f.createTask(t, &domain.Task{Type: domain.TaskTypeTestMessage})
	for _, task := range []*domain.Task{coop, single} {
		_, err := f.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning)
		require.NoError(t, err)
	}

	n, err := f.reconciler.CompleteCooperativeTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.TaskStatusRunning, f.task(t, coop.ID).Status, "not scanned yet")
	assert.Equal(t, domain.TaskStatusRunning, f.task(t, single.ID).Status)
}

func TestReconciler_Housekeeping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, &domain.Node{ID: "gone"})
	_, err := f.locks.TryAcquire(ctx, "/vol/d1", "gone")
	require.NoError(t, err)

	f.clock.Advance(61 * time.Minute)
	f.register(t, &domain.Node{ID: "here"})
	_, err = f.locks.TryAcquire(ctx, "/vol/d2", "here")
	require.NoError(t, err)

	nodes, err := f.reconciler.CleanupStaleNodes(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, nodes)

	locks, err := f.reconciler.EvictStaleLocks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, locks)

	rest, err := f.store.Locks().List(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "here", rest[0].LockingNodeID)
}

func TestReconciler_StartRunsPasses(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	task := f.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression})
	_, err := f.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning)
	require.NoError(t, err)
	seedFolders(t, f, task.ID, "/vol/d1")
	id := task.ID + "-row-0"
	_, err = f.store.Folders().Claim(ctx, id, "n1", "n1", f.clock.Now())
	require.NoError(t, err)
	_, err = f.store.Folders().Finish(ctx, id, "n1", domain.FolderStatusCompleted, "", "", f.clock.Now())
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		f.reconciler.Start(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(context.Background(), task.ID)
		return err == nil && got.Status == domain.TaskStatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
}

// unreachableNodes fails every listing, as when the database connection drops
type unreachableNodes struct {
	port.NodeRepository
}

func (unreachableNodes) List(context.Context) ([]*domain.Node, error) {
	return nil, errors.New("connection refused")
}

func TestReconciler_HeartbeatReportsNodeListingFailure(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.InfoLevel)
	registry := NewNodeRegistry(unreachableNodes{f.store.Nodes()}, f.store.Tasks(), f.store.Locks(), nil, f.clock, 0, 0, zap.NewNop())
	reconciler := NewReconciler(f.tasks, f.claimer, registry, f.locks, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reconciler.Start(ctx, time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Failed to count available nodes").Len() > 0
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	entry := logs.FilterMessage("Failed to count available nodes").All()[0]
	assert.Equal(t, "connection refused", entry.ContextMap()["error"])
	assert.Zero(t, logs.FilterMessage("Reconciler heartbeat").Len())
}
