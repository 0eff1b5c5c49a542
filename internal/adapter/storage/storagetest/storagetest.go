// Package storagetest holds the behaviour every repository implementation must share.
// Both the memory and the postgres adapters run it against their own stores.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Stores is a fresh, empty set of repositories
type Stores struct {
	Nodes   port.NodeRepository
	Tasks   port.TaskRepository
	Locks   port.LockRepository
	Folders port.FolderProgressRepository
}

// Run executes the shared suite, calling fresh before every subtest
func Run(t *testing.T, fresh func(t *testing.T) Stores) {
	t.Run("NodeLookupAndRename", func(t *testing.T) { testNodes(t, fresh(t)) })
	t.Run("TaskVersioning", func(t *testing.T) { testTaskVersioning(t, fresh(t)) })
	t.Run("TaskReassign", func(t *testing.T) { testTaskReassign(t, fresh(t)) })
	t.Run("LockConditionalOps", func(t *testing.T) { testLocks(t, fresh(t)) })
	t.Run("LockInsertRace", func(t *testing.T) { testLockInsertRace(t, fresh(t)) })
	t.Run("FolderConditionalOps", func(t *testing.T) { testFolders(t, fresh(t)) })
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testNodes(t *testing.T, s Stores) {
	ctx := context.Background()
	a := &domain.Node{ID: "node-a", Name: "a", IPAddress: "10.0.0.1", HardwareFingerprint: "fp-a", IsAvailable: true, LastHeartbeat: t0}
	require.NoError(t, s.Nodes.Insert(ctx, a))
	assert.ErrorIs(t, s.Nodes.Insert(ctx, a), domain.ErrDuplicate)

	got, err := s.Nodes.FindByFingerprint(ctx, "fp-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.ID)

	_, err = s.Nodes.FindByIP(ctx, "10.9.9.9")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	renamed := *a
	renamed.ID = "node-a2"
	require.NoError(t, s.Nodes.Update(ctx, "node-a", &renamed))
	_, err = s.Nodes.GetByID(ctx, "node-a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ok, err := s.Nodes.Touch(ctx, "node-a2", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Nodes.Touch(ctx, "ghost", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Nodes.DeleteStale(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	b := &domain.Node{ID: "node-b", Name: "b", IsAvailable: true, LastHeartbeat: t0}
	require.NoError(t, s.Nodes.Insert(ctx, b))
	ok, err = s.Nodes.Delete(ctx, "node-b")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Nodes.Delete(ctx, "node-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func newTask(assigned string, ids ...string) *domain.Task {
	return &domain.Task{
		ID:              uuid.NewString(),
		Name:            "t",
		Type:            domain.TaskTypeTestMessage,
		Status:          domain.TaskStatusPending,
		AssignedNodeID:  assigned,
		AssignedNodeIDs: ids,
		Parameters:      []byte(`{"message":"hi"}`),
		CreatedAt:       t0,
		Version:         1,
	}
}

func testTaskVersioning(t *testing.T, s Stores) {
	ctx := context.Background()
	task := newTask("node-a")
	require.NoError(t, s.Tasks.Insert(ctx, task))

	update := task.Clone()
	update.ApplyStatus(domain.TaskStatusRunning, t0.Add(time.Second))
	require.NoError(t, s.Tasks.Update(ctx, update, 1))
	assert.EqualValues(t, 2, update.Version)

	stale := task.Clone()
	stale.ApplyStatus(domain.TaskStatusCancelled, t0)
	assert.ErrorIs(t, s.Tasks.Update(ctx, stale, 1), domain.ErrVersionMismatch)

	missing := newTask("node-a")
	assert.ErrorIs(t, s.Tasks.Update(ctx, missing, 1), domain.ErrNotFound)

	got, err := s.Tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(t0.Add(time.Second)))
	assert.Nil(t, got.CompletedAt)
	assert.JSONEq(t, `{"message":"hi"}`, string(got.Parameters))

	running, err := s.Tasks.ListByStatus(ctx, domain.TaskStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func testTaskReassign(t *testing.T, s Stores) {
	ctx := context.Background()
	single := newTask("old")
	multi := newTask("", "x", "old", "new")
	other := newTask("x")
	for _, task := range []*domain.Task{single, multi, other} {
		require.NoError(t, s.Tasks.Insert(ctx, task))
	}

	n, err := s.Tasks.ReassignNode(ctx, "old", "new")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := s.Tasks.GetByID(ctx, single.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AssignedNodeID)
	assert.EqualValues(t, 2, got.Version)

	got, err = s.Tasks.GetByID(ctx, multi.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "new"}, got.AssignedNodeIDs)
}

func testLocks(t *testing.T, s Stores) {
	ctx := context.Background()
	lock := &domain.FileLock{FilePath: "/d1", LockingNodeID: "a", AcquiredAt: t0, LastUpdatedAt: t0}
	require.NoError(t, s.Locks.Insert(ctx, lock))
	assert.ErrorIs(t, s.Locks.Insert(ctx, lock), domain.ErrDuplicate)

	ok, err := s.Locks.Touch(ctx, "/d1", "b", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Locks.Delete(ctx, "/d1", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Locks.DeleteIfStale(ctx, "/d1", t0.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Locks.DeleteIfStale(ctx, "/d1", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Locks.Insert(ctx, &domain.FileLock{FilePath: "/d2", LockingNodeID: "a", AcquiredAt: t0, LastUpdatedAt: t0}))
	require.NoError(t, s.Locks.Insert(ctx, &domain.FileLock{FilePath: "/d3", LockingNodeID: "c", AcquiredAt: t0, LastUpdatedAt: t0}))
	n, err := s.Locks.ReassignNode(ctx, "a", "a2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	held, err := s.Locks.ListByNode(ctx, "a2")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "/d2", held[0].FilePath)

	n, err = s.Locks.DeleteAllStale(ctx, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	all, err := s.Locks.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testLockInsertRace(t *testing.T, s Stores) {
	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Locks.Insert(ctx, &domain.FileLock{
				FilePath: "/shared", LockingNodeID: uuid.NewString(), AcquiredAt: t0, LastUpdatedAt: t0.Add(time.Duration(i)),
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func testFolders(t *testing.T, s Stores) {
	ctx := context.Background()
	task := newTask("", "a", "b")
	task.Type = domain.TaskTypeVolumeCompression
	require.NoError(t, s.Tasks.Insert(ctx, task))

	row := domain.NewFolderProgress(uuid.NewString(), task.ID, "/vol/d1", t0)
	require.NoError(t, s.Folders.Insert(ctx, row))
	dup := domain.NewFolderProgress(uuid.NewString(), task.ID, "/vol/d1", t0)
	assert.ErrorIs(t, s.Folders.Insert(ctx, dup), domain.ErrDuplicate)

	ok, err := s.Folders.UpdateProgress(ctx, row.ID, "a", 0.5, t0)
	require.NoError(t, err)
	assert.False(t, ok, "progress on a Pending row")

	ok, err = s.Folders.Claim(ctx, row.ID, "a", "node a", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Folders.Claim(ctx, row.ID, "b", "node b", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Folders.Reclaim(ctx, row.ID, "x", "b", "node b", t0)
	require.NoError(t, err)
	assert.False(t, ok, "reclaim names the wrong owner")
	ok, err = s.Folders.Reclaim(ctx, row.ID, "a", "b", "node b", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Folders.Finish(ctx, row.ID, "a", domain.FolderStatusCompleted, "", "/out", t0)
	require.NoError(t, err)
	assert.False(t, ok, "previous owner cannot finish")
	ok, err = s.Folders.Finish(ctx, row.ID, "b", domain.FolderStatusCompleted, "", "/out/d1.tar", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	rows, err := s.Folders.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.FolderStatusCompleted, rows[0].Status)
	assert.Equal(t, "b", rows[0].AssignedNodeID)
	assert.Equal(t, "/out/d1.tar", rows[0].OutputPath)
	assert.InDelta(t, 1.0, rows[0].Progress, 1e-9)
}
