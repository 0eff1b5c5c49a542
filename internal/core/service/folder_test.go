package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}

func TestScanFolders(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"shots/s01/frame.EXR",
		"shots/s01/frame2.exr",
		"shots/s02/notes.txt",
		"shots/s02/deep/frame.exr",
		"top.exr",
	)

	folders, err := ScanFolders([]string{root}, []string{"exr"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		root,
		filepath.Join(root, "shots", "s01"),
		filepath.Join(root, "shots", "s02", "deep"),
	}, folders)

	all, err := ScanFolders([]string{filepath.Join(root, "shots")}, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = ScanFolders([]string{filepath.Join(root, "missing")}, nil)
	assert.Error(t, err)
}

func TestFolderClaimer_PreScanIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, "a/1.raw", "b/2.raw", "c/3.jpg")

	n, err := f.claimer.PreScan(ctx, "task-1", []string{root}, []string{".raw"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.claimer.PreScan(ctx, "task-1", []string{root}, []string{".raw"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.claimer.EnsureScanned(ctx, "task-1", []string{root}, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "rows already exist")

	rows, err := f.claimer.Folders(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, domain.FolderStatusPending, r.Status)
		assert.Equal(t, filepath.Base(r.FolderPath), r.FolderName)
	}
}

func seedFolders(t *testing.T, f *fixture, taskID string, paths ...string) {
	t.Helper()
	for i, p := range paths {
		require.NoError(t, f.store.Folders().Insert(context.Background(),
			domain.NewFolderProgress(fmt.Sprintf("%s-row-%d", taskID, i), taskID, p, f.clock.Now())))
	}
}

type workLog struct {
	mu   sync.Mutex
	seen map[string][]string // folder -> nodes that processed it
}

func (w *workLog) work(nodeID string) FolderWork {
	return func(ctx context.Context, folder *domain.TaskFolderProgress, report func(float64)) (string, error) {
		w.mu.Lock()
		if w.seen == nil {
			w.seen = make(map[string][]string)
		}
		w.seen[folder.FolderPath] = append(w.seen[folder.FolderPath], nodeID)
		w.mu.Unlock()
		time.Sleep(time.Millisecond)
		report(0.5)
		report(1)
		return folder.FolderPath + ".out", ctx.Err()
	}
}

func TestFolderClaimer_EveryFolderProcessedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var paths []string
	for i := range 12 {
		paths = append(paths, fmt.Sprintf("/vol/f%02d", i))
	}
	seedFolders(t, f, "task-1", paths...)

	var nodes []*domain.Node
	for i := range 4 {
		nodes = append(nodes, f.register(t, &domain.Node{ID: fmt.Sprintf("n%d", i), Name: fmt.Sprintf("node-%d", i)}))
	}

	var log workLog
	summaries := make([]ClaimSummary, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.claimer.Run(ctx, "task-1", n, log.work(n.ID))
			assert.NoError(t, err)
			summaries[i] = s
		}()
	}
	wg.Wait()

	require.Len(t, log.seen, 12)
	for folder, by := range log.seen {
		assert.Len(t, by, 1, "%s processed by %v", folder, by)
	}

	total := 0
	for _, s := range summaries {
		total += s.Completed
		assert.Zero(t, s.Failed)
	}
	assert.Equal(t, 12, total)

	rows, err := f.claimer.Folders(ctx, "task-1")
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, domain.FolderStatusCompleted, r.Status)
		assert.Equal(t, 1.0, r.Progress)
		assert.Equal(t, r.FolderPath+".out", r.OutputPath)
	}

	locks, err := f.locks.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestFolderClaimer_TwoNodesThenReconcilerCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, "d1/a.raw", "d2/b.raw")

	a := f.register(t, &domain.Node{ID: "a", Name: "A"})
	b := f.register(t, &domain.Node{ID: "b", Name: "B"})
	task := f.createTask(t, &domain.Task{Type: domain.TaskTypeVolumeCompression, AssignedNodeIDs: []string{"a", "b"}})
	_, err := f.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning)
	require.NoError(t, err)

	// both nodes start together and each holds its first folder until the other has one too
	var barrier sync.WaitGroup
	barrier.Add(2)
	work := func(ctx context.Context, folder *domain.TaskFolderProgress, report func(float64)) (string, error) {
		barrier.Done()
		barrier.Wait()
		return folder.FolderPath + "_compressed", nil
	}

	var wg sync.WaitGroup
	summaries := make(map[string]ClaimSummary)
	var mu sync.Mutex
	for _, n := range []*domain.Node{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.claimer.EnsureScanned(ctx, task.ID, []string{root}, []string{"raw"})
			assert.NoError(t, err)
			s, err := f.claimer.Run(ctx, task.ID, n, work)
			assert.NoError(t, err)
			mu.Lock()
			summaries[n.ID] = s
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, summaries["a"].Completed)
	assert.Equal(t, 1, summaries["b"].Completed)

	completed, err := f.reconciler.CompleteCooperativeTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)

	done := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, "2 of 2 folders completed", done.ResultMessage)
}

func TestFolderClaimer_ReclaimsFromDeadOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedFolders(t, f, "task-1", "/vol/d1")

	f.register(t, &domain.Node{ID: "dead"})
	ok, err := f.store.Folders().Claim(ctx, "task-1-row-0", "dead", "dead", f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.locks.TryAcquire(ctx, domain.FolderLockKey("/vol/d1"), "dead")
	require.NoError(t, err)

	// past the liveness window and the lock lease
	f.clock.Advance(11 * time.Minute)
	self := f.register(t, &domain.Node{ID: "alive"})

	var log workLog
	summary, err := f.claimer.Run(ctx, "task-1", self, log.work(self.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reclaimed)
	assert.Equal(t, 1, summary.Completed)
	assert.False(t, summary.GaveUp)

	rows, err := f.claimer.Folders(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "alive", rows[0].AssignedNodeID)
	assert.Equal(t, domain.FolderStatusCompleted, rows[0].Status)
}

func TestFolderClaimer_GivesUpOnLiveOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedFolders(t, f, "task-1", "/vol/d1")

	f.register(t, &domain.Node{ID: "busy"})
	ok, err := f.store.Folders().Claim(ctx, "task-1-row-0", "busy", "busy", f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	self := f.register(t, &domain.Node{ID: "idle"})
	var log workLog
	summary, err := f.claimer.Run(ctx, "task-1", self, log.work(self.ID))
	require.NoError(t, err)
	assert.True(t, summary.GaveUp)
	assert.Zero(t, summary.Completed)
	assert.Empty(t, log.seen)
}

func TestFolderClaimer_DeadOwnerNotReclaimedWhenDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedFolders(t, f, "task-1", "/vol/d1")
	f.claimer.cfg.ReclaimDeadOwners = false

	ok, err := f.store.Folders().Claim(ctx, "task-1-row-0", "dead", "dead", f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	self := f.register(t, &domain.Node{ID: "idle"})
	summary, err := f.claimer.Run(ctx, "task-1", self, (&workLog{}).work(self.ID))
	require.NoError(t, err)
	assert.True(t, summary.GaveUp)
}

func TestFolderClaimer_CancelledFolderFails(t *testing.T) {
	f := newFixture(t)
	seedFolders(t, f, "task-1", "/vol/d1", "/vol/d2")
	self := f.register(t, &domain.Node{ID: "n1"})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	work := func(ctx context.Context, folder *domain.TaskFolderProgress, report func(float64)) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	go func() {
		<-started
		cancel()
	}()

	summary, err := f.claimer.Run(ctx, "task-1", self, work)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Failed)

	rows, err := f.claimer.Folders(context.Background(), "task-1")
	require.NoError(t, err)
	s := domain.Summarize(rows)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Pending)

	locks, err := f.locks.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locks, "folder lock released on cancellation")
}

func TestFolderClaimer_PanickingWorkFailsFolder(t *testing.T) {
	f := newFixture(t)
	seedFolders(t, f, "task-1", "/vol/d1")
	self := f.register(t, &domain.Node{ID: "n1"})

	summary, err := f.claimer.Run(context.Background(), "task-1", self,
		func(context.Context, *domain.TaskFolderProgress, func(float64)) (string, error) {
			panic("codec exploded")
		})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	rows, err := f.claimer.Folders(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Contains(t, rows[0].ErrorMessage, "codec exploded")
}

func TestFolderClaimer_StopsWhenOwnershipIsLost(t *testing.T) {
	f := newFixture(t)
	seedFolders(t, f, "task-1", "/vol/d1")
	self := f.register(t, &domain.Node{ID: "n1"})
	f.register(t, &domain.Node{ID: "n2"})

	work := func(ctx context.Context, folder *domain.TaskFolderProgress, report func(float64)) (string, error) {
		// another node takes the row over behind our back
		_, err := f.store.Folders().Reclaim(context.Background(), folder.ID, "n1", "n2", "n2", f.clock.Now())
		require.NoError(t, err)
		report(0.5)
		return "", ctx.Err()
	}

	summary, err := f.claimer.Run(context.Background(), "task-1", self, work)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.GaveUp)

	rows, err := f.claimer.Folders(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "n2", rows[0].AssignedNodeID)
	assert.Equal(t, domain.FolderStatusInProgress, rows[0].Status, "result of the evicted owner is discarded")
}
