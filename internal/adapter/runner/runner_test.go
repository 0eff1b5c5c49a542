package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/fog-render-farm/internal/adapter/storage/memory"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingProcesses struct {
	mu    sync.Mutex
	specs []port.ProcessSpec
	fail  map[string]error // keyed by spec name
}

func (r *recordingProcesses) Run(ctx context.Context, spec port.ProcessSpec) (*port.ProcessResult, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	err := r.fail[spec.Name]
	r.mu.Unlock()
	if err != nil {
		return &port.ProcessResult{ExitCode: 1}, err
	}
	return &port.ProcessResult{Stdout: "ok\n" + spec.Name + " done\n"}, ctx.Err()
}

func (r *recordingProcesses) Kill(string) error { return nil }

func (r *recordingProcesses) Specs() []port.ProcessSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]port.ProcessSpec(nil), r.specs...)
}

type harness struct {
	store    *memory.Store
	locks    *service.LockManager
	registry *service.NodeRegistry
	claimer  *service.FolderClaimer
	tasks    *service.TaskService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	clock := service.SystemClock{}
	store := memory.NewStore()
	locks := service.NewLockManager(store.Locks(), clock, nil, 0, log)
	registry := service.NewNodeRegistry(store.Nodes(), store.Tasks(), store.Locks(), nil, clock, 0, 0, log)
	cfg := service.DefaultClaimConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	return &harness{
		store:    store,
		locks:    locks,
		registry: registry,
		claimer:  service.NewFolderClaimer(store.Folders(), locks, registry, nil, nil, clock, cfg, log),
		tasks:    service.NewTaskService(store.Tasks(), registry, nil, clock, log),
	}
}

func (h *harness) node(t *testing.T, id string) *domain.Node {
	t.Helper()
	n, err := h.registry.Register(context.Background(), &domain.Node{ID: id, Name: id})
	require.NoError(t, err)
	return n
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func noProgress(float64, string) {}

func TestTestMessage_Echoes(t *testing.T) {
	r := NewTestMessage(zap.NewNop())
	task := &domain.Task{ID: "t1", Type: domain.TaskTypeTestMessage, Parameters: params(t, domain.TestMessageParams{Message: "ping"})}

	var got []string
	res, err := r.Execute(context.Background(), task, func(_ float64, msg string) { got = append(got, msg) })
	require.NoError(t, err)
	assert.Equal(t, "received: ping", res.Message)
	assert.False(t, res.Deferred)
	assert.Equal(t, []string{"ping"}, got)
}

func TestCommand_LocksTargetAndExpandsArgs(t *testing.T) {
	h := newHarness(t)
	procs := &recordingProcesses{}
	r := NewCommand(domain.TaskTypeRenderThumbnails, "node-a", h.locks, procs, zap.NewNop())

	task := &domain.Task{ID: "t1", Type: domain.TaskTypeRenderThumbnails, Parameters: params(t, domain.CommandParams{
		TargetPath:     "/assets/Scene1",
		Command:        "blender",
		Args:           []string{"-b", "{target}/scene.blend", "--task", "{task}"},
		TimeoutSeconds: 60,
	})}

	release, ok, err := r.Acquire(context.Background(), task)
	require.NoError(t, err)
	require.True(t, ok)
	held, err := h.locks.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "node-a", held[0].LockingNodeID)

	res, err := r.Execute(context.Background(), task, noProgress)
	require.NoError(t, err)
	assert.Equal(t, "RenderThumbnails done", res.Message)
	release()

	specs := procs.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "node-a", specs[0].Owner)
	assert.Equal(t, []string{"-b", "/assets/Scene1/scene.blend", "--task", "t1"}, specs[0].Args)
	assert.Equal(t, time.Minute, specs[0].Timeout)

	locks, err := h.locks.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locks, "target lock released after the run")
}

func TestCommand_TargetLockedElsewhere(t *testing.T) {
	h := newHarness(t)
	ok, err := h.locks.TryAcquire(context.Background(), "/assets/scene1", "node-b")
	require.NoError(t, err)
	require.True(t, ok)

	procs := &recordingProcesses{}
	r := NewCommand(domain.TaskTypePackageTask, "node-a", h.locks, procs, zap.NewNop())
	task := &domain.Task{ID: "t1", Parameters: params(t, domain.CommandParams{TargetPath: "/Assets/Scene1/", Command: "zip"})}

	release, ok, err := r.Acquire(context.Background(), task)
	require.NoError(t, err, "a busy target is a lost race, not a failure")
	assert.False(t, ok)
	assert.Nil(t, release)
	assert.Empty(t, procs.Specs())
}

func TestCommand_AcquireWithoutTarget(t *testing.T) {
	h := newHarness(t)
	r := NewCommand(domain.TaskTypePackageTask, "node-a", h.locks, &recordingProcesses{}, zap.NewNop())

	_, ok, err := r.Acquire(context.Background(), &domain.Task{ID: "t1", Parameters: params(t, domain.CommandParams{Command: "zip"})})
	require.NoError(t, err)
	assert.True(t, ok)

	locks, err := h.locks.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestCommand_RequiresCommand(t *testing.T) {
	h := newHarness(t)
	r := NewCommand(domain.TaskTypeRealityCapture, "node-a", h.locks, &recordingProcesses{}, zap.NewNop())

	_, err := r.Execute(context.Background(), &domain.Task{ID: "t1", Parameters: params(t, domain.CommandParams{})}, noProgress)
	assert.ErrorContains(t, err, "command is required")
}

func makeTree(t *testing.T) (root string, files int) {
	t.Helper()
	root = t.TempDir()
	layout := map[string][]string{
		"d1":        {"a.raw", "b.raw", "notes.txt"},
		"d2":        {"c.RAW"},
		"d3/nested": {"d.raw", "e.raw"},
		"empty":     {"readme.md"},
	}
	for dir, names := range layout {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		for _, n := range names {
			require.NoError(t, os.WriteFile(filepath.Join(root, dir, n), []byte("x"), 0o644))
			if filepath.Ext(n) != ".txt" && filepath.Ext(n) != ".md" {
				files++
			}
		}
	}
	return root, files
}

func TestVolumeCompression_TwoNodesShareTheFolders(t *testing.T) {
	h := newHarness(t)
	root, files := makeTree(t)
	out := t.TempDir()

	a, b := h.node(t, "node-a"), h.node(t, "node-b")
	task, err := h.tasks.Create(context.Background(), &domain.Task{
		Name:            "compress",
		Type:            domain.TaskTypeVolumeCompression,
		AssignedNodeIDs: []string{a.ID, b.ID},
		Parameters: params(t, domain.VolumeCompressionParams{
			Directories:     []string{root},
			Extensions:      []string{"raw"},
			OutputDirectory: out,
		}),
	})
	require.NoError(t, err)

	procs := &recordingProcesses{}
	runners := []*VolumeCompression{
		NewVolumeCompression(a, h.claimer, procs, "", zap.NewNop()),
		NewVolumeCompression(b, h.claimer, procs, "", zap.NewNop()),
	}

	var wg sync.WaitGroup
	results := make([]port.RunResult, 2)
	for i, r := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Execute(context.Background(), task, noProgress)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.Deferred)
	}

	rows, err := h.claimer.Folders(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, domain.FolderStatusCompleted, row.Status, row.FolderPath)
		assert.Equal(t, filepath.Join(out, row.FolderName), row.OutputPath)
	}

	seen := map[string]int{}
	for _, spec := range procs.Specs() {
		seen[spec.Name]++
		assert.Equal(t, "tar", spec.Command)
	}
	assert.Len(t, seen, files)
	for name, n := range seen {
		assert.Equal(t, 1, n, "%s compressed more than once", name)
	}
}

func TestVolumeCompression_FailedFileFailsFolder(t *testing.T) {
	h := newHarness(t)
	root, _ := makeTree(t)
	a := h.node(t, "node-a")
	task, err := h.tasks.Create(context.Background(), &domain.Task{
		Type:           domain.TaskTypeVolumeCompression,
		AssignedNodeID: a.ID,
		Parameters:     params(t, domain.VolumeCompressionParams{Directories: []string{root}, Extensions: []string{".raw"}}),
	})
	require.NoError(t, err)

	procs := &recordingProcesses{fail: map[string]error{"compress c.RAW": assert.AnError}}
	res, err := NewVolumeCompression(a, h.claimer, procs, t.TempDir(), zap.NewNop()).Execute(context.Background(), task, noProgress)
	require.NoError(t, err)
	assert.Contains(t, res.Message, "(1 failed)")

	rows, err := h.claimer.Folders(context.Background(), task.ID)
	require.NoError(t, err)
	summary := domain.Summarize(rows)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
}

func TestFolderFiles(t *testing.T) {
	root, _ := makeTree(t)
	files, err := folderFiles(filepath.Join(root, "d1"), []string{"RAW"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "d1", "a.raw"), filepath.Join(root, "d1", "b.raw")}, files)

	all, err := folderFiles(filepath.Join(root, "d1"), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestVolumeCompression_NoMatchingFoldersFails(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("x"), 0o644))
	a := h.node(t, "node-a")
	task, err := h.tasks.Create(context.Background(), &domain.Task{
		Type:            domain.TaskTypeVolumeCompression,
		AssignedNodeIDs: []string{a.ID},
		Parameters:      params(t, domain.VolumeCompressionParams{Directories: []string{root}, Extensions: []string{"raw"}}),
	})
	require.NoError(t, err)

	procs := &recordingProcesses{}
	res, err := NewVolumeCompression(a, h.claimer, procs, t.TempDir(), zap.NewNop()).Execute(context.Background(), task, noProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no folders under "+root)
	assert.Contains(t, err.Error(), ".raw")
	assert.False(t, res.Deferred, "a task without folders must not wait for the reconciler")
	assert.Empty(t, procs.Specs())

	rows, err := h.claimer.Folders(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
