package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/fog-render-farm/internal/adapter/storage/memory"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Publish(_ context.Context, ev domain.Event) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Kinds() []domain.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []domain.EventKind
	for _, ev := range n.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type fakeProcesses struct {
	mu      sync.Mutex
	killed  []string
	killErr error
}

func (p *fakeProcesses) Run(context.Context, port.ProcessSpec) (*port.ProcessResult, error) {
	return &port.ProcessResult{}, nil
}

func (p *fakeProcesses) Kill(owner string) error {
	p.mu.Lock()
	p.killed = append(p.killed, owner)
	p.mu.Unlock()
	return p.killErr
}

// fixture wires every service over one in-memory store
type fixture struct {
	store      *memory.Store
	clock      *fakeClock
	notifier   *recordingNotifier
	locks      *LockManager
	registry   *NodeRegistry
	tasks      *TaskService
	claimer    *FolderClaimer
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithClock(t, newFakeClock())
}

func newFixtureWithClock(t *testing.T, clock port.Clock) *fixture {
	t.Helper()
	log := zap.NewNop()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	locks := NewLockManager(store.Locks(), clock, nil, 0, log)
	registry := NewNodeRegistry(store.Nodes(), store.Tasks(), store.Locks(), notifier, clock, 0, 0, log)
	tasks := NewTaskService(store.Tasks(), registry, notifier, clock, log)
	claimer := NewFolderClaimer(store.Folders(), locks, registry, notifier, nil, clock, ClaimConfig{
		RetryDelay:        5 * time.Millisecond,
		MaxEmptyRounds:    3,
		ReclaimDeadOwners: true,
	}, log)

	f := &fixture{
		store:    store,
		notifier: notifier,
		locks:    locks,
		registry: registry,
		tasks:    tasks,
		claimer:  claimer,
	}
	if fc, ok := clock.(*fakeClock); ok {
		f.clock = fc
	}
	f.reconciler = NewReconciler(tasks, claimer, registry, locks, log)
	return f
}

func (f *fixture) register(t *testing.T, n *domain.Node) *domain.Node {
	t.Helper()
	node, err := f.registry.Register(context.Background(), n)
	require.NoError(t, err)
	return node
}

func (f *fixture) createTask(t *testing.T, task *domain.Task) *domain.Task {
	t.Helper()
	created, err := f.tasks.Create(context.Background(), task)
	require.NoError(t, err)
	return created
}

func (f *fixture) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}
