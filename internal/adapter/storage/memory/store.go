// Package memory provides an in-process twin of the Postgres store with the same
// conditional-update semantics. It backs tests and the simulation binary.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
)

// Store holds the four coordinator tables behind a single mutex
type Store struct {
	mu      sync.Mutex
	nodes   map[string]domain.Node
	tasks   map[string]*domain.Task
	locks   map[string]domain.FileLock
	folders map[string]domain.TaskFolderProgress
	order   []string // folder ids in insertion order
}

func NewStore() *Store {
	return &Store{
		nodes:   make(map[string]domain.Node),
		tasks:   make(map[string]*domain.Task),
		locks:   make(map[string]domain.FileLock),
		folders: make(map[string]domain.TaskFolderProgress),
	}
}

func (s *Store) Nodes() port.NodeRepository             { return nodeRepository{s} }
func (s *Store) Tasks() port.TaskRepository             { return taskRepository{s} }
func (s *Store) Locks() port.LockRepository             { return lockRepository{s} }
func (s *Store) Folders() port.FolderProgressRepository { return folderRepository{s} }

type nodeRepository struct{ s *Store }

var _ port.NodeRepository = nodeRepository{}

func (r nodeRepository) GetByID(_ context.Context, id string) (*domain.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &n, nil
}

func (r nodeRepository) FindByFingerprint(_ context.Context, fingerprint string) (*domain.Node, error) {
	return r.find(func(n domain.Node) bool { return n.HardwareFingerprint == fingerprint })
}

func (r nodeRepository) FindByIP(_ context.Context, ip string) (*domain.Node, error) {
	return r.find(func(n domain.Node) bool { return n.IPAddress == ip })
}

// find returns the most recently seen match
func (r nodeRepository) find(match func(domain.Node) bool) (*domain.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *domain.Node
	for _, n := range r.s.nodes {
		if !match(n) {
			continue
		}
		if found == nil || n.LastHeartbeat.After(found.LastHeartbeat) {
			c := n
			found = &c
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return found, nil
}

func (r nodeRepository) List(_ context.Context) ([]*domain.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*domain.Node, 0, len(r.s.nodes))
	for _, n := range r.s.nodes {
		c := n
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *domain.Node) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r nodeRepository) Insert(_ context.Context, node *domain.Node) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.nodes[node.ID]; ok {
		return domain.ErrDuplicate
	}
	r.s.nodes[node.ID] = *node
	return nil
}

func (r nodeRepository) Update(_ context.Context, oldID string, node *domain.Node) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.nodes[oldID]; !ok {
		return domain.ErrNotFound
	}
	if node.ID != oldID {
		if _, taken := r.s.nodes[node.ID]; taken {
			return domain.ErrDuplicate
		}
		delete(r.s.nodes, oldID)
	}
	r.s.nodes[node.ID] = *node
	return nil
}

func (r nodeRepository) Touch(_ context.Context, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.nodes[id]
	if !ok {
		return false, nil
	}
	n.LastHeartbeat = at
	n.IsAvailable = true
	r.s.nodes[id] = n
	return true, nil
}

func (r nodeRepository) Delete(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.nodes[id]; !ok {
		return false, nil
	}
	delete(r.s.nodes, id)
	return true, nil
}

func (r nodeRepository) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, node := range r.s.nodes {
		if node.LastHeartbeat.Before(before) {
			delete(r.s.nodes, id)
			n++
		}
	}
	return n, nil
}

type taskRepository struct{ s *Store }

var _ port.TaskRepository = taskRepository{}

func (r taskRepository) Insert(_ context.Context, task *domain.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tasks[task.ID]; ok {
		return domain.ErrDuplicate
	}
	r.s.tasks[task.ID] = task.Clone()
	return nil
}

func (r taskRepository) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (r taskRepository) List(ctx context.Context) ([]*domain.Task, error) {
	return r.ListByStatus(ctx)
}

func (r taskRepository) ListByStatus(_ context.Context, statuses ...domain.TaskStatus) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*domain.Task, 0, len(r.s.tasks))
	for _, t := range r.s.tasks {
		if len(statuses) > 0 && !slices.Contains(statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r taskRepository) Update(_ context.Context, task *domain.Task, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.tasks[task.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return domain.ErrVersionMismatch
	}
	task.Version = expectedVersion + 1
	r.s.tasks[task.ID] = task.Clone()
	return nil
}

func (r taskRepository) ReassignNode(_ context.Context, oldID, newID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, t := range r.s.tasks {
		if t.ReplaceNode(oldID, newID) {
			t.Version++
			n++
		}
	}
	return n, nil
}

type lockRepository struct{ s *Store }

var _ port.LockRepository = lockRepository{}

func (r lockRepository) Get(_ context.Context, key string) (*domain.FileLock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.locks[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &l, nil
}

func (r lockRepository) Insert(_ context.Context, lock *domain.FileLock) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.locks[lock.FilePath]; ok {
		return domain.ErrDuplicate
	}
	r.s.locks[lock.FilePath] = *lock
	return nil
}

func (r lockRepository) Touch(_ context.Context, key, nodeID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.locks[key]
	if !ok || l.LockingNodeID != nodeID {
		return false, nil
	}
	l.LastUpdatedAt = at
	r.s.locks[key] = l
	return true, nil
}

func (r lockRepository) Delete(_ context.Context, key, nodeID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.locks[key]
	if !ok || l.LockingNodeID != nodeID {
		return false, nil
	}
	delete(r.s.locks, key)
	return true, nil
}

func (r lockRepository) DeleteIfStale(_ context.Context, key string, before time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.locks[key]
	if !ok || l.LastUpdatedAt.After(before) {
		return false, nil
	}
	delete(r.s.locks, key)
	return true, nil
}

func (r lockRepository) DeleteAllStale(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, l := range r.s.locks {
		if !l.LastUpdatedAt.After(before) {
			delete(r.s.locks, k)
			n++
		}
	}
	return n, nil
}

func (r lockRepository) List(_ context.Context) ([]*domain.FileLock, error) {
	return r.filter(func(domain.FileLock) bool { return true }), nil
}

func (r lockRepository) ListByNode(_ context.Context, nodeID string) ([]*domain.FileLock, error) {
	return r.filter(func(l domain.FileLock) bool { return l.LockingNodeID == nodeID }), nil
}

func (r lockRepository) filter(keep func(domain.FileLock) bool) []*domain.FileLock {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*domain.FileLock, 0, len(r.s.locks))
	for _, l := range r.s.locks {
		if keep(l) {
			c := l
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *domain.FileLock) int { return strings.Compare(a.FilePath, b.FilePath) })
	return out
}

func (r lockRepository) ReassignNode(_ context.Context, oldID, newID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, l := range r.s.locks {
		if l.LockingNodeID == oldID {
			l.LockingNodeID = newID
			r.s.locks[k] = l
			n++
		}
	}
	return n, nil
}

type folderRepository struct{ s *Store }

var _ port.FolderProgressRepository = folderRepository{}

func (r folderRepository) Insert(_ context.Context, row *domain.TaskFolderProgress) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.folders[row.ID]; ok {
		return domain.ErrDuplicate
	}
	for _, f := range r.s.folders {
		if f.TaskID == row.TaskID && f.FolderPath == row.FolderPath {
			return domain.ErrDuplicate
		}
	}
	r.s.folders[row.ID] = *row
	r.s.order = append(r.s.order, row.ID)
	return nil
}

func (r folderRepository) ListByTask(_ context.Context, taskID string) ([]*domain.TaskFolderProgress, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.TaskFolderProgress
	for _, id := range r.s.order {
		f := r.s.folders[id]
		if f.TaskID == taskID {
			c := f
			out = append(out, &c)
		}
	}
	return out, nil
}

// update applies fn to row id when cond holds, under the store lock
func (r folderRepository) update(id string, cond func(domain.TaskFolderProgress) bool, fn func(*domain.TaskFolderProgress)) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.folders[id]
	if !ok || !cond(f) {
		return false
	}
	fn(&f)
	r.s.folders[id] = f
	return true
}

func (r folderRepository) Claim(_ context.Context, id, nodeID, nodeName string, at time.Time) (bool, error) {
	return r.update(id,
		func(f domain.TaskFolderProgress) bool { return f.Status == domain.FolderStatusPending },
		func(f *domain.TaskFolderProgress) {
			f.Status = domain.FolderStatusInProgress
			f.AssignedNodeID = nodeID
			f.AssignedNodeName = nodeName
			f.Progress = 0
			f.UpdatedAt = at
		}), nil
}

func (r folderRepository) Reclaim(_ context.Context, id, deadNodeID, nodeID, nodeName string, at time.Time) (bool, error) {
	return r.update(id,
		func(f domain.TaskFolderProgress) bool {
			return f.Status == domain.FolderStatusInProgress && f.AssignedNodeID == deadNodeID
		},
		func(f *domain.TaskFolderProgress) {
			f.AssignedNodeID = nodeID
			f.AssignedNodeName = nodeName
			f.Progress = 0
			f.UpdatedAt = at
		}), nil
}

func (r folderRepository) UpdateProgress(_ context.Context, id, nodeID string, progress float64, at time.Time) (bool, error) {
	return r.update(id, ownedInProgress(nodeID), func(f *domain.TaskFolderProgress) {
		f.Progress = progress
		f.UpdatedAt = at
	}), nil
}

func (r folderRepository) Finish(_ context.Context, id, nodeID string, status domain.FolderStatus, errMsg, outputPath string, at time.Time) (bool, error) {
	return r.update(id, ownedInProgress(nodeID), func(f *domain.TaskFolderProgress) {
		f.Status = status
		f.ErrorMessage = errMsg
		f.OutputPath = outputPath
		if status == domain.FolderStatusCompleted {
			f.Progress = 1
		}
		f.UpdatedAt = at
	}), nil
}

func ownedInProgress(nodeID string) func(domain.TaskFolderProgress) bool {
	return func(f domain.TaskFolderProgress) bool {
		return f.Status == domain.FolderStatusInProgress && f.AssignedNodeID == nodeID
	}
}
