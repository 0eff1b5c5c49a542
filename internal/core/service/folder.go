package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/crabzie/fog-render-farm/internal/core/service")

// ClaimConfig tunes the folder claim loop
type ClaimConfig struct {
	// RetryDelay is the pause between rounds that found nothing claimable
	RetryDelay time.Duration
	// MaxEmptyRounds is how many consecutive empty rounds end the loop
	MaxEmptyRounds int
	// RenewEvery is the lock renewal period while a folder is processed
	RenewEvery time.Duration
	// ReclaimDeadOwners makes InProgress rows of dead nodes claimable again
	ReclaimDeadOwners bool
}

func DefaultClaimConfig() ClaimConfig {
	return ClaimConfig{
		RetryDelay:        2 * time.Second,
		MaxEmptyRounds:    3,
		RenewEvery:        domain.LockStaleAfter / 3,
		ReclaimDeadOwners: true,
	}
}

// FolderWork processes one claimed folder and returns where its output went.
// It must check ctx before each work item and may call report with a 0..1 fraction.
type FolderWork func(ctx context.Context, folder *domain.TaskFolderProgress, report func(progress float64)) (outputPath string, err error)

// ClaimSummary describes what one node did in one run of the claim loop
type ClaimSummary struct {
	Completed int
	Failed    int
	Reclaimed int
	GaveUp    bool
}

// FolderClaimer lets any number of nodes drain the folders of one task without a coordinator
type FolderClaimer struct {
	folders  port.FolderProgressRepository
	locks    *LockManager
	registry *NodeRegistry
	notifier port.Notifier
	metrics  port.Metrics
	clock    port.Clock
	cfg      ClaimConfig
	log      *zap.Logger
}

func NewFolderClaimer(
	folders port.FolderProgressRepository,
	locks *LockManager,
	registry *NodeRegistry,
	notifier port.Notifier,
	metrics port.Metrics,
	clock port.Clock,
	cfg ClaimConfig,
	log *zap.Logger,
) *FolderClaimer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxEmptyRounds <= 0 {
		cfg.MaxEmptyRounds = 3
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = locks.StaleAfter() / 3
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &FolderClaimer{
		folders:  folders,
		locks:    locks,
		registry: registry,
		notifier: notifier,
		metrics:  metrics,
		clock:    clock,
		cfg:      cfg,
		log:      log,
	}
}

// Folders returns the progress rows of a task
func (c *FolderClaimer) Folders(ctx context.Context, taskID string) ([]*domain.TaskFolderProgress, error) {
	return c.folders.ListByTask(ctx, taskID)
}

// EnsureScanned runs the pre-scan unless some node already created rows for the task
func (c *FolderClaimer) EnsureScanned(ctx context.Context, taskID string, directories, extensions []string) (int, error) {
	rows, err := c.folders.ListByTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if len(rows) > 0 {
		return 0, nil
	}
	return c.PreScan(ctx, taskID, directories, extensions)
}

// PreScan creates one Pending row per folder that directly contains a target file.
// Rows already present are left untouched, so concurrent scans are harmless.
func (c *FolderClaimer) PreScan(ctx context.Context, taskID string, directories, extensions []string) (int, error) {
	folders, err := ScanFolders(directories, extensions)
	if err != nil {
		return 0, err
	}

	created := 0
	now := c.clock.Now()
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		row := domain.NewFolderProgress(uuid.NewString(), taskID, folder, now)
		err := c.folders.Insert(ctx, row)
		if errors.Is(err, domain.ErrDuplicate) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("insert folder %s: %w", folder, err)
		}
		created++
	}
	c.log.Info("Pre-scan finished",
		zap.String("task_id", taskID),
		zap.Int("folders", len(folders)),
		zap.Int("created", created))
	return created, nil
}

// ScanFolders walks directories and returns, sorted, every folder directly holding a
// file whose extension is in extensions. An empty extension list matches every file.
func ScanFolders(directories, extensions []string) ([]string, error) {
	wanted := domain.NormalizeExtensions(extensions)

	seen := make(map[string]struct{})
	for _, root := range directories {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !domain.MatchesExtension(path, wanted) {
				return nil
			}
			seen[filepath.Clean(filepath.Dir(path))] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", root, err)
		}
	}

	folders := make([]string, 0, len(seen))
	for f := range seen {
		folders = append(folders, f)
	}
	slices.Sort(folders)
	return folders, nil
}

// Run drains the task's folders on behalf of self until nothing is left to claim,
// the empty-round budget runs out, or ctx is cancelled.
func (c *FolderClaimer) Run(ctx context.Context, taskID string, self *domain.Node, work FolderWork) (ClaimSummary, error) {
	var summary ClaimSummary
	log := c.log.With(zap.String("task_id", taskID), zap.String("node_id", self.ID))

	emptyRounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		rows, err := c.folders.ListByTask(ctx, taskID)
		if err != nil {
			return summary, fmt.Errorf("list folders: %w", err)
		}

		candidates, busy, err := c.candidates(ctx, rows, self.ID)
		if err != nil {
			return summary, err
		}
		if len(candidates) == 0 && busy == 0 {
			log.Info("No folders left to claim", zap.Int("completed", summary.Completed), zap.Int("failed", summary.Failed))
			return summary, nil
		}

		claimed := false
		if len(candidates) > 0 {
			claimed, err = c.claimNext(ctx, candidates, self, work, &summary)
			if err != nil {
				return summary, err
			}
		}
		if claimed {
			emptyRounds = 0
			continue
		}

		emptyRounds++
		if emptyRounds >= c.cfg.MaxEmptyRounds {
			log.Info("Giving up on folders held by other nodes", zap.Int("in_progress", busy), zap.Int("rounds", emptyRounds))
			summary.GaveUp = true
			return summary, nil
		}
		if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
			return summary, err
		}
	}
}

// candidates returns claimable rows in a stable order and the number of rows
// that other live nodes are still working on.
func (c *FolderClaimer) candidates(ctx context.Context, rows []*domain.TaskFolderProgress, selfID string) ([]*domain.TaskFolderProgress, int, error) {
	var pending, orphans []*domain.TaskFolderProgress
	busy := 0
	alive := make(map[string]bool)

	for _, r := range rows {
		switch r.Status {
		case domain.FolderStatusPending:
			pending = append(pending, r)
		case domain.FolderStatusInProgress:
			if !c.cfg.ReclaimDeadOwners {
				busy++
				continue
			}
			if r.AssignedNodeID == selfID {
				// left over from an earlier run of this node
				orphans = append(orphans, r)
				continue
			}
			ok, seen := alive[r.AssignedNodeID]
			if !seen {
				var err error
				ok, err = c.registry.IsAvailable(ctx, r.AssignedNodeID)
				if err != nil {
					return nil, 0, fmt.Errorf("check owner %s: %w", r.AssignedNodeID, err)
				}
				alive[r.AssignedNodeID] = ok
			}
			if ok {
				busy++
			} else {
				orphans = append(orphans, r)
			}
		}
	}

	byName := func(a, b *domain.TaskFolderProgress) int {
		if n := strings.Compare(a.FolderName, b.FolderName); n != 0 {
			return n
		}
		return strings.Compare(a.FolderPath, b.FolderPath)
	}
	slices.SortFunc(pending, byName)
	slices.SortFunc(orphans, byName)
	return append(pending, orphans...), busy, nil
}

// claimNext claims and processes the first candidate whose lock is free
func (c *FolderClaimer) claimNext(ctx context.Context, candidates []*domain.TaskFolderProgress, self *domain.Node, work FolderWork, summary *ClaimSummary) (bool, error) {
	for _, row := range candidates {
		key := domain.FolderLockKey(row.FolderPath)
		ok, err := c.locks.TryAcquire(ctx, key, self.ID)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		now := c.clock.Now()
		var claimed bool
		if row.Status == domain.FolderStatusPending {
			claimed, err = c.folders.Claim(ctx, row.ID, self.ID, self.Name, now)
		} else {
			claimed, err = c.folders.Reclaim(ctx, row.ID, row.AssignedNodeID, self.ID, self.Name, now)
		}
		if err != nil || !claimed {
			if _, rerr := c.locks.Release(context.WithoutCancel(ctx), key, self.ID); rerr != nil {
				c.log.Warn("Failed to release folder lock", zap.String("key", key), zap.Error(rerr))
			}
			if err != nil {
				return false, fmt.Errorf("claim folder %s: %w", row.FolderPath, err)
			}
			c.log.Debug("Folder claimed by another node", zap.String("folder", row.FolderPath))
			continue
		}

		if row.Status == domain.FolderStatusInProgress {
			summary.Reclaimed++
			c.log.Info("Reclaimed folder from dead node",
				zap.String("folder", row.FolderPath),
				zap.String("previous_owner", row.AssignedNodeID))
		}

		if c.process(ctx, row, self, key, work) == domain.FolderStatusCompleted {
			summary.Completed++
		} else {
			summary.Failed++
		}
		return true, nil
	}
	return false, nil
}

// process runs work on a claimed folder while keeping its lock alive.
// The lock is released on every exit path.
func (c *FolderClaimer) process(ctx context.Context, row *domain.TaskFolderProgress, self *domain.Node, key string, work FolderWork) (status domain.FolderStatus) {
	ctx, span := tracer.Start(ctx, "folder.process")
	span.SetAttributes(
		attribute.String("task.id", row.TaskID),
		attribute.String("folder.path", row.FolderPath),
		attribute.String("node.id", self.ID),
	)
	defer span.End()

	detached := context.WithoutCancel(ctx)
	log := c.log.With(zap.String("task_id", row.TaskID), zap.String("folder", row.FolderPath), zap.String("node_id", self.ID))

	workCtx, cancelWork := context.WithCancel(ctx)
	holdDone := make(chan struct{})
	go func() {
		defer close(holdDone)
		c.locks.Hold(workCtx, key, self.ID, c.cfg.RenewEvery, cancelWork)
	}()

	defer func() {
		cancelWork()
		<-holdDone
		if _, err := c.locks.Release(detached, key, self.ID); err != nil {
			log.Warn("Failed to release folder lock", zap.String("key", key), zap.Error(err))
		}
	}()

	log.Info("Processing folder")
	c.publishFolder(ctx, row, self.ID, domain.FolderStatusInProgress, 0, "")

	report := func(progress float64) {
		progress = min(max(progress, 0), 1)
		ok, err := c.folders.UpdateProgress(detached, row.ID, self.ID, progress, c.clock.Now())
		if err != nil {
			log.Warn("Progress update failed", zap.Error(err))
			return
		}
		if !ok {
			log.Warn("Folder ownership lost, stopping work")
			cancelWork()
			return
		}
		c.publishFolder(ctx, row, self.ID, domain.FolderStatusInProgress, progress, "")
	}

	output, err := runFolderWork(workCtx, row, report, work)

	status = domain.FolderStatusCompleted
	errMsg := ""
	if err != nil {
		status = domain.FolderStatusFailed
		errMsg = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, errMsg)
	}

	finished, ferr := c.folders.Finish(detached, row.ID, self.ID, status, errMsg, output, c.clock.Now())
	switch {
	case ferr != nil:
		log.Error("Failed to record folder result", zap.Error(ferr))
	case !finished:
		log.Warn("Folder result discarded, row no longer owned by this node")
	default:
		c.metrics.FolderFinished(status)
	}

	if err != nil {
		log.Warn("Folder failed", zap.Error(err))
	} else {
		log.Info("Folder completed", zap.String("output", output))
	}
	c.publishFolder(ctx, row, self.ID, status, 1, errMsg)
	return status
}

func runFolderWork(ctx context.Context, row *domain.TaskFolderProgress, report func(float64), work FolderWork) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("folder work panicked: %v", r)
		}
	}()
	return work(ctx, row, report)
}

func (c *FolderClaimer) publishFolder(ctx context.Context, row *domain.TaskFolderProgress, nodeID string, status domain.FolderStatus, progress float64, msg string) {
	if msg == "" {
		msg = row.FolderPath
	}
	notify(ctx, c.notifier, c.log, domain.Event{
		Kind:      domain.EventFolderProgress,
		TaskID:    row.TaskID,
		NodeID:    nodeID,
		TaskType:  domain.TaskTypeVolumeCompression,
		Status:    string(status),
		Message:   msg,
		Progress:  progress,
		Timestamp: c.clock.Now(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
