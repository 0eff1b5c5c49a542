package postgres

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	pgdb "github.com/crabzie/fog-render-farm/config/storage/postgresql"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var folderColumns = []string{
	"id", "task_id", "folder_path", "folder_name", "status", "assigned_node_id", "assigned_node_name",
	"progress", "error_message", "output_path", "created_at", "updated_at",
}

type folderRepository struct {
	db  *pgdb.DB
	log *zap.Logger
}

// NewFolderProgressRepository creates a new postgres folder progress repository
func NewFolderProgressRepository(db *pgdb.DB, log *zap.Logger) port.FolderProgressRepository {
	return &folderRepository{
		db:  db,
		log: log,
	}
}

func scanFolder(row pgx.Row) (*domain.TaskFolderProgress, error) {
	var f domain.TaskFolderProgress
	err := row.Scan(&f.ID, &f.TaskID, &f.FolderPath, &f.FolderName, &f.Status, &f.AssignedNodeID, &f.AssignedNodeName,
		&f.Progress, &f.ErrorMessage, &f.OutputPath, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &f, nil
}

func (r *folderRepository) Insert(ctx context.Context, row *domain.TaskFolderProgress) error {
	sql, args, err := r.db.QueryBuilder.Insert("task_folder_progress").
		Columns(folderColumns...).
		Values(row.ID, row.TaskID, row.FolderPath, row.FolderName, row.Status, row.AssignedNodeID, row.AssignedNodeName,
			row.Progress, row.ErrorMessage, row.OutputPath, row.CreatedAt, row.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return mapErr(err)
}

func (r *folderRepository) ListByTask(ctx context.Context, taskID string) ([]*domain.TaskFolderProgress, error) {
	sql, args, err := r.db.QueryBuilder.Select(folderColumns...).
		From("task_folder_progress").
		Where(squirrel.Eq{"task_id": taskID}).
		OrderBy("created_at", "folder_path").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	folders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.TaskFolderProgress, error) {
		return scanFolder(row)
	})
	return folders, mapErr(err)
}

// conditional runs UPDATE task_folder_progress SET values WHERE id = id AND cond
func (r *folderRepository) conditional(ctx context.Context, id string, cond squirrel.Eq, values map[string]any) (bool, error) {
	cond["id"] = id
	sql, args, err := r.db.QueryBuilder.Update("task_folder_progress").
		SetMap(values).
		Where(cond).
		ToSql()
	if err != nil {
		return false, err
	}
	return execAffected(ctx, r.db, sql, args)
}

func (r *folderRepository) Claim(ctx context.Context, id, nodeID, nodeName string, at time.Time) (bool, error) {
	return r.conditional(ctx, id,
		squirrel.Eq{"status": domain.FolderStatusPending},
		map[string]any{
			"status":             domain.FolderStatusInProgress,
			"assigned_node_id":   nodeID,
			"assigned_node_name": nodeName,
			"progress":           0.0,
			"updated_at":         at,
		})
}

func (r *folderRepository) Reclaim(ctx context.Context, id, deadNodeID, nodeID, nodeName string, at time.Time) (bool, error) {
	return r.conditional(ctx, id,
		squirrel.Eq{"status": domain.FolderStatusInProgress, "assigned_node_id": deadNodeID},
		map[string]any{
			"assigned_node_id":   nodeID,
			"assigned_node_name": nodeName,
			"progress":           0.0,
			"updated_at":         at,
		})
}

func (r *folderRepository) UpdateProgress(ctx context.Context, id, nodeID string, progress float64, at time.Time) (bool, error) {
	return r.conditional(ctx, id,
		squirrel.Eq{"status": domain.FolderStatusInProgress, "assigned_node_id": nodeID},
		map[string]any{
			"progress":   progress,
			"updated_at": at,
		})
}

func (r *folderRepository) Finish(ctx context.Context, id, nodeID string, status domain.FolderStatus, errMsg, outputPath string, at time.Time) (bool, error) {
	values := map[string]any{
		"status":        status,
		"error_message": errMsg,
		"output_path":   outputPath,
		"updated_at":    at,
	}
	if status == domain.FolderStatusCompleted {
		values["progress"] = 1.0
	}
	return r.conditional(ctx, id,
		squirrel.Eq{"status": domain.FolderStatusInProgress, "assigned_node_id": nodeID},
		values)
}
