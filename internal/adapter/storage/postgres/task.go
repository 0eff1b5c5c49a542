package postgres

import (
	"context"
	"encoding/json"

	"github.com/Masterminds/squirrel"
	pgdb "github.com/crabzie/fog-render-farm/config/storage/postgresql"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var taskColumns = []string{
	"id", "name", "type", "status", "assigned_node_id", "assigned_node_ids", "parameters",
	"created_at", "started_at", "completed_at", "result_message", "version",
}

type taskRepository struct {
	db  *pgdb.DB
	log *zap.Logger
}

// NewTaskRepository creates a new postgres repository
func NewTaskRepository(db *pgdb.DB, log *zap.Logger) port.TaskRepository {
	return &taskRepository{
		db:  db,
		log: log,
	}
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t      domain.Task
		params []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.Status, &t.AssignedNodeID, &t.AssignedNodeIDs, &params,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.ResultMessage, &t.Version)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(params) > 0 {
		t.Parameters = json.RawMessage(params)
	}
	if len(t.AssignedNodeIDs) == 0 {
		t.AssignedNodeIDs = nil
	}
	return &t, nil
}

// jsonb takes nil for SQL NULL
func jsonb(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nodeIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func (r *taskRepository) Insert(ctx context.Context, task *domain.Task) error {
	sql, args, err := r.db.QueryBuilder.Insert("tasks").
		Columns(taskColumns...).
		Values(task.ID, task.Name, task.Type, task.Status, task.AssignedNodeID, nodeIDs(task.AssignedNodeIDs),
			jsonb(task.Parameters), task.CreatedAt, task.StartedAt, task.CompletedAt, task.ResultMessage, task.Version).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		r.log.Error("Failed to save task", zap.String("task_id", task.ID), zap.Error(err))
		return mapErr(err)
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	sql, args, err := r.db.QueryBuilder.Select(taskColumns...).
		From("tasks").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanTask(r.db.QueryRow(ctx, sql, args...))
}

func (r *taskRepository) List(ctx context.Context) ([]*domain.Task, error) {
	return r.ListByStatus(ctx)
}

func (r *taskRepository) ListByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.Task, error) {
	q := r.db.QueryBuilder.Select(taskColumns...).From("tasks").OrderBy("created_at", "id")
	if len(statuses) > 0 {
		q = q.Where(squirrel.Eq{"status": statuses})
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, mapErr(rows.Err())
}

func (r *taskRepository) Update(ctx context.Context, task *domain.Task, expectedVersion int64) error {
	return r.update(ctx, r.db, task, expectedVersion)
}

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (r *taskRepository) update(ctx context.Context, db execer, task *domain.Task, expectedVersion int64) error {
	sql, args, err := r.db.QueryBuilder.Update("tasks").
		SetMap(map[string]any{
			"name":              task.Name,
			"status":            task.Status,
			"assigned_node_id":  task.AssignedNodeID,
			"assigned_node_ids": nodeIDs(task.AssignedNodeIDs),
			"parameters":        jsonb(task.Parameters),
			"started_at":        task.StartedAt,
			"completed_at":      task.CompletedAt,
			"result_message":    task.ResultMessage,
			"version":           expectedVersion + 1,
		}).
		Where(squirrel.Eq{"id": task.ID, "version": expectedVersion}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, task.ID); err != nil {
			return err
		}
		return domain.ErrVersionMismatch
	}
	task.Version = expectedVersion + 1
	return nil
}

// ReassignNode rewrites matching rows inside one transaction so the list
// replacement shares its dedupe rules with the domain type.
func (r *taskRepository) ReassignNode(ctx context.Context, oldID, newID string) (int64, error) {
	sql, args, err := r.db.QueryBuilder.Select(taskColumns...).
		From("tasks").
		Where(squirrel.Or{
			squirrel.Eq{"assigned_node_id": oldID},
			squirrel.Expr("? = ANY(assigned_node_ids)", oldID),
		}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return 0, err
	}

	var n int64
	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Task, error) {
			return scanTask(row)
		})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if !t.ReplaceNode(oldID, newID) {
				continue
			}
			if err := r.update(ctx, tx, t, t.Version); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}
