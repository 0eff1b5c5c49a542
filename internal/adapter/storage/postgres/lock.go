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

var lockColumns = []string{"file_path", "locking_node_id", "acquired_at", "last_updated_at"}

type lockRepository struct {
	db  *pgdb.DB
	log *zap.Logger
}

// NewLockRepository creates a new postgres file lock repository
func NewLockRepository(db *pgdb.DB, log *zap.Logger) port.LockRepository {
	return &lockRepository{
		db:  db,
		log: log,
	}
}

func scanLock(row pgx.Row) (*domain.FileLock, error) {
	var l domain.FileLock
	if err := row.Scan(&l.FilePath, &l.LockingNodeID, &l.AcquiredAt, &l.LastUpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &l, nil
}

func (r *lockRepository) Get(ctx context.Context, key string) (*domain.FileLock, error) {
	sql, args, err := r.db.QueryBuilder.Select(lockColumns...).
		From("file_locks").
		Where(squirrel.Eq{"file_path": key}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanLock(r.db.QueryRow(ctx, sql, args...))
}

func (r *lockRepository) Insert(ctx context.Context, lock *domain.FileLock) error {
	sql, args, err := r.db.QueryBuilder.Insert("file_locks").
		Columns(lockColumns...).
		Values(lock.FilePath, lock.LockingNodeID, lock.AcquiredAt, lock.LastUpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return mapErr(err)
}

func (r *lockRepository) Touch(ctx context.Context, key, nodeID string, at time.Time) (bool, error) {
	sql, args, err := r.db.QueryBuilder.Update("file_locks").
		Set("last_updated_at", at).
		Where(squirrel.Eq{"file_path": key, "locking_node_id": nodeID}).
		ToSql()
	if err != nil {
		return false, err
	}
	return execAffected(ctx, r.db, sql, args)
}

func (r *lockRepository) Delete(ctx context.Context, key, nodeID string) (bool, error) {
	sql, args, err := r.db.QueryBuilder.Delete("file_locks").
		Where(squirrel.Eq{"file_path": key, "locking_node_id": nodeID}).
		ToSql()
	if err != nil {
		return false, err
	}
	return execAffected(ctx, r.db, sql, args)
}

func (r *lockRepository) DeleteIfStale(ctx context.Context, key string, before time.Time) (bool, error) {
	sql, args, err := r.db.QueryBuilder.Delete("file_locks").
		Where(squirrel.Eq{"file_path": key}).
		Where(squirrel.LtOrEq{"last_updated_at": before}).
		ToSql()
	if err != nil {
		return false, err
	}
	return execAffected(ctx, r.db, sql, args)
}

func (r *lockRepository) DeleteAllStale(ctx context.Context, before time.Time) (int64, error) {
	sql, args, err := r.db.QueryBuilder.Delete("file_locks").
		Where(squirrel.LtOrEq{"last_updated_at": before}).
		ToSql()
	if err != nil {
		return 0, err
	}
	n, err := execCount(ctx, r.db, sql, args)
	if err == nil && n > 0 {
		r.log.Info("Evicted stale file locks", zap.Int64("count", n))
	}
	return n, err
}

func (r *lockRepository) List(ctx context.Context) ([]*domain.FileLock, error) {
	return r.list(ctx, nil)
}

func (r *lockRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.FileLock, error) {
	return r.list(ctx, squirrel.Eq{"locking_node_id": nodeID})
}

func (r *lockRepository) list(ctx context.Context, where squirrel.Sqlizer) ([]*domain.FileLock, error) {
	q := r.db.QueryBuilder.Select(lockColumns...).From("file_locks").OrderBy("file_path")
	if where != nil {
		q = q.Where(where)
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	locks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.FileLock, error) {
		return scanLock(row)
	})
	return locks, mapErr(err)
}

func (r *lockRepository) ReassignNode(ctx context.Context, oldID, newID string) (int64, error) {
	sql, args, err := r.db.QueryBuilder.Update("file_locks").
		Set("locking_node_id", newID).
		Where(squirrel.Eq{"locking_node_id": oldID}).
		ToSql()
	if err != nil {
		return 0, err
	}
	return execCount(ctx, r.db, sql, args)
}
