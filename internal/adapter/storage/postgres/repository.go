// Package postgres implements the coordinator repositories on PostgreSQL with
// squirrel-built statements. Every mutation is a single conditional statement
// so that concurrent nodes only ever race inside the database.
package postgres

import (
	"context"
	"errors"

	pgdb "github.com/crabzie/fog-render-farm/config/storage/postgresql"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repositories groups the four tables behind one pool
type Repositories struct {
	Nodes   port.NodeRepository
	Tasks   port.TaskRepository
	Locks   port.LockRepository
	Folders port.FolderProgressRepository
}

// NewRepositories creates every postgres repository on db
func NewRepositories(db *pgdb.DB, log *zap.Logger) *Repositories {
	return &Repositories{
		Nodes:   NewNodeRepository(db, log),
		Tasks:   NewTaskRepository(db, log),
		Locks:   NewLockRepository(db, log),
		Folders: NewFolderProgressRepository(db, log),
	}
}

// mapErr translates driver errors into domain errors
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrNotFound
	case pgdb.ErrorCode(err) == pgdb.UniqueViolation:
		return domain.ErrDuplicate
	default:
		return err
	}
}

// execAffected runs a built statement and reports whether it touched a row
func execAffected(ctx context.Context, db *pgdb.DB, sql string, args []any) (bool, error) {
	n, err := execCount(ctx, db, sql, args)
	return n > 0, err
}

func execCount(ctx context.Context, db *pgdb.DB, sql string, args []any) (int64, error) {
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}
