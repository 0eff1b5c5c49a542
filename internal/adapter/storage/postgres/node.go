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

var nodeColumns = []string{"id", "name", "ip_address", "hardware_fingerprint", "is_available", "last_heartbeat"}

type nodeRepository struct {
	db  *pgdb.DB
	log *zap.Logger
}

// NewNodeRepository creates a new postgres node repository
func NewNodeRepository(db *pgdb.DB, log *zap.Logger) port.NodeRepository {
	return &nodeRepository{
		db:  db,
		log: log,
	}
}

func scanNode(row pgx.Row) (*domain.Node, error) {
	var n domain.Node
	if err := row.Scan(&n.ID, &n.Name, &n.IPAddress, &n.HardwareFingerprint, &n.IsAvailable, &n.LastHeartbeat); err != nil {
		return nil, mapErr(err)
	}
	return &n, nil
}

func (r *nodeRepository) getOne(ctx context.Context, where squirrel.Sqlizer) (*domain.Node, error) {
	sql, args, err := r.db.QueryBuilder.Select(nodeColumns...).
		From("nodes").
		Where(where).
		OrderBy("last_heartbeat DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanNode(r.db.QueryRow(ctx, sql, args...))
}

func (r *nodeRepository) GetByID(ctx context.Context, id string) (*domain.Node, error) {
	return r.getOne(ctx, squirrel.Eq{"id": id})
}

func (r *nodeRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*domain.Node, error) {
	return r.getOne(ctx, squirrel.Eq{"hardware_fingerprint": fingerprint})
}

func (r *nodeRepository) FindByIP(ctx context.Context, ip string) (*domain.Node, error) {
	return r.getOne(ctx, squirrel.Eq{"ip_address": ip})
}

func (r *nodeRepository) List(ctx context.Context) ([]*domain.Node, error) {
	sql, args, err := r.db.QueryBuilder.Select(nodeColumns...).From("nodes").OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, mapErr(rows.Err())
}

func (r *nodeRepository) Insert(ctx context.Context, node *domain.Node) error {
	sql, args, err := r.db.QueryBuilder.Insert("nodes").
		Columns(nodeColumns...).
		Values(node.ID, node.Name, node.IPAddress, node.HardwareFingerprint, node.IsAvailable, node.LastHeartbeat).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		err = mapErr(err)
		if err != domain.ErrDuplicate {
			r.log.Error("Failed to insert node", zap.String("node_id", node.ID), zap.Error(err))
		}
		return err
	}
	return nil
}

func (r *nodeRepository) Update(ctx context.Context, oldID string, node *domain.Node) error {
	sql, args, err := r.db.QueryBuilder.Update("nodes").
		SetMap(map[string]any{
			"id":                   node.ID,
			"name":                 node.Name,
			"ip_address":           node.IPAddress,
			"hardware_fingerprint": node.HardwareFingerprint,
			"is_available":         node.IsAvailable,
			"last_heartbeat":       node.LastHeartbeat,
		}).
		Where(squirrel.Eq{"id": oldID}).
		ToSql()
	if err != nil {
		return err
	}
	ok, err := execAffected(ctx, r.db, sql, args)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

func (r *nodeRepository) Touch(ctx context.Context, id string, at time.Time) (bool, error) {
	sql, args, err := r.db.QueryBuilder.Update("nodes").
		Set("last_heartbeat", at).
		Set("is_available", true).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return false, err
	}
	return execAffected(ctx, r.db, sql, args)
}

func (r *nodeRepository) Delete(ctx context.Context, id string) (bool, error) {
	sql, args, err := r.db.QueryBuilder.Delete("nodes").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return false, err
	}
	return execAffected(ctx, r.db, sql, args)
}

func (r *nodeRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	sql, args, err := r.db.QueryBuilder.Delete("nodes").
		Where(squirrel.Lt{"last_heartbeat": before}).
		ToSql()
	if err != nil {
		return 0, err
	}
	return execCount(ctx, r.db, sql, args)
}
