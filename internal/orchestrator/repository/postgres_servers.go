package repository

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

var (
	serverTable = goqu.T("servers")

	srv_serverId    = goqu.C("server_id")
	srv_isHealthy   = goqu.C("is_healthy")
	srv_startupTime = goqu.C("startup_time")
	srv_lastCheckIn = goqu.C("last_check_in")
)

type PostgresServerRepository struct {
	db *pgxpool.Pool
}

func NewPostgresServerRepository(db *pgxpool.Pool) *PostgresServerRepository {
	return &PostgresServerRepository{db: db}
}

func (r *PostgresServerRepository) Upsert(ctx context.Context, server *domain.Server) error {
	sql, args, err := dialect.Insert(serverTable).Prepared(true).
		Rows(goqu.Record{
			"server_id":     server.ServerId,
			"is_healthy":    server.IsHealthy,
			"startup_time":  server.StartupTime,
			"last_check_in": server.LastCheckIn,
		}).
		OnConflict(goqu.DoUpdate("server_id", goqu.Record{
			"is_healthy":    goqu.L("EXCLUDED.is_healthy"),
			"startup_time":  goqu.L("EXCLUDED.startup_time"),
			"last_check_in": goqu.L("EXCLUDED.last_check_in"),
		})).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}

func (r *PostgresServerRepository) CheckIn(ctx context.Context, serverId string, at time.Time) error {
	sql, args, err := dialect.Update(serverTable).Prepared(true).
		Set(goqu.Record{"last_check_in": at, "is_healthy": true}).
		Where(srv_serverId.Eq(serverId)).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&huberrors.ErrNotFound{Type: "server", Value: serverId})
	}
	return nil
}

func (r *PostgresServerRepository) SelectStale(ctx context.Context, staleBefore time.Time, excludeServerId string) ([]*domain.Server, error) {
	sql, args, err := dialect.From(serverTable).Prepared(true).
		Select(srv_serverId, srv_isHealthy, srv_startupTime, srv_lastCheckIn).
		Where(
			srv_lastCheckIn.Lt(staleBefore),
			srv_serverId.Neq(excludeServerId),
		).
		Order(srv_lastCheckIn.Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	servers := []*domain.Server{}
	for rows.Next() {
		var s domain.Server
		if err := rows.Scan(&s.ServerId, &s.IsHealthy, &s.StartupTime, &s.LastCheckIn); err != nil {
			return nil, errors.WithStack(err)
		}
		servers = append(servers, &s)
	}
	return servers, errors.WithStack(rows.Err())
}

func (r *PostgresServerRepository) Delete(ctx context.Context, serverId string) error {
	sql, args, err := dialect.Delete(serverTable).Prepared(true).
		Where(srv_serverId.Eq(serverId)).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}
