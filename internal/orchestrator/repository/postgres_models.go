package repository

import (
	"context"
	"encoding/json"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

var (
	modelTable = goqu.T("models")

	mdl_modelId = goqu.C("model_id")
	mdl_enabled = goqu.C("enabled")
	mdl_details = goqu.C("details")
)

type PostgresModelRepository struct {
	db *pgxpool.Pool
}

func NewPostgresModelRepository(db *pgxpool.Pool) *PostgresModelRepository {
	return &PostgresModelRepository{db: db}
}

func (r *PostgresModelRepository) Get(ctx context.Context, modelId string) (*domain.Model, error) {
	sql, args, err := dialect.From(modelTable).Prepared(true).
		Select(mdl_modelId, mdl_enabled, mdl_details).
		Where(mdl_modelId.Eq(modelId)).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	model, err := scanModel(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&huberrors.ErrNotFound{Type: "model", Value: modelId})
	}
	return model, err
}

func (r *PostgresModelRepository) List(ctx context.Context) ([]*domain.Model, error) {
	sql, args, err := dialect.From(modelTable).Prepared(true).
		Select(mdl_modelId, mdl_enabled, mdl_details).
		Order(mdl_modelId.Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	models := []*domain.Model{}
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}
	return models, errors.WithStack(rows.Err())
}

func (r *PostgresModelRepository) Upsert(ctx context.Context, model *domain.Model) error {
	if model.Id == "" {
		return errors.WithStack(&huberrors.ErrInvalidArgument{Name: "id", Value: model.Id, Message: "must not be empty"})
	}
	details, err := json.Marshal(model.Details)
	if err != nil {
		return errors.WithStack(err)
	}
	sql, args, err := dialect.Insert(modelTable).Prepared(true).
		Rows(goqu.Record{
			"model_id":     model.Id,
			"enabled":      model.Enabled,
			"details":      string(details),
			"last_updated": goqu.L("clock_timestamp()"),
		}).
		OnConflict(goqu.DoUpdate("model_id", goqu.Record{
			"enabled":      goqu.L("EXCLUDED.enabled"),
			"details":      goqu.L("EXCLUDED.details"),
			"last_updated": goqu.L("EXCLUDED.last_updated"),
		})).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}

func scanModel(row pgx.Row) (*domain.Model, error) {
	var (
		model   domain.Model
		details []byte
	)
	if err := row.Scan(&model.Id, &model.Enabled, &details); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := json.Unmarshal(details, &model.Details); err != nil {
		return nil, errors.WithStack(err)
	}
	return &model, nil
}
