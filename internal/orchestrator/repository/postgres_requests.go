package repository

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

var (
	dialect = goqu.Dialect("postgres")

	workRequestTable = goqu.T("work_requests")

	wr_id                     = goqu.C("id")
	wr_modelId                = goqu.C("model_id")
	wr_userId                 = goqu.C("user_id")
	wr_sessionId              = goqu.C("session_id")
	wr_requestPayload         = goqu.C("request_payload")
	wr_nonCachedInputs        = goqu.C("non_cached_inputs")
	wr_cacheOptIn             = goqu.C("cache_opt_in")
	wr_requestStatus          = goqu.C("request_status")
	wr_requestStatusReason    = goqu.C("request_status_reason")
	wr_modelJobId             = goqu.C("model_job_id")
	wr_serverId               = goqu.C("server_id")
	wr_requestDate            = goqu.C("request_date")
	wr_claimTimestamp         = goqu.C("claim_timestamp")
	wr_podReadyTimestamp      = goqu.C("pod_ready_timestamp")
	wr_jobSubmissionTimestamp = goqu.C("job_submission_timestamp")
	wr_processedTimestamp     = goqu.C("processed_timestamp")
	wr_lastUpdated            = goqu.C("last_updated")

	workRequestColumns = []interface{}{
		wr_id, wr_modelId, wr_userId, wr_sessionId, wr_requestPayload, wr_nonCachedInputs, wr_cacheOptIn,
		wr_requestStatus, wr_requestStatusReason, wr_modelJobId, wr_serverId, wr_requestDate,
		wr_claimTimestamp, wr_podReadyTimestamp, wr_jobSubmissionTimestamp, wr_processedTimestamp,
		wr_lastUpdated,
	}

	// Guarantees a new token even when two writes land within the same microsecond.
	nextLastUpdated = goqu.L("GREATEST(clock_timestamp(), last_updated + interval '1 microsecond')")
)

type PostgresWorkRequestRepository struct {
	db *pgxpool.Pool
}

func NewPostgresWorkRequestRepository(db *pgxpool.Pool) *PostgresWorkRequestRepository {
	return &PostgresWorkRequestRepository{db: db}
}

func (r *PostgresWorkRequestRepository) Insert(ctx context.Context, request *domain.WorkRequest) (*domain.WorkRequest, error) {
	if err := validateNewRequest(request); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(request.RequestPayload)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	record := goqu.Record{
		"model_id":              request.ModelId,
		"user_id":               request.UserId,
		"session_id":            request.SessionId,
		"request_payload":       string(payload),
		"cache_opt_in":          request.CacheOptIn,
		"request_status":        string(domain.Queued),
		"request_status_reason": request.RequestStatusReason,
		"request_date":          goqu.L("clock_timestamp()"),
		"last_updated":          goqu.L("clock_timestamp()"),
	}
	if !request.RequestDate.IsZero() {
		record["request_date"] = request.RequestDate
	}

	sql, args, err := dialect.Insert(workRequestTable).Prepared(true).
		Rows(record).
		Returning(workRequestColumns...).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scanWorkRequest(r.db.QueryRow(ctx, sql, args...))
}

func (r *PostgresWorkRequestRepository) Update(ctx context.Context, request *domain.WorkRequest, opts UpdateOptions) (*domain.WorkRequest, error) {
	nonCachedInputs, err := marshalNullable(request.NonCachedInputs)
	if err != nil {
		return nil, err
	}

	conditions := []exp.Expression{
		wr_id.Eq(request.Id),
		wr_lastUpdated.Eq(request.LastUpdated),
	}
	if opts.ExpectNullServerId {
		conditions = append(conditions, wr_serverId.IsNull())
	}
	if opts.EnforceSameSessionId {
		conditions = append(conditions, wr_sessionId.Eq(request.SessionId))
	}

	sql, args, err := dialect.Update(workRequestTable).Prepared(true).
		Set(goqu.Record{
			"non_cached_inputs":        nonCachedInputs,
			"cache_opt_in":             request.CacheOptIn,
			"request_status":           string(request.RequestStatus),
			"request_status_reason":    request.RequestStatusReason,
			"model_job_id":             nullable(request.ModelJobId),
			"server_id":                nullable(request.ServerId),
			"claim_timestamp":          nullable(request.ClaimTimestamp),
			"pod_ready_timestamp":      nullable(request.PodReadyTimestamp),
			"job_submission_timestamp": nullable(request.JobSubmissionTimestamp),
			"processed_timestamp":      nullable(request.ProcessedTimestamp),
			"last_updated":             nextLastUpdated,
		}).
		Where(conditions...).
		Returning(workRequestColumns...).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	updated, err := scanWorkRequest(r.db.QueryRow(ctx, sql, args...))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
		return nil, errors.WithStack(&huberrors.ErrInvalidArgument{
			Name:    "server_id",
			Value:   request.Owner(),
			Message: pgErr.Message,
		})
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&huberrors.ErrConflict{
			Type:    "workRequest",
			Value:   strconv.FormatInt(request.Id, 10),
			Message: "stored request changed or a precondition no longer holds",
		})
	}
	return updated, err
}

func (r *PostgresWorkRequestRepository) Select(ctx context.Context, filters RequestFilters) ([]*domain.WorkRequest, error) {
	ds := dialect.From(workRequestTable).Prepared(true).
		Select(workRequestColumns...).
		Where(filterExpressions(filters)...).
		Order(wr_id.Asc())
	if filters.Limit > 0 {
		ds = ds.Limit(filters.Limit)
	}
	sql, args, err := ds.ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	requests := []*domain.WorkRequest{}
	for rows.Next() {
		request, err := scanWorkRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, errors.WithStack(rows.Err())
}

func (r *PostgresWorkRequestRepository) GetById(ctx context.Context, id int64) (*domain.WorkRequest, error) {
	sql, args, err := dialect.From(workRequestTable).Prepared(true).
		Select(workRequestColumns...).
		Where(wr_id.Eq(id)).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	request, err := scanWorkRequest(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&huberrors.ErrNotFound{Type: "workRequest", Value: strconv.FormatInt(id, 10)})
	}
	return request, err
}

func filterExpressions(filters RequestFilters) []exp.Expression {
	var expressions []exp.Expression
	if len(filters.ModelIds) > 0 {
		expressions = append(expressions, wr_modelId.In(filters.ModelIds))
	}
	if filters.UserId != "" {
		expressions = append(expressions, wr_userId.Eq(filters.UserId))
	}
	if filters.SessionId != "" {
		expressions = append(expressions, wr_sessionId.Eq(filters.SessionId))
	}
	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, s := range filters.Statuses {
			statuses[i] = string(s)
		}
		expressions = append(expressions, wr_requestStatus.In(statuses))
	}
	if filters.DateFrom != nil {
		expressions = append(expressions, wr_requestDate.Gte(*filters.DateFrom))
	}
	if filters.DateTo != nil {
		expressions = append(expressions, wr_requestDate.Lte(*filters.DateTo))
	}
	if filters.ProcessedFrom != nil {
		expressions = append(expressions, wr_processedTimestamp.Gte(*filters.ProcessedFrom))
	}
	if filters.ProcessedTo != nil {
		expressions = append(expressions, wr_processedTimestamp.Lte(*filters.ProcessedTo))
	}
	if len(filters.ServerIds) > 0 {
		if filters.IncludeUnowned {
			expressions = append(expressions, goqu.Or(wr_serverId.In(filters.ServerIds), wr_serverId.IsNull()))
		} else {
			expressions = append(expressions, wr_serverId.In(filters.ServerIds))
		}
	} else if filters.IncludeUnowned {
		expressions = append(expressions, wr_serverId.IsNull())
	}
	return expressions
}

func scanWorkRequest(row pgx.Row) (*domain.WorkRequest, error) {
	var (
		request         domain.WorkRequest
		status          string
		payload         []byte
		nonCachedInputs []byte
	)
	err := row.Scan(
		&request.Id,
		&request.ModelId,
		&request.UserId,
		&request.SessionId,
		&payload,
		&nonCachedInputs,
		&request.CacheOptIn,
		&status,
		&request.RequestStatusReason,
		&request.ModelJobId,
		&request.ServerId,
		&request.RequestDate,
		&request.ClaimTimestamp,
		&request.PodReadyTimestamp,
		&request.JobSubmissionTimestamp,
		&request.ProcessedTimestamp,
		&request.LastUpdated,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	request.RequestStatus = domain.RequestStatus(status)
	if err := json.Unmarshal(payload, &request.RequestPayload); err != nil {
		return nil, errors.WithStack(err)
	}
	if nonCachedInputs != nil {
		if err := json.Unmarshal(nonCachedInputs, &request.NonCachedInputs); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return &request, nil
}

func nullable[T any](value *T) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func marshalNullable(values []string) (interface{}, error) {
	if values == nil {
		return nil, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return string(b), nil
}

func validateNewRequest(request *domain.WorkRequest) error {
	if request.ModelId == "" {
		return errors.WithStack(&huberrors.ErrInvalidArgument{Name: "model_id", Value: request.ModelId, Message: "must not be empty"})
	}
	if request.UserId == "" {
		return errors.WithStack(&huberrors.ErrInvalidArgument{Name: "user_id", Value: request.UserId, Message: "must not be empty"})
	}
	if len(request.RequestPayload.Entries) == 0 {
		return errors.WithStack(&huberrors.ErrInvalidArgument{Name: "request_payload.entries", Value: 0, Message: "must contain at least one input"})
	}
	return nil
}
