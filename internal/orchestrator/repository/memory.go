package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/util"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

// InMemoryWorkRequestRepository keeps requests in process memory.
// It honours the same optimistic concurrency contract as the postgres implementation.
type InMemoryWorkRequestRepository struct {
	mu        sync.Mutex
	clock     clock.Clock
	nextId    int64
	lastToken time.Time
	requests  map[int64]*domain.WorkRequest
}

func NewInMemoryWorkRequestRepository(clock clock.Clock) *InMemoryWorkRequestRepository {
	return &InMemoryWorkRequestRepository{
		clock:    clock,
		nextId:   1,
		requests: map[int64]*domain.WorkRequest{},
	}
}

func (r *InMemoryWorkRequestRepository) Insert(_ context.Context, request *domain.WorkRequest) (*domain.WorkRequest, error) {
	if err := validateNewRequest(request); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := &domain.WorkRequest{
		Id:                  r.nextId,
		ModelId:             request.ModelId,
		UserId:              request.UserId,
		SessionId:           request.SessionId,
		RequestPayload:      domain.RequestPayload{Entries: append([]string{}, request.RequestPayload.Entries...)},
		CacheOptIn:          request.CacheOptIn,
		RequestStatus:       domain.Queued,
		RequestStatusReason: request.RequestStatusReason,
		RequestDate:         request.RequestDate,
		LastUpdated:         r.nextToken(),
	}
	if stored.RequestDate.IsZero() {
		stored.RequestDate = stored.LastUpdated
	}
	r.nextId++
	r.requests[stored.Id] = stored
	return stored.DeepCopy(), nil
}

func (r *InMemoryWorkRequestRepository) Update(_ context.Context, request *domain.WorkRequest, opts UpdateOptions) (*domain.WorkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.requests[request.Id]
	if !ok ||
		!stored.LastUpdated.Equal(request.LastUpdated) ||
		(opts.ExpectNullServerId && stored.ServerId != nil) ||
		(opts.EnforceSameSessionId && stored.SessionId != request.SessionId) {
		return nil, errors.WithStack(&huberrors.ErrConflict{
			Type:    "workRequest",
			Value:   strconv.FormatInt(request.Id, 10),
			Message: "stored request changed or a precondition no longer holds",
		})
	}

	if !request.HasConsistentOwnership() {
		return nil, errors.WithStack(&huberrors.ErrInvalidArgument{
			Name:    "server_id",
			Value:   request.Owner(),
			Message: "server id must be set exactly when the request is " + string(domain.Scheduling) + " or " + string(domain.Processing),
		})
	}

	updated := request.DeepCopy()
	updated.ModelId = stored.ModelId
	updated.UserId = stored.UserId
	updated.SessionId = stored.SessionId
	updated.RequestPayload = stored.RequestPayload
	updated.RequestDate = stored.RequestDate
	updated.LastUpdated = r.nextToken()
	r.requests[request.Id] = updated
	return updated.DeepCopy(), nil
}

func (r *InMemoryWorkRequestRepository) Select(_ context.Context, filters RequestFilters) ([]*domain.WorkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := []*domain.WorkRequest{}
	for _, request := range r.requests {
		if matches(request, filters) {
			result = append(result, request.DeepCopy())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	if filters.Limit > 0 && uint(len(result)) > filters.Limit {
		result = result[:filters.Limit]
	}
	return result, nil
}

func (r *InMemoryWorkRequestRepository) GetById(_ context.Context, id int64) (*domain.WorkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.requests[id]
	if !ok {
		return nil, errors.WithStack(&huberrors.ErrNotFound{Type: "workRequest", Value: strconv.FormatInt(id, 10)})
	}
	return stored.DeepCopy(), nil
}

// nextToken returns a microsecond precision timestamp strictly after every token handed out so far.
func (r *InMemoryWorkRequestRepository) nextToken() time.Time {
	token := r.clock.Now().Truncate(time.Microsecond)
	if !token.After(r.lastToken) {
		token = r.lastToken.Add(time.Microsecond)
	}
	r.lastToken = token
	return token
}

func matches(request *domain.WorkRequest, filters RequestFilters) bool {
	if len(filters.ModelIds) > 0 && !util.StringSet(filters.ModelIds)[request.ModelId] {
		return false
	}
	if filters.UserId != "" && request.UserId != filters.UserId {
		return false
	}
	if filters.SessionId != "" && request.SessionId != filters.SessionId {
		return false
	}
	if len(filters.Statuses) > 0 && !containsStatus(filters.Statuses, request.RequestStatus) {
		return false
	}
	if filters.DateFrom != nil && request.RequestDate.Before(*filters.DateFrom) {
		return false
	}
	if filters.DateTo != nil && request.RequestDate.After(*filters.DateTo) {
		return false
	}
	if filters.ProcessedFrom != nil && (request.ProcessedTimestamp == nil || request.ProcessedTimestamp.Before(*filters.ProcessedFrom)) {
		return false
	}
	if filters.ProcessedTo != nil && (request.ProcessedTimestamp == nil || request.ProcessedTimestamp.After(*filters.ProcessedTo)) {
		return false
	}
	if len(filters.ServerIds) > 0 || filters.IncludeUnowned {
		owned := request.ServerId != nil && util.StringSet(filters.ServerIds)[*request.ServerId]
		unowned := filters.IncludeUnowned && request.ServerId == nil
		if !owned && !unowned {
			return false
		}
	}
	return true
}

func containsStatus(statuses []domain.RequestStatus, status domain.RequestStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

type InMemoryServerRepository struct {
	mu      sync.Mutex
	servers map[string]*domain.Server
}

func NewInMemoryServerRepository() *InMemoryServerRepository {
	return &InMemoryServerRepository{servers: map[string]*domain.Server{}}
}

func (r *InMemoryServerRepository) Upsert(_ context.Context, server *domain.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := *server
	r.servers[server.ServerId] = &s
	return nil
}

func (r *InMemoryServerRepository) CheckIn(_ context.Context, serverId string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[serverId]
	if !ok {
		return errors.WithStack(&huberrors.ErrNotFound{Type: "server", Value: serverId})
	}
	s.LastCheckIn = at
	s.IsHealthy = true
	return nil
}

func (r *InMemoryServerRepository) SelectStale(_ context.Context, staleBefore time.Time, excludeServerId string) ([]*domain.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := []*domain.Server{}
	for _, s := range r.servers {
		if s.ServerId != excludeServerId && s.LastCheckIn.Before(staleBefore) {
			c := *s
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastCheckIn.Before(result[j].LastCheckIn) })
	return result, nil
}

func (r *InMemoryServerRepository) Delete(_ context.Context, serverId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, serverId)
	return nil
}

// Get is not part of ServerRepository; tests use it to inspect state.
func (r *InMemoryServerRepository) Get(serverId string) (*domain.Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[serverId]
	if !ok {
		return nil, false
	}
	c := *s
	return &c, true
}

type InMemoryModelRepository struct {
	mu     sync.Mutex
	models map[string]*domain.Model
}

func NewInMemoryModelRepository(models ...*domain.Model) *InMemoryModelRepository {
	r := &InMemoryModelRepository{models: map[string]*domain.Model{}}
	for _, m := range models {
		c := *m
		r.models[m.Id] = &c
	}
	return r
}

func (r *InMemoryModelRepository) Get(_ context.Context, modelId string) (*domain.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[modelId]
	if !ok {
		return nil, errors.WithStack(&huberrors.ErrNotFound{Type: "model", Value: modelId})
	}
	c := *m
	return &c, nil
}

func (r *InMemoryModelRepository) List(_ context.Context) ([]*domain.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*domain.Model, 0, len(r.models))
	for _, m := range r.models {
		c := *m
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

func (r *InMemoryModelRepository) Upsert(_ context.Context, model *domain.Model) error {
	if model.Id == "" {
		return errors.WithStack(&huberrors.ErrInvalidArgument{Name: "id", Value: model.Id, Message: "must not be empty"})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *model
	r.models[model.Id] = &c
	return nil
}
