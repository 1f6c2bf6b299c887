package repository

import (
	"context"
	"time"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

// UpdateOptions are preconditions checked atomically with the last_updated token.
type UpdateOptions struct {
	// The stored request must not be owned by any server.
	ExpectNullServerId bool
	// The stored request must belong to the same session as the supplied one.
	EnforceSameSessionId bool
}

type RequestFilters struct {
	ModelIds  []string
	UserId    string
	SessionId string
	Statuses  []domain.RequestStatus
	// Bounds on request_date, both inclusive.
	DateFrom *time.Time
	DateTo   *time.Time
	// Bounds on processed_timestamp, both inclusive.
	ProcessedFrom *time.Time
	ProcessedTo   *time.Time
	ServerIds     []string
	// Together with ServerIds, also matches requests not owned by any server.
	IncludeUnowned bool
	Limit          uint
}

// WorkRequestRepository stores work requests with optimistic concurrency control.
// Results are ordered by id, oldest first.
type WorkRequestRepository interface {
	// Insert stores a new request and returns it with its id and last_updated token assigned.
	Insert(ctx context.Context, request *domain.WorkRequest) (*domain.WorkRequest, error)
	// Update writes the mutable fields of request if the stored last_updated still equals
	// request.LastUpdated and every precondition in opts holds. Otherwise it returns a
	// *huberrors.ErrConflict and writes nothing.
	Update(ctx context.Context, request *domain.WorkRequest, opts UpdateOptions) (*domain.WorkRequest, error)
	Select(ctx context.Context, filters RequestFilters) ([]*domain.WorkRequest, error)
	// GetById returns a *huberrors.ErrNotFound if there is no such request.
	GetById(ctx context.Context, id int64) (*domain.WorkRequest, error)
}

type ServerRepository interface {
	// Upsert creates or replaces the record of a server.
	Upsert(ctx context.Context, server *domain.Server) error
	// CheckIn records a heartbeat. Returns a *huberrors.ErrNotFound if the server is unknown.
	CheckIn(ctx context.Context, serverId string, at time.Time) error
	// SelectStale returns servers whose last check-in is before staleBefore, except excludeServerId.
	SelectStale(ctx context.Context, staleBefore time.Time, excludeServerId string) ([]*domain.Server, error)
	Delete(ctx context.Context, serverId string) error
}

type ModelRepository interface {
	// Get returns a *huberrors.ErrNotFound if the model is not registered.
	Get(ctx context.Context, modelId string) (*domain.Model, error)
	List(ctx context.Context) ([]*domain.Model, error)
	Upsert(ctx context.Context, model *domain.Model) error
}
