package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/logging"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
)

// Heartbeat records that this replica is alive.
type Heartbeat struct {
	serverId    string
	servers     repository.ServerRepository
	clock       clock.Clock
	startupTime time.Time

	mu          sync.Mutex
	lastSuccess time.Time
}

func NewHeartbeat(serverId string, servers repository.ServerRepository, clock clock.Clock) *Heartbeat {
	return &Heartbeat{
		serverId:    serverId,
		servers:     servers,
		clock:       clock,
		startupTime: clock.Now(),
	}
}

// Register creates or replaces the record of this replica.
func (h *Heartbeat) Register(ctx context.Context) error {
	now := h.clock.Now()
	err := h.servers.Upsert(ctx, &domain.Server{
		ServerId:    h.serverId,
		IsHealthy:   true,
		StartupTime: h.startupTime,
		LastCheckIn: now,
	})
	if err == nil {
		h.recordSuccess(now)
	}
	return err
}

// CheckIn refreshes the heartbeat. If another replica already deleted this replica's record, e.g. after a long
// pause, the record is created again.
func (h *Heartbeat) CheckIn(ctx context.Context) {
	logger := log.WithField("serverId", h.serverId)
	now := h.clock.Now()
	err := h.servers.CheckIn(ctx, h.serverId, now)
	if err == nil {
		h.recordSuccess(now)
		return
	}
	if huberrors.IsNotFound(err) {
		logger.Warn("Server record was removed by another server, registering again")
		err = h.Register(ctx)
	}
	if err != nil {
		logging.WithStacktrace(logger, err).Error("Heartbeat failed")
	}
}

func (h *Heartbeat) recordSuccess(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSuccess = at
}

// Checker reports unhealthy once the last successful heartbeat is older than maxAge, i.e. once other
// replicas may consider this one failed.
func (h *Heartbeat) Checker(maxAge time.Duration) *HeartbeatChecker {
	return &HeartbeatChecker{heartbeat: h, maxAge: maxAge}
}

type HeartbeatChecker struct {
	heartbeat *Heartbeat
	maxAge    time.Duration
}

func (c *HeartbeatChecker) Check() error {
	c.heartbeat.mu.Lock()
	lastSuccess := c.heartbeat.lastSuccess
	c.heartbeat.mu.Unlock()
	if lastSuccess.IsZero() {
		return errors.Errorf("server %s has not checked in yet", c.heartbeat.serverId)
	}
	if age := c.heartbeat.clock.Since(lastSuccess); age > c.maxAge {
		return errors.Errorf("last heartbeat of server %s was %s ago", c.heartbeat.serverId, age)
	}
	return nil
}
