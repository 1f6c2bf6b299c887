package recovery

import (
	"context"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/logging"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/metrics"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
)

// InstanceRemover deletes instances carrying all of the given annotations.
type InstanceRemover interface {
	DeleteInstancesByAnnotation(ctx context.Context, modelId string, annotations map[string]string) (int, error)
}

// FailedServerHandler re-queues the active requests of servers that stopped sending heartbeats
// and deletes the instances those servers held.
type FailedServerHandler struct {
	serverId   string
	servers    repository.ServerRepository
	requests   repository.WorkRequestRepository
	instances  InstanceRemover
	staleAfter time.Duration
	// Bound on attempts to re-queue one request that keeps changing concurrently.
	updateAttempts uint
	clock          clock.Clock
}

func NewFailedServerHandler(
	serverId string,
	servers repository.ServerRepository,
	requests repository.WorkRequestRepository,
	instances InstanceRemover,
	staleAfter time.Duration,
	updateAttempts uint,
	clock clock.Clock,
) *FailedServerHandler {
	return &FailedServerHandler{
		serverId:       serverId,
		servers:        servers,
		requests:       requests,
		instances:      instances,
		staleAfter:     staleAfter,
		updateAttempts: updateAttempts,
		clock:          clock,
	}
}

// HandleFailedServers recovers every stale server other than this one. A server record is only deleted
// once all of its requests were re-queued and their instances deleted, so a partial failure is retried
// by the next run.
func (h *FailedServerHandler) HandleFailedServers(ctx context.Context) {
	stale, err := h.servers.SelectStale(ctx, h.clock.Now().Add(-h.staleAfter), h.serverId)
	if err != nil {
		logging.WithStacktrace(log.WithField("serverId", h.serverId), err).Error("Failed to load stale servers")
		return
	}
	for _, server := range stale {
		if ctx.Err() != nil {
			return
		}
		logger := log.WithField("failedServerId", server.ServerId)
		logger.Warnf("Server last checked in at %s, recovering its requests", server.LastCheckIn)
		if err := h.recoverServer(ctx, server.ServerId); err != nil {
			logging.WithStacktrace(logger, err).Error("Failed to recover server, will retry")
			continue
		}
		if err := h.servers.Delete(ctx, server.ServerId); err != nil {
			logging.WithStacktrace(logger, err).Error("Failed to delete server record")
			continue
		}
		logger.Info("Recovered failed server")
	}
}

func (h *FailedServerHandler) recoverServer(ctx context.Context, failedServerId string) error {
	requests, err := h.requests.Select(ctx, repository.RequestFilters{
		Statuses:  domain.ActiveStatuses,
		ServerIds: []string{failedServerId},
	})
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, request := range requests {
		// A request must not be claimable while an instance still carries its id.
		annotations := provisioner.ClaimAnnotations(strconv.FormatInt(request.Id, 10), failedServerId)
		if _, err := h.instances.DeleteInstancesByAnnotation(ctx, request.ModelId, annotations); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "deleting instances of request %d", request.Id))
			continue
		}
		if err := h.requeue(ctx, request, failedServerId); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "re-queueing request %d", request.Id))
		}
	}
	// Instances left behind by an earlier, partially failed run no longer have an active request.
	orphans := map[string]string{provisioner.ServerIdAnnotation: failedServerId}
	if _, err := h.instances.DeleteInstancesByAnnotation(ctx, "", orphans); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "deleting remaining instances"))
	}
	return result.ErrorOrNil()
}

// requeue resets the request to QUEUED, clearing all progress, as long as failedServerId still owns it.
func (h *FailedServerHandler) requeue(ctx context.Context, request *domain.WorkRequest, failedServerId string) error {
	current := request
	return retry.Do(
		func() error {
			if current.Owner() != failedServerId || !current.RequestStatus.IsActive() {
				return nil
			}
			reset := current.DeepCopy()
			reset.RequestStatus = domain.Queued
			reset.RequestStatusReason = domain.ReasonRequeued
			reset.ServerId = nil
			reset.ModelJobId = nil
			reset.NonCachedInputs = nil
			reset.ClaimTimestamp = nil
			reset.PodReadyTimestamp = nil
			reset.JobSubmissionTimestamp = nil
			reset.ProcessedTimestamp = nil
			_, err := h.requests.Update(ctx, reset, repository.UpdateOptions{})
			if err == nil {
				metrics.RecordTransition(request.ModelId, string(domain.Queued))
				log.WithFields(log.Fields{"requestId": request.Id, "failedServerId": failedServerId}).Info("Re-queued request")
				return nil
			}
			if !huberrors.IsConflict(err) {
				return retry.Unrecoverable(err)
			}
			latest, getErr := h.requests.GetById(ctx, request.Id)
			if getErr != nil {
				return retry.Unrecoverable(getErr)
			}
			current = latest
			return err
		},
		retry.Attempts(h.updateAttempts),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}
