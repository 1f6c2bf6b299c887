package scheduler

import (
	"context"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/metrics"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
)

// errPreconditionFailed is returned by updateRequest when mutate declines to change the request.
var errPreconditionFailed = errors.New("request no longer in expected state")

// mutation changes a copy of the latest stored request in place.
// Returning false abandons the update, e.g. because another actor already moved the request on.
type mutation func(request *domain.WorkRequest) bool

type requestUpdater struct {
	repository repository.WorkRequestRepository
	attempts   uint
}

// update applies mutate to request and persists it. On an optimistic concurrency conflict the request
// is re-read and mutate applied again, up to the configured number of attempts.
func (u *requestUpdater) update(
	ctx context.Context,
	request *domain.WorkRequest,
	opts repository.UpdateOptions,
	mutate mutation,
) (*domain.WorkRequest, error) {
	current := request.DeepCopy()
	var updated *domain.WorkRequest
	err := retry.Do(
		func() error {
			candidate := current.DeepCopy()
			if !mutate(candidate) {
				return retry.Unrecoverable(errors.WithStack(errPreconditionFailed))
			}
			result, err := u.repository.Update(ctx, candidate, opts)
			if err == nil {
				updated = result
				return nil
			}
			if !huberrors.IsConflict(err) {
				return retry.Unrecoverable(err)
			}
			latest, getErr := u.repository.GetById(ctx, request.Id)
			if getErr != nil {
				return retry.Unrecoverable(getErr)
			}
			current = latest
			return err
		},
		retry.Attempts(u.attempts),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if n+1 < u.attempts {
				log.WithField("requestId", request.Id).Debugf("Retrying update after attempt %d: %v", n+1, err)
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	if updated.RequestStatus != request.RequestStatus {
		metrics.RecordTransition(updated.ModelId, string(updated.RequestStatus))
		log.WithFields(log.Fields{
			"requestId": updated.Id,
			"modelId":   updated.ModelId,
			"reason":    updated.RequestStatusReason,
		}).Infof("Request moved from %s to %s", request.RequestStatus, updated.RequestStatus)
	}
	return updated, nil
}

func isAbandoned(err error) bool {
	return errors.Is(err, errPreconditionFailed)
}

// expectStatus builds a mutation that only applies while the request is still in status and owned by serverId.
func expectStatus(status domain.RequestStatus, serverId string, mutate func(request *domain.WorkRequest)) mutation {
	return func(request *domain.WorkRequest) bool {
		if request.RequestStatus != status || request.Owner() != serverId {
			return false
		}
		mutate(request)
		return true
	}
}
