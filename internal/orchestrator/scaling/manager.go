package scaling

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/logging"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/lock"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/metrics"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
)

var (
	ErrScalingDisabled     = errors.New("scaling is disabled for model")
	ErrLockNotAcquired     = errors.New("could not acquire model lock")
	ErrMaxInstancesReached = errors.New("model has no free instance and reached its maximum number of instances")
)

// Bound on waiting for the lock of a single instance while the model lock is held.
const instanceLockTimeout = 5 * time.Second

type ModelSource interface {
	Get(ctx context.Context, modelId string) (*domain.Model, error)
}

// Manager maps requests to exclusively held model instances and keeps the number of
// instances of each model between its configured bounds.
type Manager struct {
	provisioner provisioner.Provisioner
	models      ModelSource
	locker      lock.Locker
	config      configuration.ScalingConfig
	clock       clock.Clock
}

func NewManager(
	provisioner provisioner.Provisioner,
	models ModelSource,
	locker lock.Locker,
	config configuration.ScalingConfig,
	clock clock.Clock,
) *Manager {
	return &Manager{
		provisioner: provisioner,
		models:      models,
		locker:      locker,
		config:      config,
		clock:       clock,
	}
}

// AcquireInstance returns an instance claimed by requestId, claiming a free instance or creating
// a new one if needed. Calling it again for a request that already holds an instance returns
// that instance.
func (m *Manager) AcquireInstance(ctx context.Context, modelId string, requestId int64, timeout time.Duration) (*provisioner.Instance, error) {
	instance, err := m.acquireInstance(ctx, modelId, strconv.FormatInt(requestId, 10), timeout)
	metrics.RecordAcquisition(modelId, acquisitionOutcome(err))
	return instance, err
}

func (m *Manager) acquireInstance(ctx context.Context, modelId string, requestId string, timeout time.Duration) (*provisioner.Instance, error) {
	logger := log.WithFields(log.Fields{"modelId": modelId, "requestId": requestId})

	model, err := m.models.Get(ctx, modelId)
	if err != nil {
		return nil, err
	}
	if !model.Details.Scaling.Enabled {
		return nil, errors.WithStack(ErrScalingDisabled)
	}

	if !m.locker.Acquire(ctx, modelId, timeout) {
		return nil, errors.WithStack(ErrLockNotAcquired)
	}
	defer m.locker.Release(modelId)

	instances, err := m.provisioner.ListInstances(ctx, modelId)
	if err != nil {
		return nil, err
	}

	var candidates []*provisioner.Instance
	for _, instance := range instances {
		if instance.RequestId == requestId {
			logger.Debugf("Request already holds instance %s", instance.Name)
			return instance, nil
		}
		if !instance.IsClaimed() && instance.IsUsable() {
			candidates = append(candidates, instance)
		}
	}

	for _, candidate := range candidates {
		instance, err := m.claim(ctx, modelId, candidate.Name, requestId)
		if err != nil {
			logging.WithStacktrace(logger, err).Debugf("Could not claim instance %s", candidate.Name)
			continue
		}
		if instance != nil {
			logger.Infof("Claimed instance %s", instance.Name)
			return instance, nil
		}
	}

	if !model.Details.Scaling.AllowsAnotherInstance(countUsable(instances)) {
		return nil, errors.WithStack(ErrMaxInstancesReached)
	}
	instance, err := m.provisioner.CreateInstance(ctx, provisioner.CreateInstanceRequest{
		ModelId:             modelId,
		Size:                model.Details.Size,
		Image:               model.Details.Image,
		MemoryLimitDisabled: model.Details.MemoryLimitDisabled,
		Annotations:         map[string]string{provisioner.RequestIdAnnotation: requestId},
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Created instance %s for request", instance.Name)
	return instance, nil
}

// claim re-reads a candidate under its instance lock and attaches the request if the instance is still free.
// Returns nil without error if the instance was taken or went away since it was listed.
func (m *Manager) claim(ctx context.Context, modelId string, name string, requestId string) (*provisioner.Instance, error) {
	key := lock.InstanceKey(modelId, name)
	if !m.locker.Acquire(ctx, key, instanceLockTimeout) {
		return nil, nil
	}
	defer m.locker.Release(key)

	fresh, err := m.provisioner.GetInstance(ctx, modelId, name)
	if err != nil {
		return nil, err
	}
	if fresh == nil || fresh.IsClaimed() || !fresh.IsUsable() {
		return nil, nil
	}
	instance, err := m.provisioner.AttachRequest(ctx, modelId, name, requestId)
	if errors.Is(err, provisioner.ErrInstanceClaimed) || errors.Is(err, provisioner.ErrInstanceUnavailable) {
		return nil, nil
	}
	return instance, err
}

// ReleaseInstance frees the instance claimed by requestId, if any.
// Returns false when no instance carried the request.
func (m *Manager) ReleaseInstance(ctx context.Context, modelId string, requestId int64) (bool, error) {
	instance, err := m.provisioner.GetInstanceByRequest(ctx, modelId, strconv.FormatInt(requestId, 10))
	if err != nil || instance == nil {
		return false, err
	}
	cleared, err := m.provisioner.ClearRequest(ctx, modelId, instance.Name)
	if err != nil {
		return false, err
	}
	log.WithFields(log.Fields{"modelId": modelId, "requestId": requestId}).Infof("Released instance %s", instance.Name)
	return cleared != nil, nil
}

// ScaleDown deletes free instances while the model has more usable instances than
// max(min instances, claimed instances). Instances that are starting, terminating or younger
// than the startup grace period are kept.
func (m *Manager) ScaleDown(ctx context.Context, modelId string) (int, error) {
	model, err := m.models.Get(ctx, modelId)
	if err != nil {
		return 0, err
	}
	if !model.Details.Scaling.Enabled {
		return 0, nil
	}
	if !m.locker.Acquire(ctx, modelId, m.config.LockTimeout) {
		return 0, errors.WithStack(ErrLockNotAcquired)
	}
	defer m.locker.Release(modelId)

	instances, err := m.provisioner.ListInstances(ctx, modelId)
	if err != nil {
		return 0, err
	}

	claimed := 0
	var candidates []*provisioner.Instance
	for _, instance := range instances {
		if !instance.IsUsable() {
			continue
		}
		if instance.IsClaimed() {
			claimed++
		} else if m.canScaleDown(instance) {
			candidates = append(candidates, instance)
		}
	}
	metrics.SetModelInstances(modelId, claimed, countUsable(instances)-claimed)

	desired := model.Details.Scaling.MinInstances
	if claimed > desired {
		desired = claimed
	}
	excess := countUsable(instances) - desired

	removed := 0
	for _, candidate := range candidates {
		if removed >= excess {
			break
		}
		deleted, err := m.deleteIfFree(ctx, modelId, candidate.Name)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	if removed > 0 {
		log.WithField("modelId", modelId).Infof("Scaled down %d instances", removed)
	}
	return removed, nil
}

func (m *Manager) canScaleDown(instance *provisioner.Instance) bool {
	if instance.IsTransient() {
		return false
	}
	started := instance.CreatedAt
	if instance.StartedAt != nil {
		started = *instance.StartedAt
	}
	return m.clock.Since(started) >= m.config.StartupGrace
}

func (m *Manager) deleteIfFree(ctx context.Context, modelId string, name string) (bool, error) {
	key := lock.InstanceKey(modelId, name)
	if !m.locker.Acquire(ctx, key, instanceLockTimeout) {
		return false, nil
	}
	defer m.locker.Release(key)

	fresh, err := m.provisioner.GetInstance(ctx, modelId, name)
	if err != nil || fresh == nil || fresh.IsClaimed() {
		return false, err
	}
	return m.provisioner.DeleteInstance(ctx, modelId, name)
}

// EnsureMinInstances creates free instances until the model has its minimum number of usable
// instances, never exceeding its maximum.
func (m *Manager) EnsureMinInstances(ctx context.Context, modelId string) (int, error) {
	model, err := m.models.Get(ctx, modelId)
	if err != nil {
		return 0, err
	}
	scaling := model.Details.Scaling
	if !scaling.Enabled || scaling.MinInstances <= 0 {
		return 0, nil
	}
	if !m.locker.Acquire(ctx, modelId, m.config.LockTimeout) {
		return 0, errors.WithStack(ErrLockNotAcquired)
	}
	defer m.locker.Release(modelId)

	instances, err := m.provisioner.ListInstances(ctx, modelId)
	if err != nil {
		return 0, err
	}
	current := countUsable(instances)
	created := 0
	for current < scaling.MinInstances && scaling.AllowsAnotherInstance(current) {
		_, err := m.provisioner.CreateInstance(ctx, provisioner.CreateInstanceRequest{
			ModelId:             modelId,
			Size:                model.Details.Size,
			Image:               model.Details.Image,
			MemoryLimitDisabled: model.Details.MemoryLimitDisabled,
		})
		if err != nil {
			return created, err
		}
		current++
		created++
	}
	if created > 0 {
		log.WithField("modelId", modelId).Infof("Scaled up %d instances to reach the minimum of %d", created, scaling.MinInstances)
	}
	return created, nil
}

// ScaleModels runs one scale down and scale up pass over each model. Errors are logged per model.
func (m *Manager) ScaleModels(ctx context.Context, modelIds []string) {
	for _, modelId := range modelIds {
		if ctx.Err() != nil {
			return
		}
		logger := log.WithField("modelId", modelId)
		if _, err := m.ScaleDown(ctx, modelId); err != nil {
			logging.WithStacktrace(logger, err).Warn("Scale down failed")
		}
		if _, err := m.EnsureMinInstances(ctx, modelId); err != nil {
			logging.WithStacktrace(logger, err).Warn("Scale up failed")
		}
	}
}

func countUsable(instances []*provisioner.Instance) int {
	count := 0
	for _, instance := range instances {
		if instance.IsUsable() {
			count++
		}
	}
	return count
}

func acquisitionOutcome(err error) string {
	switch {
	case err == nil:
		return "acquired"
	case errors.Is(err, ErrScalingDisabled):
		return "scaling_disabled"
	case errors.Is(err, ErrLockNotAcquired):
		return "lock_timeout"
	case errors.Is(err, ErrMaxInstancesReached):
		return "max_instances"
	default:
		return "error"
	}
}
