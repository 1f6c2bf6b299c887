package recovery

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner/fake"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
)

const (
	self     = "server-1"
	deadId   = "server-2"
	modelId  = "eos3b5e"
	stale    = 5 * time.Minute
	attempts = 3
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	handler     *FailedServerHandler
	heartbeat   *Heartbeat
	servers     *repository.InMemoryServerRepository
	requests    *repository.InMemoryWorkRequestRepository
	provisioner *fake.Provisioner
	clock       *clock.FakeClock
}

func setup() *fixture {
	fakeClock := clock.NewFakeClock(baseTime)
	servers := repository.NewInMemoryServerRepository()
	requests := repository.NewInMemoryWorkRequestRepository(fakeClock)
	p := fake.NewProvisioner(self, fakeClock)
	return &fixture{
		handler:     NewFailedServerHandler(self, servers, requests, p, stale, attempts, fakeClock),
		heartbeat:   NewHeartbeat(self, servers, fakeClock),
		servers:     servers,
		requests:    requests,
		provisioner: p,
		clock:       fakeClock,
	}
}

func (f *fixture) addServer(t *testing.T, serverId string, lastCheckIn time.Time) {
	require.NoError(t, f.servers.Upsert(context.Background(), &domain.Server{
		ServerId:    serverId,
		IsHealthy:   true,
		StartupTime: lastCheckIn,
		LastCheckIn: lastCheckIn,
	}))
}

// addRequest stores a request in status owned by owner, together with the instance it holds.
func (f *fixture) addRequest(t *testing.T, owner string, status domain.RequestStatus) *domain.WorkRequest {
	ctx := context.Background()
	request, err := f.requests.Insert(ctx, &domain.WorkRequest{
		ModelId:        modelId,
		UserId:         "user-1",
		RequestPayload: domain.RequestPayload{Entries: []string{"CCO"}},
	})
	require.NoError(t, err)
	if status == domain.Queued {
		return request
	}

	jobId := "job-1"
	now := f.clock.Now()
	request.RequestStatus = status
	request.ServerId = &owner
	request.ModelJobId = &jobId
	request.ClaimTimestamp = &now
	request.PodReadyTimestamp = &now
	request.JobSubmissionTimestamp = &now
	request.NonCachedInputs = []string{"CCO"}
	request, err = f.requests.Update(ctx, request, repository.UpdateOptions{})
	require.NoError(t, err)

	f.provisioner.AddInstance(provisioner.Instance{
		Name:      modelId + "-" + strconv.FormatInt(request.Id, 10),
		ModelId:   modelId,
		Phase:     provisioner.PhaseRunning,
		Ready:     true,
		RequestId: strconv.FormatInt(request.Id, 10),
		ServerId:  owner,
	})
	return request
}

func TestFailedServerHandler_RequeuesRequestsOfStaleServer(t *testing.T) {
	f := setup()
	f.addServer(t, self, baseTime)
	f.addServer(t, deadId, baseTime.Add(-6*time.Minute))
	processing := f.addRequest(t, deadId, domain.Processing)
	scheduling := f.addRequest(t, deadId, domain.Scheduling)
	own := f.addRequest(t, self, domain.Processing)

	f.handler.HandleFailedServers(context.Background())

	for _, request := range []*domain.WorkRequest{processing, scheduling} {
		stored, err := f.requests.GetById(context.Background(), request.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Queued, stored.RequestStatus)
		assert.Equal(t, domain.ReasonRequeued, stored.RequestStatusReason)
		assert.Nil(t, stored.ServerId)
		assert.Nil(t, stored.ModelJobId)
		assert.Nil(t, stored.ClaimTimestamp)
		assert.Nil(t, stored.PodReadyTimestamp)
		assert.Nil(t, stored.JobSubmissionTimestamp)
		assert.Nil(t, stored.ProcessedTimestamp)
		assert.Nil(t, stored.NonCachedInputs)
	}
	assert.ElementsMatch(t, []string{
		modelId + "-" + strconv.FormatInt(processing.Id, 10),
		modelId + "-" + strconv.FormatInt(scheduling.Id, 10),
	}, f.provisioner.Deleted)

	stored, err := f.requests.GetById(context.Background(), own.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.Processing, stored.RequestStatus)

	_, exists := f.servers.Get(deadId)
	assert.False(t, exists)
	_, exists = f.servers.Get(self)
	assert.True(t, exists)
}

func TestFailedServerHandler_IgnoresFreshServers(t *testing.T) {
	f := setup()
	f.addServer(t, deadId, baseTime.Add(-4*time.Minute))
	request := f.addRequest(t, deadId, domain.Processing)

	f.handler.HandleFailedServers(context.Background())

	stored, err := f.requests.GetById(context.Background(), request.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.Processing, stored.RequestStatus)
	assert.Empty(t, f.provisioner.Deleted)
	_, exists := f.servers.Get(deadId)
	assert.True(t, exists)
}

func TestFailedServerHandler_NeverRecoversItself(t *testing.T) {
	f := setup()
	f.addServer(t, self, baseTime.Add(-time.Hour))
	request := f.addRequest(t, self, domain.Processing)

	f.handler.HandleFailedServers(context.Background())

	stored, err := f.requests.GetById(context.Background(), request.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.Processing, stored.RequestStatus)
	_, exists := f.servers.Get(self)
	assert.True(t, exists)
}

type failingRemover struct{}

func (failingRemover) DeleteInstancesByAnnotation(context.Context, string, map[string]string) (int, error) {
	return 0, errors.New("api server unavailable")
}

func TestFailedServerHandler_PartialFailureKeepsServer(t *testing.T) {
	f := setup()
	f.handler.instances = failingRemover{}
	f.addServer(t, deadId, baseTime.Add(-time.Hour))
	request := f.addRequest(t, deadId, domain.Processing)

	f.handler.HandleFailedServers(context.Background())

	_, exists := f.servers.Get(deadId)
	assert.True(t, exists)
	stored, err := f.requests.GetById(context.Background(), request.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.Processing, stored.RequestStatus)
	assert.Equal(t, deadId, stored.Owner())

	f.handler.instances = f.provisioner
	f.handler.HandleFailedServers(context.Background())
	_, exists = f.servers.Get(deadId)
	assert.False(t, exists)
	assert.Equal(t, []string{modelId + "-" + strconv.FormatInt(request.Id, 10)}, f.provisioner.Deleted)
	stored, err = f.requests.GetById(context.Background(), request.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, stored.RequestStatus)
}

// statusAtDeletion records the status of each request at the moment its instances are deleted.
type statusAtDeletion struct {
	InstanceRemover
	requests *repository.InMemoryWorkRequestRepository
	statuses map[string]domain.RequestStatus
}

func (r *statusAtDeletion) DeleteInstancesByAnnotation(ctx context.Context, modelId string, annotations map[string]string) (int, error) {
	if requestId, ok := annotations[provisioner.RequestIdAnnotation]; ok {
		id, err := strconv.ParseInt(requestId, 10, 64)
		if err != nil {
			return 0, err
		}
		request, err := r.requests.GetById(ctx, id)
		if err != nil {
			return 0, err
		}
		r.statuses[requestId] = request.RequestStatus
	}
	return r.InstanceRemover.DeleteInstancesByAnnotation(ctx, modelId, annotations)
}

func TestFailedServerHandler_DeletesInstancesBeforeRequeueing(t *testing.T) {
	tests := map[string]struct {
		status domain.RequestStatus
	}{
		"scheduling": {status: domain.Scheduling},
		"processing": {status: domain.Processing},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := setup()
			remover := &statusAtDeletion{InstanceRemover: f.provisioner, requests: f.requests, statuses: map[string]domain.RequestStatus{}}
			f.handler.instances = remover
			f.addServer(t, deadId, baseTime.Add(-time.Hour))
			request := f.addRequest(t, deadId, tc.status)

			f.handler.HandleFailedServers(context.Background())

			requestId := strconv.FormatInt(request.Id, 10)
			assert.Equal(t, map[string]domain.RequestStatus{requestId: tc.status}, remover.statuses)
			stored, err := f.requests.GetById(context.Background(), request.Id)
			require.NoError(t, err)
			assert.Equal(t, domain.Queued, stored.RequestStatus)
			assert.Equal(t, []string{modelId + "-" + requestId}, f.provisioner.Deleted)
		})
	}
}

func TestHeartbeat(t *testing.T) {
	f := setup()
	ctx := context.Background()
	require.NoError(t, f.heartbeat.Register(ctx))

	f.clock.Step(30 * time.Second)
	f.heartbeat.CheckIn(ctx)
	server, ok := f.servers.Get(self)
	require.True(t, ok)
	assert.Equal(t, baseTime.Add(30*time.Second), server.LastCheckIn)
	assert.Equal(t, baseTime, server.StartupTime)

	require.NoError(t, f.servers.Delete(ctx, self))
	f.clock.Step(30 * time.Second)
	f.heartbeat.CheckIn(ctx)
	server, ok = f.servers.Get(self)
	require.True(t, ok)
	assert.Equal(t, baseTime.Add(time.Minute), server.LastCheckIn)
}

func TestHeartbeatChecker(t *testing.T) {
	f := setup()
	checker := f.heartbeat.Checker(time.Minute)
	assert.Error(t, checker.Check())

	// Checking in without a record registers the server.
	f.heartbeat.CheckIn(context.Background())
	assert.NoError(t, checker.Check())

	f.clock.Step(45 * time.Second)
	assert.NoError(t, checker.Check())

	f.clock.Step(30 * time.Second)
	assert.Error(t, checker.Check())
}
