package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/logging"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/util"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/cache"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/jobclient"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/resultstore"
)

type ModelSource interface {
	Get(ctx context.Context, modelId string) (*domain.Model, error)
}

// InstanceManager hands out model instances exclusively held by one request.
type InstanceManager interface {
	AcquireInstance(ctx context.Context, modelId string, requestId int64, timeout time.Duration) (*provisioner.Instance, error)
	ReleaseInstance(ctx context.Context, modelId string, requestId int64) (bool, error)
}

// InstanceFinder looks up model instances.
type InstanceFinder interface {
	GetInstance(ctx context.Context, modelId string, name string) (*provisioner.Instance, error)
	GetInstanceByRequest(ctx context.Context, modelId string, requestId string) (*provisioner.Instance, error)
}

// WorkRequestWorker drives work requests through their lifecycle. Each call to ProcessRequests
// re-evaluates the persisted state of every active request owned by this replica or by nobody.
type WorkRequestWorker struct {
	// Id of this replica, recorded on every request it claims.
	serverId string
	// Models served by this replica. Empty means all models.
	modelIds []string
	// Source of truth for requests. Every write is conditional on the request being unchanged since read.
	requests repository.WorkRequestRepository
	updater  *requestUpdater
	models   ModelSource
	// Used to find the instance holding a request.
	provisioner InstanceFinder
	// Used to claim and release instances.
	instances   InstanceManager
	cache       cache.ResultCache
	resultStore resultstore.ResultStore
	jobClient   jobclient.Client
	// Submission tasks started by this replica.
	tasks *TaskTable
	// When the status of each asynchronous job was last polled, keyed by task key.
	lastStatusPoll map[string]time.Time
	// Consecutive failed result downloads of each completed asynchronous job, keyed by task key.
	resultFailures map[string]uint
	config         configuration.SchedulerConfig
	// Bound on one instance acquisition.
	acquireTimeout time.Duration
	// Port of the job server inside an instance.
	containerPort int32
	// Used for all timing decisions. Injected so tests can control time.
	clock clock.Clock
}

func NewWorkRequestWorker(
	serverId string,
	modelIds []string,
	requests repository.WorkRequestRepository,
	models ModelSource,
	provisioner InstanceFinder,
	instances InstanceManager,
	cache cache.ResultCache,
	resultStore resultstore.ResultStore,
	jobClient jobclient.Client,
	config configuration.SchedulerConfig,
	acquireTimeout time.Duration,
	containerPort int32,
	clock clock.Clock,
) *WorkRequestWorker {
	return &WorkRequestWorker{
		serverId:       serverId,
		modelIds:       modelIds,
		requests:       requests,
		updater:        &requestUpdater{repository: requests, attempts: config.UpdateAttempts},
		models:         models,
		provisioner:    provisioner,
		instances:      instances,
		cache:          cache,
		resultStore:    resultStore,
		jobClient:      jobClient,
		tasks:          NewTaskTable(),
		lastStatusPoll: map[string]time.Time{},
		resultFailures: map[string]uint{},
		config:         config,
		acquireTimeout: acquireTimeout,
		containerPort:  containerPort,
		clock:          clock,
	}
}

// ProcessRequests runs one scheduling iteration. It is not safe to call concurrently.
func (w *WorkRequestWorker) ProcessRequests(ctx context.Context) {
	start := w.clock.Now()
	requests, err := w.requests.Select(ctx, repository.RequestFilters{
		ModelIds:       w.modelIds,
		Statuses:       domain.ActiveStatuses,
		ServerIds:      []string{w.serverId},
		IncludeUnowned: true,
		Limit:          w.config.FetchLimit,
	})
	if err != nil {
		logging.WithStacktrace(log.WithField("serverId", w.serverId), err).Error("Failed to load work requests")
		return
	}

	byStatus := map[domain.RequestStatus][]*domain.WorkRequest{}
	for _, request := range requests {
		byStatus[request.RequestStatus] = append(byStatus[request.RequestStatus], request)
	}
	held := len(byStatus[domain.Scheduling]) + len(byStatus[domain.Processing])

	w.handleScheduling(ctx, byStatus[domain.Scheduling])
	w.handleQueued(ctx, byStatus[domain.Queued], held)
	w.handleProcessing(ctx, byStatus[domain.Processing])
	w.CleanupFailedRequests(ctx)

	log.Debugf("Processed %d active requests in %s", len(requests), w.clock.Since(start))
}

// handleScheduling moves claims older than the scheduling grace period on: to PROCESSING if an instance
// carries the request, back to QUEUED otherwise.
func (w *WorkRequestWorker) handleScheduling(ctx context.Context, requests []*domain.WorkRequest) {
	for _, request := range requests {
		if ctx.Err() != nil {
			return
		}
		if request.ClaimTimestamp != nil && w.clock.Since(*request.ClaimTimestamp) < w.config.SchedulingGracePeriod {
			continue
		}
		logger := requestLogger(request)
		instance, err := w.provisioner.GetInstanceByRequest(ctx, request.ModelId, strconv.FormatInt(request.Id, 10))
		if err != nil {
			logging.WithStacktrace(logger, err).Warn("Failed to look up instance of scheduling request")
			continue
		}
		if instance == nil {
			w.requeue(ctx, request, domain.ReasonFailedToFindInstance)
			continue
		}
		_, err = w.updater.update(ctx, request, repository.UpdateOptions{}, expectStatus(domain.Scheduling, w.serverId, func(r *domain.WorkRequest) {
			r.RequestStatus = domain.Processing
			r.RequestStatusReason = ""
		}))
		if err != nil {
			logUpdateError(logger, err)
		}
	}
}

// handleQueued claims queued requests and dispatches them, oldest first.
// held is the number of instances this replica already holds.
func (w *WorkRequestWorker) handleQueued(ctx context.Context, requests []*domain.WorkRequest, held int) {
	skip := map[string]bool{}
	for i, request := range requests {
		if ctx.Err() != nil {
			return
		}
		if skip[request.ModelId] {
			continue
		}
		if held >= w.config.MaxConcurrentInstances {
			log.Infof("Holding %d instances, the maximum; leaving %d queued requests for later", held, len(requests)-i)
			return
		}
		if w.dispatch(ctx, request, skip) {
			held++
		}
	}
}

// dispatch claims a queued request and either completes it from the cache or acquires an instance and
// submits its job. Returns true if an instance was acquired.
func (w *WorkRequestWorker) dispatch(ctx context.Context, request *domain.WorkRequest, skip map[string]bool) bool {
	logger := requestLogger(request)
	model, err := w.models.Get(ctx, request.ModelId)
	if huberrors.IsNotFound(err) {
		logger.Warn("Model is not registered, failing request")
		w.rejectQueued(ctx, request, domain.ReasonModelNotFound)
		return false
	}
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Cannot schedule request")
		skip[request.ModelId] = true
		return false
	}

	serverId := w.serverId
	claimedAt := w.clock.Now()
	claimed, err := w.updater.update(ctx, request, repository.UpdateOptions{ExpectNullServerId: true}, expectStatus(domain.Queued, "", func(r *domain.WorkRequest) {
		r.RequestStatus = domain.Scheduling
		r.ServerId = &serverId
		r.ClaimTimestamp = &claimedAt
		r.RequestStatusReason = ""
	}))
	if err != nil {
		logUpdateError(logger, err)
		return false
	}

	entries := claimed.RequestPayload.Entries
	cached, err := w.cache.Lookup(ctx, claimed.ModelId, entries)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Cache lookup failed, computing all inputs")
		cached = nil
	}
	misses := domain.SplitCached(entries, cached)
	if len(misses) == 0 {
		logger.Infof("All %d inputs are cached", len(entries))
		w.complete(ctx, claimed, nil, nil, cached)
		return false
	}

	instance, err := w.instances.AcquireInstance(ctx, claimed.ModelId, claimed.Id, w.acquireTimeout)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Failed to acquire model instance")
		skip[claimed.ModelId] = true
		w.requeue(ctx, claimed, domain.ReasonFailedToAcquireInstance)
		return false
	}

	processing, err := w.updater.update(ctx, claimed, repository.UpdateOptions{}, expectStatus(domain.Scheduling, serverId, func(r *domain.WorkRequest) {
		r.RequestStatus = domain.Processing
		r.NonCachedInputs = misses
	}))
	if err != nil {
		// The request stays SCHEDULING and is picked up again once its grace period ends.
		logUpdateError(logger, err)
		return true
	}
	w.startSubmission(ctx, processing, instance.Name, model.Details.ExecutionMode)
	return true
}

// handleProcessing observes the jobs of processing requests and finishes requests whose job ended
// or whose instance or job disappeared.
func (w *WorkRequestWorker) handleProcessing(ctx context.Context, requests []*domain.WorkRequest) {
	for _, request := range requests {
		if ctx.Err() != nil {
			return
		}
		w.observe(ctx, request)
	}
}

func (w *WorkRequestWorker) observe(ctx context.Context, request *domain.WorkRequest) {
	logger := requestLogger(request)
	key := request.TaskKey()
	withinGrace := request.ClaimTimestamp != nil && w.clock.Since(*request.ClaimTimestamp) < w.config.ProcessingGracePeriod

	instance, err := w.provisioner.GetInstanceByRequest(ctx, request.ModelId, strconv.FormatInt(request.Id, 10))
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Failed to look up instance of processing request")
		return
	}
	if instance == nil {
		if !withinGrace {
			w.fail(ctx, request, domain.ReasonInstanceMissing)
		}
		return
	}

	jobId := request.JobId()
	if task, ok := w.tasks.Get(key); ok {
		if !task.finished() {
			return
		}
		if task.err != nil {
			w.fail(ctx, request, domain.ReasonJobFailed)
			return
		}
		if task.mode != domain.ExecutionModeAsync {
			w.complete(ctx, request, task.inputs, task.results, nil)
			return
		}
		jobId = task.jobId
		w.tasks.Remove(key)
	}

	if jobId == "" {
		if !withinGrace {
			w.fail(ctx, request, domain.ReasonJobIdMissing)
			return
		}
		model, err := w.models.Get(ctx, request.ModelId)
		if err != nil {
			logging.WithStacktrace(logger, err).Warn("Cannot resubmit job")
			return
		}
		w.startSubmission(ctx, request, instance.Name, model.Details.ExecutionMode)
		return
	}
	w.pollJob(ctx, request, instance, jobId)
}

// pollJob checks an asynchronous job at most once per JobStatusPollInterval. Jobs running longer than
// JobTimeout fail, whether or not their status can be read.
func (w *WorkRequestWorker) pollJob(ctx context.Context, request *domain.WorkRequest, instance *provisioner.Instance, jobId string) {
	key := request.TaskKey()
	logger := requestLogger(request).WithField("jobId", jobId)
	if submitted := request.JobSubmissionTimestamp; submitted != nil && w.clock.Since(*submitted) > w.config.JobTimeout {
		logger.Warnf("Job did not finish within %s", w.config.JobTimeout)
		w.fail(ctx, request, domain.ReasonJobTimedOut)
		return
	}
	if last, ok := w.lastStatusPoll[key]; ok && w.clock.Since(last) < w.config.JobStatusPollInterval {
		return
	}
	w.lastStatusPoll[key] = w.clock.Now()

	baseUrl := jobclient.BaseUrl(instance.IP, w.containerPort)
	status, err := w.jobClient.Status(ctx, baseUrl, jobId)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Failed to poll job status")
		return
	}
	switch status {
	case jobclient.JobStatusCompleted:
		results, err := w.jobClient.Result(ctx, baseUrl, jobId)
		if err != nil {
			w.resultFailures[key]++
			if failures := w.resultFailures[key]; failures >= w.config.ResultFetchAttempts {
				logging.WithStacktrace(logger, err).Errorf("Failed to fetch job result %d times", failures)
				w.fail(ctx, request, domain.ReasonResultMissing)
				return
			}
			logging.WithStacktrace(logger, err).Warn("Failed to fetch job result")
			return
		}
		delete(w.resultFailures, key)
		w.complete(ctx, request, request.JobInputs(), results, nil)
	case jobclient.JobStatusFailed:
		w.fail(ctx, request, domain.ReasonJobFailed)
	default:
		logger.Debugf("Job is %s", status)
	}
}

// complete consolidates job and cached results in input order, stores them and marks the request COMPLETED.
// cached may be nil, in which case inputs not computed by the job are looked up in the cache.
func (w *WorkRequestWorker) complete(
	ctx context.Context,
	request *domain.WorkRequest,
	jobInputs []string,
	jobResults []json.RawMessage,
	cached []domain.CachedResult,
) {
	logger := requestLogger(request)
	entries := request.RequestPayload.Entries
	if cached == nil {
		if rest := util.Subtract(entries, jobInputs); len(rest) > 0 {
			var err error
			cached, err = w.cache.Lookup(ctx, request.ModelId, rest)
			if err != nil {
				logging.WithStacktrace(logger, err).Warn("Cache lookup failed, cached inputs will have no result")
			}
		}
	}

	results := domain.ConsolidateResults(entries, jobInputs, jobResults, cached)
	if domain.IsEmptyResult(results) {
		w.fail(ctx, request, domain.ReasonEmptyResult)
		return
	}
	if request.CacheOptIn && len(jobInputs) > 0 {
		if _, err := w.cache.Persist(ctx, request.ModelId, jobInputs, jobResults, request.UserId); err != nil {
			logging.WithStacktrace(logger, err).Warn("Failed to cache results")
		}
	}

	payload, err := json.Marshal(results)
	if err == nil {
		err = w.resultStore.Upload(ctx, request.ModelId, request.Id, payload)
	}
	if err != nil {
		logging.WithStacktrace(logger, err).Error("Failed to store result")
		w.fail(ctx, request, domain.ReasonResultUploadFailed)
		return
	}

	processedAt := w.clock.Now()
	_, err = w.updater.update(ctx, request, repository.UpdateOptions{}, expectStatus(request.RequestStatus, w.serverId, func(r *domain.WorkRequest) {
		r.RequestStatus = domain.Completed
		r.RequestStatusReason = ""
		r.ServerId = nil
		r.ProcessedTimestamp = &processedAt
	}))
	if err != nil {
		logUpdateError(logger, err)
		return
	}
	w.forget(request)
	if request.RequestStatus == domain.Processing {
		if _, err := w.instances.ReleaseInstance(ctx, request.ModelId, request.Id); err != nil {
			logging.WithStacktrace(logger, err).Warn("Failed to release instance")
		}
	}
}

// fail marks the request FAILED. Its instance is released later by CleanupFailedRequests.
func (w *WorkRequestWorker) fail(ctx context.Context, request *domain.WorkRequest, reason string) {
	processedAt := w.clock.Now()
	_, err := w.updater.update(ctx, request, repository.UpdateOptions{}, expectStatus(request.RequestStatus, w.serverId, func(r *domain.WorkRequest) {
		r.RequestStatus = domain.Failed
		r.RequestStatusReason = reason
		r.ServerId = nil
		r.ProcessedTimestamp = &processedAt
	}))
	if err != nil {
		logUpdateError(requestLogger(request), err)
		return
	}
	w.forget(request)
}

// rejectQueued fails a request that was never claimed.
func (w *WorkRequestWorker) rejectQueued(ctx context.Context, request *domain.WorkRequest, reason string) {
	processedAt := w.clock.Now()
	_, err := w.updater.update(ctx, request, repository.UpdateOptions{ExpectNullServerId: true}, expectStatus(domain.Queued, "", func(r *domain.WorkRequest) {
		r.RequestStatus = domain.Failed
		r.RequestStatusReason = reason
		r.ProcessedTimestamp = &processedAt
	}))
	if err != nil {
		logUpdateError(requestLogger(request), err)
	}
}

// requeue gives up this replica's claim on the request so that any replica may claim it again.
func (w *WorkRequestWorker) requeue(ctx context.Context, request *domain.WorkRequest, reason string) {
	_, err := w.updater.update(ctx, request, repository.UpdateOptions{}, expectStatus(request.RequestStatus, w.serverId, func(r *domain.WorkRequest) {
		r.RequestStatus = domain.Queued
		r.RequestStatusReason = reason
		r.ServerId = nil
		r.ClaimTimestamp = nil
		r.NonCachedInputs = nil
	}))
	if err != nil {
		logUpdateError(requestLogger(request), err)
	}
}

func (w *WorkRequestWorker) forget(request *domain.WorkRequest) {
	key := request.TaskKey()
	w.tasks.Remove(key)
	delete(w.lastStatusPoll, key)
	delete(w.resultFailures, key)
}

// CleanupFailedRequests releases the instances of requests that failed between FailedCleanupMaxAge and
// FailedCleanupMinAge ago. Releasing is idempotent, so requests failed by other replicas are included.
func (w *WorkRequestWorker) CleanupFailedRequests(ctx context.Context) {
	now := w.clock.Now()
	from := now.Add(-w.config.FailedCleanupMaxAge)
	to := now.Add(-w.config.FailedCleanupMinAge)
	failed, err := w.requests.Select(ctx, repository.RequestFilters{
		ModelIds:      w.modelIds,
		Statuses:      []domain.RequestStatus{domain.Failed},
		ProcessedFrom: &from,
		ProcessedTo:   &to,
		Limit:         w.config.FetchLimit,
	})
	if err != nil {
		logging.WithStacktrace(log.WithField("serverId", w.serverId), err).Warn("Failed to load failed requests")
		return
	}
	for _, request := range failed {
		if ctx.Err() != nil {
			return
		}
		released, err := w.instances.ReleaseInstance(ctx, request.ModelId, request.Id)
		if err != nil {
			logging.WithStacktrace(requestLogger(request), err).Warn("Failed to release instance of failed request")
			continue
		}
		if released {
			requestLogger(request).Info("Released instance of failed request")
		}
	}
}

func requestLogger(request *domain.WorkRequest) *log.Entry {
	return log.WithFields(log.Fields{"requestId": request.Id, "modelId": request.ModelId})
}

func logUpdateError(logger *log.Entry, err error) {
	if isAbandoned(err) {
		logger.Debug("Request was changed elsewhere, leaving it")
		return
	}
	logging.WithStacktrace(logger, err).Error("Failed to update request")
}
