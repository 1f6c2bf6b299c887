package scheduler

import (
	"context"
	"encoding/json"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/logging"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/jobclient"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
)

// submissionTask sends the job of one request to its instance in the background.
// Its outcome fields are written before done is closed and must only be read afterwards.
type submissionTask struct {
	key          string
	requestId    int64
	modelId      string
	instanceName string
	mode         domain.ExecutionMode
	inputs       []string
	cancel       context.CancelFunc
	done         chan struct{}

	// Results of a synchronous job.
	results []json.RawMessage
	// Id of an asynchronous job.
	jobId string
	err   error
}

func (t *submissionTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// startSubmission spawns a submission task for request unless one is already running.
func (w *WorkRequestWorker) startSubmission(ctx context.Context, request *domain.WorkRequest, instanceName string, mode domain.ExecutionMode) {
	ctx, cancel := context.WithCancel(ctx)
	task := &submissionTask{
		key:          request.TaskKey(),
		requestId:    request.Id,
		modelId:      request.ModelId,
		instanceName: instanceName,
		mode:         mode,
		inputs:       request.JobInputs(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if !w.tasks.Add(task) {
		cancel()
		return
	}
	logger := log.WithFields(log.Fields{"requestId": request.Id, "modelId": request.ModelId})
	logger.Infof("Submitting job of %d inputs to instance %s", len(task.inputs), instanceName)

	go func() {
		defer cancel()
		defer close(task.done)
		defer func() {
			if r := recover(); r != nil {
				task.err = errors.Errorf("submission task panicked: %v", r)
				logger.Error(task.err)
			}
		}()
		task.results, task.jobId, task.err = w.submit(ctx, task, request)
		if task.err != nil {
			logging.WithStacktrace(logger, task.err).Warn("Job submission failed")
		}
	}()
}

// submit waits up to PodReadyTimeout for the instance, then gives the job SubmissionTimeout to be
// accepted, or to finish for a synchronous model.
func (w *WorkRequestWorker) submit(ctx context.Context, task *submissionTask, request *domain.WorkRequest) ([]json.RawMessage, string, error) {
	instance, err := w.waitForReady(ctx, task.modelId, task.instanceName)
	if err != nil {
		return nil, "", err
	}

	ready := w.clock.Now()
	request, err = w.updater.update(ctx, request, repository.UpdateOptions{}, expectStatus(domain.Processing, w.serverId, func(r *domain.WorkRequest) {
		r.PodReadyTimestamp = &ready
		if task.mode != domain.ExecutionModeAsync {
			r.JobSubmissionTimestamp = &ready
		}
	}))
	if err != nil {
		return nil, "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, w.config.SubmissionTimeout)
	defer cancel()
	baseUrl := jobclient.BaseUrl(instance.IP, w.containerPort)
	var results []json.RawMessage
	var jobId string
	err = retry.Do(
		func() error {
			var err error
			if task.mode == domain.ExecutionModeAsync {
				jobId, err = w.jobClient.Submit(runCtx, baseUrl, task.inputs)
			} else {
				results, err = w.jobClient.Run(runCtx, baseUrl, task.inputs)
			}
			return err
		},
		retry.Attempts(w.config.SubmitAttempts),
		retry.Delay(w.config.SubmitRetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(runCtx),
		retry.OnRetry(func(n uint, err error) {
			if n+1 < w.config.SubmitAttempts {
				log.WithField("requestId", task.requestId).Warnf("Job submission attempt %d failed: %v", n+1, err)
			}
		}),
	)
	if err != nil {
		return nil, "", err
	}
	if task.mode != domain.ExecutionModeAsync {
		return results, "", nil
	}

	submitted := w.clock.Now()
	_, err = w.updater.update(ctx, request, repository.UpdateOptions{}, expectStatus(domain.Processing, w.serverId, func(r *domain.WorkRequest) {
		r.ModelJobId = &jobId
		r.JobSubmissionTimestamp = &submitted
	}))
	if err != nil {
		return nil, "", errors.WithMessagef(err, "storing id of submitted job %s", jobId)
	}
	return nil, jobId, nil
}

// waitForReady polls the instance until it is ready to accept jobs.
func (w *WorkRequestWorker) waitForReady(ctx context.Context, modelId string, name string) (*provisioner.Instance, error) {
	deadline := w.clock.Now().Add(w.config.PodReadyTimeout)
	for {
		instance, err := w.provisioner.GetInstance(ctx, modelId, name)
		if err != nil {
			return nil, err
		}
		if instance == nil {
			return nil, errors.WithStack(&huberrors.ErrNotFound{Type: "instance", Value: name})
		}
		if instance.Ready && instance.IP != "" {
			return instance, nil
		}
		if !w.clock.Now().Before(deadline) {
			return nil, errors.WithStack(&huberrors.ErrTimeout{
				Operation: "waiting for instance " + name,
				Timeout:   w.config.PodReadyTimeout,
			})
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-w.clock.After(w.config.PodReadyPollInterval):
		}
	}
}
