package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/jobclient"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	failing bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]json.RawMessage{}}
}

func (c *fakeCache) put(modelId string, input string, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[modelId+"/"+input] = json.RawMessage(result)
}

func (c *fakeCache) Lookup(_ context.Context, modelId string, inputs []string) ([]domain.CachedResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return nil, errors.New("cache unavailable")
	}
	var hits []domain.CachedResult
	for _, input := range inputs {
		if result, ok := c.entries[modelId+"/"+input]; ok {
			hits = append(hits, domain.CachedResult{Input: input, Result: result})
		}
	}
	return hits, nil
}

func (c *fakeCache) Persist(_ context.Context, modelId string, inputs []string, results []json.RawMessage, _ string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, input := range inputs {
		c.entries[modelId+"/"+input] = results[i]
	}
	return len(inputs) > 0, nil
}

func (c *fakeCache) has(modelId string, input string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[modelId+"/"+input]
	return ok
}

// fakeJobClient answers every job with one {"r": input} result per input.
type fakeJobClient struct {
	mu        sync.Mutex
	runErr    error
	statusErr error
	resultErr error
	status    jobclient.JobStatus
	runs      int
	submitted map[string][]string
}

func newFakeJobClient() *fakeJobClient {
	return &fakeJobClient{status: jobclient.JobStatusCompleted, submitted: map[string][]string{}}
}

func (c *fakeJobClient) Run(_ context.Context, _ string, inputs []string) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	if c.runErr != nil {
		return nil, c.runErr
	}
	return resultsFor(inputs), nil
}

func (c *fakeJobClient) Submit(_ context.Context, _ string, inputs []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	if c.runErr != nil {
		return "", c.runErr
	}
	jobId := fmt.Sprintf("job-%d", len(c.submitted)+1)
	c.submitted[jobId] = inputs
	return jobId, nil
}

func (c *fakeJobClient) Status(_ context.Context, _ string, jobId string) (jobclient.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return "", c.statusErr
	}
	if _, ok := c.submitted[jobId]; !ok {
		return "", errors.Errorf("unknown job %s", jobId)
	}
	return c.status, nil
}

func (c *fakeJobClient) Result(_ context.Context, _ string, jobId string) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resultErr != nil {
		return nil, c.resultErr
	}
	return resultsFor(c.submitted[jobId]), nil
}

func (c *fakeJobClient) setStatusErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusErr = err
}

func (c *fakeJobClient) setResultErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resultErr = err
}

func (c *fakeJobClient) setStatus(status jobclient.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *fakeJobClient) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func resultsFor(inputs []string) []json.RawMessage {
	results := make([]json.RawMessage, len(inputs))
	for i, input := range inputs {
		results[i] = json.RawMessage(fmt.Sprintf(`{"r":%q}`, input))
	}
	return results
}

type countingInstanceManager struct {
	InstanceManager
	mu           sync.Mutex
	acquisitions map[string]int
}

func (m *countingInstanceManager) AcquireInstance(ctx context.Context, modelId string, requestId int64, timeout time.Duration) (*provisioner.Instance, error) {
	m.mu.Lock()
	m.acquisitions[modelId]++
	m.mu.Unlock()
	return m.InstanceManager.AcquireInstance(ctx, modelId, requestId, timeout)
}

func (m *countingInstanceManager) count(modelId string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquisitions[modelId]
}

// recordingRequests keeps a copy of every request it successfully updates.
type recordingRequests struct {
	repository.WorkRequestRepository
	mu      sync.Mutex
	updates []*domain.WorkRequest
}

func (r *recordingRequests) Update(ctx context.Context, request *domain.WorkRequest, opts repository.UpdateOptions) (*domain.WorkRequest, error) {
	updated, err := r.WorkRequestRepository.Update(ctx, request, opts)
	if err == nil {
		r.mu.Lock()
		r.updates = append(r.updates, updated.DeepCopy())
		r.mu.Unlock()
	}
	return updated, err
}

func (r *recordingRequests) statuses() []domain.RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]domain.RequestStatus, len(r.updates))
	for i, update := range r.updates {
		statuses[i] = update.RequestStatus
	}
	return statuses
}
