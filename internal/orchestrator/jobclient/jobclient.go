package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Client talks to the HTTP server running inside a model instance.
type Client interface {
	// Run executes the inputs synchronously and returns one result per input.
	Run(ctx context.Context, baseUrl string, inputs []string) ([]json.RawMessage, error)
	// Submit starts an asynchronous job and returns its id.
	Submit(ctx context.Context, baseUrl string, inputs []string) (string, error)
	Status(ctx context.Context, baseUrl string, jobId string) (JobStatus, error)
	Result(ctx context.Context, baseUrl string, jobId string) ([]json.RawMessage, error)
}

type runRequest struct {
	Inputs []string `json:"inputs"`
}

type resultsResponse struct {
	Results []json.RawMessage `json:"results"`
}

type submitResponse struct {
	JobId string `json:"job_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// HttpClient implements Client. Submissions are sent once, callers decide whether to retry them;
// status and result reads are idempotent and retried with backoff.
type HttpClient struct {
	post *http.Client
	get  *retryablehttp.Client
}

func NewHttpClient(config configuration.JobClientConfig) *HttpClient {
	get := retryablehttp.NewClient()
	get.HTTPClient.Timeout = config.RequestTimeout
	get.RetryMax = config.RetryMax
	if config.RetryWaitMin > 0 {
		get.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		get.RetryWaitMax = config.RetryWaitMax
	}
	get.Logger = leveledLogger{log.WithField("component", "jobclient")}
	return &HttpClient{
		post: &http.Client{},
		get:  get,
	}
}

func BaseUrl(ip string, port int32) string {
	return fmt.Sprintf("http://%s:%d", ip, port)
}

func (c *HttpClient) Run(ctx context.Context, baseUrl string, inputs []string) ([]json.RawMessage, error) {
	var response resultsResponse
	if err := c.postJson(ctx, baseUrl+"/run", runRequest{Inputs: inputs}, &response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (c *HttpClient) Submit(ctx context.Context, baseUrl string, inputs []string) (string, error) {
	var response submitResponse
	if err := c.postJson(ctx, baseUrl+"/job/submit", runRequest{Inputs: inputs}, &response); err != nil {
		return "", err
	}
	if response.JobId == "" {
		return "", errors.New("job submission returned no job id")
	}
	return response.JobId, nil
}

func (c *HttpClient) Status(ctx context.Context, baseUrl string, jobId string) (JobStatus, error) {
	var response statusResponse
	if err := c.getJson(ctx, baseUrl+"/job/status?job_id="+url.QueryEscape(jobId), &response); err != nil {
		return "", err
	}
	return JobStatus(strings.ToUpper(response.Status)), nil
}

func (c *HttpClient) Result(ctx context.Context, baseUrl string, jobId string) ([]json.RawMessage, error) {
	var response resultsResponse
	if err := c.getJson(ctx, baseUrl+"/job/result?job_id="+url.QueryEscape(jobId), &response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (c *HttpClient) postJson(ctx context.Context, endpoint string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.post.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	return decode(resp, endpoint, out)
}

func (c *HttpClient) getJson(ctx context.Context, endpoint string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	resp, err := c.get.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	return decode(resp, endpoint, out)
}

func decode(resp *http.Response, endpoint string, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decoding response of %s", endpoint)
}

type leveledLogger struct {
	entry *log.Entry
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Warn(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Warn(msg)
}

func fields(keysAndValues []interface{}) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
