package domain

import (
	"time"
)

type RequestStatus string

const (
	Queued     RequestStatus = "QUEUED"
	Scheduling RequestStatus = "SCHEDULING"
	Processing RequestStatus = "PROCESSING"
	Failed     RequestStatus = "FAILED"
	Completed  RequestStatus = "COMPLETED"
)

// ActiveStatuses are the statuses the scheduler acts upon.
var ActiveStatuses = []RequestStatus{Queued, Scheduling, Processing}

// IsActive reports whether a request in this status is still owned by the scheduling loop.
func (s RequestStatus) IsActive() bool {
	return s == Queued || s == Scheduling || s == Processing
}

func (s RequestStatus) IsTerminal() bool {
	return s == Failed || s == Completed
}

// RequiresServer reports whether a request in this status must carry a server id.
func (s RequestStatus) RequiresServer() bool {
	return s == Scheduling || s == Processing
}

func (s RequestStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// Reasons recorded on requests by the scheduler and the recovery handler.
const (
	ReasonFailedToAcquireInstance = "FAILED TO ACQUIRE MODEL INSTANCE"
	ReasonFailedToFindInstance    = "FAILED TO FIND REQUESTED INSTANCE"
	ReasonRequeued                = "REQUEUED"
	ReasonModelNotFound           = "MODEL NOT FOUND"
	ReasonInstanceMissing         = "MODEL INSTANCE NOT FOUND"
	ReasonJobIdMissing            = "JOB SUBMISSION DID NOT COMPLETE"
	ReasonJobFailed               = "JOB FAILED"
	ReasonJobTimedOut             = "JOB TIMED OUT"
	ReasonResultMissing           = "JOB RESULT MISSING"
	ReasonEmptyResult             = "JOB RESULT EMPTY"
	ReasonResultUploadFailed      = "FAILED TO UPLOAD RESULT"
)

type RequestPayload struct {
	Entries []string `json:"entries"`
}

type WorkRequest struct {
	Id                     int64          `json:"id"`
	ModelId                string         `json:"model_id"`
	UserId                 string         `json:"user_id"`
	SessionId              string         `json:"session_id,omitempty"`
	RequestPayload         RequestPayload `json:"request_payload"`
	NonCachedInputs        []string       `json:"non_cached_inputs,omitempty"`
	CacheOptIn             bool           `json:"cache_opt_in"`
	RequestStatus          RequestStatus  `json:"request_status"`
	RequestStatusReason    string         `json:"request_status_reason,omitempty"`
	ModelJobId             *string        `json:"model_job_id,omitempty"`
	ServerId               *string        `json:"server_id,omitempty"`
	RequestDate            time.Time      `json:"request_date"`
	ClaimTimestamp         *time.Time     `json:"claim_timestamp,omitempty"`
	PodReadyTimestamp      *time.Time     `json:"pod_ready_timestamp,omitempty"`
	JobSubmissionTimestamp *time.Time     `json:"job_submission_timestamp,omitempty"`
	ProcessedTimestamp     *time.Time     `json:"processed_timestamp,omitempty"`
	LastUpdated            time.Time      `json:"last_updated"`
}

// DeepCopy returns a copy sharing no slices or pointers with r.
func (r *WorkRequest) DeepCopy() *WorkRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.RequestPayload.Entries = copyStrings(r.RequestPayload.Entries)
	c.NonCachedInputs = copyStrings(r.NonCachedInputs)
	c.ModelJobId = copyString(r.ModelJobId)
	c.ServerId = copyString(r.ServerId)
	c.ClaimTimestamp = copyTime(r.ClaimTimestamp)
	c.PodReadyTimestamp = copyTime(r.PodReadyTimestamp)
	c.JobSubmissionTimestamp = copyTime(r.JobSubmissionTimestamp)
	c.ProcessedTimestamp = copyTime(r.ProcessedTimestamp)
	return &c
}

// Owner returns the server id or the empty string when unclaimed.
func (r *WorkRequest) Owner() string {
	if r.ServerId == nil {
		return ""
	}
	return *r.ServerId
}

func (r *WorkRequest) JobId() string {
	if r.ModelJobId == nil {
		return ""
	}
	return *r.ModelJobId
}

// JobInputs returns the inputs sent to the model instance: the non-cached inputs when a
// cache split was persisted, otherwise the whole payload.
func (r *WorkRequest) JobInputs() []string {
	if r.NonCachedInputs != nil {
		return r.NonCachedInputs
	}
	return r.RequestPayload.Entries
}

// TaskKey identifies the in-flight submission of this request.
func (r *WorkRequest) TaskKey() string {
	return TaskKey(r.ModelId, r.Id)
}

// HasConsistentOwnership checks that a server id is present exactly when the status requires one.
func (r *WorkRequest) HasConsistentOwnership() bool {
	return (r.ServerId != nil) == r.RequestStatus.RequiresServer()
}

type Server struct {
	ServerId    string    `json:"server_id"`
	IsHealthy   bool      `json:"is_healthy"`
	StartupTime time.Time `json:"startup_time"`
	LastCheckIn time.Time `json:"last_check_in"`
}

type ExecutionMode string

const (
	ExecutionModeSync  ExecutionMode = "SYNC"
	ExecutionModeAsync ExecutionMode = "ASYNC"
)

// UnlimitedInstances as MaxInstances lifts the per model instance bound.
const UnlimitedInstances = -1

type ScalingInfo struct {
	Enabled      bool `json:"enabled"`
	MaxInstances int  `json:"max_instances"`
	MinInstances int  `json:"min_instances"`
}

// AllowsAnotherInstance reports whether a model with current instances may create one more.
func (s ScalingInfo) AllowsAnotherInstance(current int) bool {
	return s.MaxInstances == UnlimitedInstances || current < s.MaxInstances
}

type ModelDetails struct {
	ExecutionMode       ExecutionMode `json:"execution_mode"`
	Scaling             ScalingInfo   `json:"scaling"`
	Size                string        `json:"size,omitempty"`
	MemoryLimitDisabled bool          `json:"memory_limit_disabled"`
	Image               string        `json:"image,omitempty"`
}

type Model struct {
	Id      string       `json:"id"`
	Enabled bool         `json:"enabled"`
	Details ModelDetails `json:"details"`
}

func TaskKey(modelId string, requestId int64) string {
	return modelId + "_" + formatInt(requestId)
}
