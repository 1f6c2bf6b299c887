package provisioner

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	ModelIdLabel        = "hub.ersilia.io/model-id"
	ManagedByLabel      = "app.kubernetes.io/managed-by"
	ManagedByValue      = "ersilia-hub"
	RequestIdAnnotation = "hub.ersilia.io/request-id"
	ServerIdAnnotation  = "hub.ersilia.io/server-id"
)

var (
	// ErrInstanceClaimed is returned when attaching a request to an instance already tagged with another request.
	ErrInstanceClaimed = errors.New("instance is claimed by another request")
	// ErrInstanceUnavailable is returned when attaching a request to an instance that is gone or shutting down.
	ErrInstanceUnavailable = errors.New("instance is not available")
)

type InstancePhase string

const (
	PhasePending   InstancePhase = "Pending"
	PhaseRunning   InstancePhase = "Running"
	PhaseSucceeded InstancePhase = "Succeeded"
	PhaseFailed    InstancePhase = "Failed"
	PhaseUnknown   InstancePhase = "Unknown"
)

// Instance is a compute pod serving one model.
type Instance struct {
	Name    string
	ModelId string
	Phase   InstancePhase
	Ready   bool
	IP      string
	// Request the instance is claimed by, empty when free.
	RequestId string
	// Server that claimed the instance, empty when free.
	ServerId    string
	CreatedAt   time.Time
	StartedAt   *time.Time
	Terminating bool
}

func (i *Instance) IsClaimed() bool {
	return i.RequestId != ""
}

// IsTransient reports whether the instance is starting up or shutting down.
func (i *Instance) IsTransient() bool {
	return i.Terminating || i.Phase == PhasePending
}

// IsUsable reports whether the instance can still serve requests, now or once started.
func (i *Instance) IsUsable() bool {
	return !i.Terminating && (i.Phase == PhasePending || i.Phase == PhaseRunning)
}

type CreateInstanceRequest struct {
	ModelId string
	// Size profile name; the configured default is used when empty.
	Size                string
	Image               string
	MemoryLimitDisabled bool
	Annotations         map[string]string
}

type Node struct {
	Name     string
	Ready    bool
	CpuMilli int64
	Memory   int64
}

// MetricSample is one value scraped from a node's container metrics.
type MetricSample struct {
	Name      string
	Namespace string
	Pod       string
	Container string
	Value     float64
}

// Provisioner manages model instances. Ownership of an instance by a request is expressed only
// through the request annotation, which is changed exclusively by AttachRequest and ClearRequest.
type Provisioner interface {
	// ListInstances returns the instances of a model, or of every model when modelId is empty.
	ListInstances(ctx context.Context, modelId string) ([]*Instance, error)
	// GetInstance returns nil if the instance does not exist.
	GetInstance(ctx context.Context, modelId string, name string) (*Instance, error)
	// GetInstanceByRequest returns the instance claimed by requestId, or nil.
	GetInstanceByRequest(ctx context.Context, modelId string, requestId string) (*Instance, error)
	CreateInstance(ctx context.Context, request CreateInstanceRequest) (*Instance, error)
	// AttachRequest claims an instance for requestId. Attaching the request the instance already
	// carries succeeds without change; attaching to an instance claimed by a different request
	// returns ErrInstanceClaimed.
	AttachRequest(ctx context.Context, modelId string, name string, requestId string) (*Instance, error)
	// ClearRequest frees an instance. Returns nil if the instance does not exist.
	ClearRequest(ctx context.Context, modelId string, name string) (*Instance, error)
	// DeleteInstance returns false if the instance did not exist.
	DeleteInstance(ctx context.Context, modelId string, name string) (bool, error)
	// DeleteInstancesByAnnotation deletes every instance of the model carrying all given annotations
	// and returns how many were deleted.
	DeleteInstancesByAnnotation(ctx context.Context, modelId string, annotations map[string]string) (int, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	// ScrapeNodeMetrics returns the container cpu and memory samples exposed by a node.
	ScrapeNodeMetrics(ctx context.Context, nodeName string) ([]*MetricSample, error)
}

// ClaimAnnotations returns the annotations tagging an instance with a request owned by serverId.
func ClaimAnnotations(requestId string, serverId string) map[string]string {
	return map[string]string{
		RequestIdAnnotation: requestId,
		ServerIdAnnotation:  serverId,
	}
}

func matchesAnnotations(instanceAnnotations map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if instanceAnnotations[k] != v {
			return false
		}
	}
	return true
}
