package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/util"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
)

type instance struct {
	provisioner.Instance
	annotations map[string]string
}

var _ provisioner.Provisioner = &Provisioner{}

// Provisioner is an in-memory provisioner.Provisioner for tests.
// Created instances are running and ready unless StartPending is set.
type Provisioner struct {
	mu        sync.Mutex
	serverId  string
	clock     clock.Clock
	instances map[string]*instance
	counter   int

	StartPending bool
	CreateErr    error
	ListErr      error
	Nodes        []*provisioner.Node
	Metrics      map[string][]*provisioner.MetricSample
	Created      []string
	Deleted      []string
}

func NewProvisioner(serverId string, clock clock.Clock) *Provisioner {
	return &Provisioner{
		serverId:  serverId,
		clock:     clock,
		instances: map[string]*instance{},
		Metrics:   map[string][]*provisioner.MetricSample{},
	}
}

// AddInstance registers an existing instance, e.g. one created by another replica.
func (p *Provisioner) AddInstance(i provisioner.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	annotations := map[string]string{}
	if i.RequestId != "" {
		annotations[provisioner.RequestIdAnnotation] = i.RequestId
		annotations[provisioner.ServerIdAnnotation] = i.ServerId
	}
	p.instances[i.Name] = &instance{Instance: i, annotations: annotations}
}

// SetReady marks an instance as running and ready, or not ready.
func (p *Provisioner) SetReady(name string, ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.instances[name]; ok {
		i.Ready = ready
		if ready {
			i.Phase = provisioner.PhaseRunning
			i.IP = "10.0.0." + fmt.Sprint(len(name))
			now := p.clock.Now()
			i.StartedAt = &now
		}
	}
}

// Remove drops an instance without recording a deletion, as if it crashed.
func (p *Provisioner) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.instances, name)
}

func (p *Provisioner) Count(modelId string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, i := range p.instances {
		if i.ModelId == modelId {
			count++
		}
	}
	return count
}

func (p *Provisioner) ListInstances(_ context.Context, modelId string) ([]*provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	result := []*provisioner.Instance{}
	for _, i := range p.instances {
		if modelId == "" || i.ModelId == modelId {
			result = append(result, i.copy())
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Name < result[b].Name })
	return result, nil
}

func (p *Provisioner) GetInstance(_ context.Context, modelId string, name string) (*provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.get(modelId, name)
	if i == nil {
		return nil, nil
	}
	return i.copy(), nil
}

func (p *Provisioner) GetInstanceByRequest(_ context.Context, modelId string, requestId string) (*provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, i := range p.instances {
		if i.ModelId == modelId && i.RequestId == requestId {
			return i.copy(), nil
		}
	}
	return nil, nil
}

func (p *Provisioner) CreateInstance(_ context.Context, request provisioner.CreateInstanceRequest) (*provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.counter++
	annotations := util.MergeMaps(nil, request.Annotations)
	if annotations[provisioner.RequestIdAnnotation] != "" && annotations[provisioner.ServerIdAnnotation] == "" {
		annotations[provisioner.ServerIdAnnotation] = p.serverId
	}
	now := p.clock.Now()
	i := &instance{
		Instance: provisioner.Instance{
			Name:      fmt.Sprintf("%s-%d", request.ModelId, p.counter),
			ModelId:   request.ModelId,
			Phase:     provisioner.PhasePending,
			RequestId: annotations[provisioner.RequestIdAnnotation],
			ServerId:  annotations[provisioner.ServerIdAnnotation],
			CreatedAt: now,
		},
		annotations: annotations,
	}
	if !p.StartPending {
		i.Phase = provisioner.PhaseRunning
		i.Ready = true
		i.IP = "10.0.0." + fmt.Sprint(p.counter)
		i.StartedAt = &now
	}
	p.instances[i.Name] = i
	p.Created = append(p.Created, i.Name)
	return i.copy(), nil
}

func (p *Provisioner) AttachRequest(_ context.Context, modelId string, name string, requestId string) (*provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.get(modelId, name)
	if i == nil || i.Terminating {
		return nil, errors.WithStack(provisioner.ErrInstanceUnavailable)
	}
	switch i.RequestId {
	case requestId:
	case "":
		i.RequestId = requestId
		i.ServerId = p.serverId
		i.annotations = util.MergeMaps(i.annotations, provisioner.ClaimAnnotations(requestId, p.serverId))
	default:
		return nil, errors.WithStack(provisioner.ErrInstanceClaimed)
	}
	return i.copy(), nil
}

func (p *Provisioner) ClearRequest(_ context.Context, modelId string, name string) (*provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.get(modelId, name)
	if i == nil {
		return nil, nil
	}
	i.RequestId = ""
	i.ServerId = ""
	delete(i.annotations, provisioner.RequestIdAnnotation)
	delete(i.annotations, provisioner.ServerIdAnnotation)
	return i.copy(), nil
}

func (p *Provisioner) DeleteInstance(_ context.Context, modelId string, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.get(modelId, name) == nil {
		return false, nil
	}
	delete(p.instances, name)
	p.Deleted = append(p.Deleted, name)
	return true, nil
}

func (p *Provisioner) DeleteInstancesByAnnotation(_ context.Context, modelId string, annotations map[string]string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	deleted := 0
	for name, i := range p.instances {
		if modelId != "" && i.ModelId != modelId {
			continue
		}
		matches := true
		for k, v := range annotations {
			if i.annotations[k] != v {
				matches = false
			}
		}
		if matches {
			delete(p.instances, name)
			p.Deleted = append(p.Deleted, name)
			deleted++
		}
	}
	return deleted, nil
}

func (p *Provisioner) ListNodes(_ context.Context) ([]*provisioner.Node, error) {
	return p.Nodes, nil
}

func (p *Provisioner) ScrapeNodeMetrics(_ context.Context, nodeName string) ([]*provisioner.MetricSample, error) {
	samples, ok := p.Metrics[nodeName]
	if !ok {
		return nil, errors.Errorf("no metrics for node %s", nodeName)
	}
	return samples, nil
}

func (p *Provisioner) get(modelId string, name string) *instance {
	i, ok := p.instances[name]
	if !ok || (modelId != "" && i.ModelId != modelId) {
		return nil
	}
	return i
}

func (i *instance) copy() *provisioner.Instance {
	c := i.Instance
	if i.StartedAt != nil {
		started := *i.StartedAt
		c.StartedAt = &started
	}
	return &c
}

// Age is a helper for tests that need instances created in the past.
func Age(i provisioner.Instance, age time.Duration, now time.Time) provisioner.Instance {
	created := now.Add(-age)
	i.CreatedAt = created
	i.StartedAt = &created
	return i
}
