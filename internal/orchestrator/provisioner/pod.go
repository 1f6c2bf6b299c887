package provisioner

import (
	"fmt"
	"strings"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/util"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
)

const modelContainerName = "model"

// InstanceName returns a new unique pod name for a model.
func InstanceName(modelId string) string {
	return strings.ToLower(modelId) + "-" + util.NewULID()
}

func createPod(config configuration.KubernetesConfig, request CreateInstanceRequest, annotations map[string]string) *v1.Pod {
	image := request.Image
	if image == "" {
		image = fmt.Sprintf(config.ImageTemplate, request.ModelId)
	}

	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      InstanceName(request.ModelId),
			Namespace: config.Namespace,
			Labels: map[string]string{
				ModelIdLabel:   request.ModelId,
				ManagedByLabel: ManagedByValue,
			},
			Annotations: annotations,
		},
		Spec: v1.PodSpec{
			RestartPolicy: v1.RestartPolicyAlways,
			Containers: []v1.Container{
				{
					Name:            modelContainerName,
					Image:           image,
					ImagePullPolicy: v1.PullPolicy(config.ImagePullPolicy),
					Ports: []v1.ContainerPort{
						{Name: "http", ContainerPort: config.ContainerPort, Protocol: v1.ProtocolTCP},
					},
					Resources: resourceRequirements(config, request),
					ReadinessProbe: &v1.Probe{
						ProbeHandler: v1.ProbeHandler{
							TCPSocket: &v1.TCPSocketAction{Port: intstr.FromInt(int(config.ContainerPort))},
						},
						PeriodSeconds: 5,
					},
				},
			},
		},
	}
}

func resourceRequirements(config configuration.KubernetesConfig, request CreateInstanceRequest) v1.ResourceRequirements {
	size := request.Size
	if _, ok := config.SizeProfiles[size]; !ok {
		size = config.DefaultSize
	}
	profile := config.SizeProfiles[size]

	requests := v1.ResourceList{}
	limits := v1.ResourceList{}
	if !profile.Cpu.IsZero() {
		requests[v1.ResourceCPU] = profile.Cpu.DeepCopy()
	}
	if !profile.Memory.IsZero() {
		requests[v1.ResourceMemory] = profile.Memory.DeepCopy()
		if !request.MemoryLimitDisabled {
			limits[v1.ResourceMemory] = profile.Memory.DeepCopy()
		}
	}
	return v1.ResourceRequirements{Requests: requests, Limits: limits}
}

func toInstance(pod *v1.Pod) *Instance {
	instance := &Instance{
		Name:        pod.Name,
		ModelId:     pod.Labels[ModelIdLabel],
		Phase:       toPhase(pod.Status.Phase),
		Ready:       isReady(pod),
		IP:          pod.Status.PodIP,
		RequestId:   pod.Annotations[RequestIdAnnotation],
		ServerId:    pod.Annotations[ServerIdAnnotation],
		CreatedAt:   pod.CreationTimestamp.Time,
		Terminating: pod.DeletionTimestamp != nil,
	}
	if pod.Status.StartTime != nil {
		started := pod.Status.StartTime.Time
		instance.StartedAt = &started
	}
	return instance
}

func toPhase(phase v1.PodPhase) InstancePhase {
	switch phase {
	case v1.PodPending, "":
		return PhasePending
	case v1.PodRunning:
		return PhaseRunning
	case v1.PodSucceeded:
		return PhaseSucceeded
	case v1.PodFailed:
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}

func isReady(pod *v1.Pod) bool {
	if pod.Status.Phase != v1.PodRunning || pod.DeletionTimestamp != nil {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == v1.PodReady {
			return condition.Status == v1.ConditionTrue
		}
	}
	return false
}

func toNode(node *v1.Node) *Node {
	result := &Node{Name: node.Name}
	for _, condition := range node.Status.Conditions {
		if condition.Type == v1.NodeReady {
			result.Ready = condition.Status == v1.ConditionTrue
		}
	}
	if cpu, ok := node.Status.Allocatable[v1.ResourceCPU]; ok {
		result.CpuMilli = cpu.MilliValue()
	}
	if memory, ok := node.Status.Allocatable[v1.ResourceMemory]; ok {
		result.Memory = memory.Value()
	}
	return result
}

