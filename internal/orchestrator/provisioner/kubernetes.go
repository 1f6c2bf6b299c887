package provisioner

import (
	"bytes"
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/util"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
)

var _ Provisioner = &KubernetesProvisioner{}

// KubernetesProvisioner runs model instances as pods in a single namespace.
// Claims are written with resourceVersion checked updates, so of two concurrent attaches
// to the same free pod only one can succeed.
type KubernetesProvisioner struct {
	client   kubernetes.Interface
	config   configuration.KubernetesConfig
	serverId string
}

func NewKubernetesProvisioner(client kubernetes.Interface, config configuration.KubernetesConfig, serverId string) *KubernetesProvisioner {
	return &KubernetesProvisioner{
		client:   client,
		config:   config,
		serverId: serverId,
	}
}

func (p *KubernetesProvisioner) ListInstances(ctx context.Context, modelId string) ([]*Instance, error) {
	pods, err := p.listPods(ctx, modelId)
	if err != nil {
		return nil, err
	}
	instances := make([]*Instance, 0, len(pods))
	for i := range pods {
		instances = append(instances, toInstance(&pods[i]))
	}
	return instances, nil
}

func (p *KubernetesProvisioner) GetInstance(ctx context.Context, modelId string, name string) (*Instance, error) {
	pod, err := p.getPod(ctx, modelId, name)
	if err != nil || pod == nil {
		return nil, err
	}
	return toInstance(pod), nil
}

func (p *KubernetesProvisioner) GetInstanceByRequest(ctx context.Context, modelId string, requestId string) (*Instance, error) {
	pods, err := p.listPods(ctx, modelId)
	if err != nil {
		return nil, err
	}
	for i := range pods {
		if pods[i].Annotations[RequestIdAnnotation] == requestId {
			return toInstance(&pods[i]), nil
		}
	}
	return nil, nil
}

func (p *KubernetesProvisioner) CreateInstance(ctx context.Context, request CreateInstanceRequest) (*Instance, error) {
	annotations := util.MergeMaps(nil, request.Annotations)
	if annotations[RequestIdAnnotation] != "" && annotations[ServerIdAnnotation] == "" {
		annotations[ServerIdAnnotation] = p.serverId
	}
	pod := createPod(p.config, request, annotations)
	created, err := p.client.CoreV1().Pods(p.config.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	log.WithField("modelId", request.ModelId).Infof("Created instance %s", created.Name)
	return toInstance(created), nil
}

func (p *KubernetesProvisioner) AttachRequest(ctx context.Context, modelId string, name string, requestId string) (*Instance, error) {
	var result *Instance
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pod, err := p.getPod(ctx, modelId, name)
		if err != nil {
			return err
		}
		if pod == nil || pod.DeletionTimestamp != nil {
			return ErrInstanceUnavailable
		}
		switch pod.Annotations[RequestIdAnnotation] {
		case requestId:
			result = toInstance(pod)
			return nil
		case "":
		default:
			return ErrInstanceClaimed
		}

		pod.Annotations = util.MergeMaps(pod.Annotations, ClaimAnnotations(requestId, p.serverId))
		updated, err := p.client.CoreV1().Pods(p.config.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
		if err != nil {
			return err
		}
		result = toInstance(updated)
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

func (p *KubernetesProvisioner) ClearRequest(ctx context.Context, modelId string, name string) (*Instance, error) {
	var result *Instance
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pod, err := p.getPod(ctx, modelId, name)
		if err != nil || pod == nil {
			result = nil
			return err
		}
		if _, claimed := pod.Annotations[RequestIdAnnotation]; !claimed {
			result = toInstance(pod)
			return nil
		}
		delete(pod.Annotations, RequestIdAnnotation)
		delete(pod.Annotations, ServerIdAnnotation)
		updated, err := p.client.CoreV1().Pods(p.config.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
		if err != nil {
			return err
		}
		result = toInstance(updated)
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

func (p *KubernetesProvisioner) DeleteInstance(ctx context.Context, modelId string, name string) (bool, error) {
	pod, err := p.getPod(ctx, modelId, name)
	if err != nil || pod == nil {
		return false, err
	}
	err = p.client.CoreV1().Pods(p.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	log.WithField("modelId", modelId).Infof("Deleted instance %s", name)
	return true, nil
}

func (p *KubernetesProvisioner) DeleteInstancesByAnnotation(ctx context.Context, modelId string, annotations map[string]string) (int, error) {
	pods, err := p.listPods(ctx, modelId)
	if err != nil {
		return 0, err
	}
	var result *multierror.Error
	deleted := 0
	for i := range pods {
		if !matchesAnnotations(pods[i].Annotations, annotations) {
			continue
		}
		err := p.client.CoreV1().Pods(p.config.Namespace).Delete(ctx, pods[i].Name, metav1.DeleteOptions{})
		if k8serrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			result = multierror.Append(result, errors.WithStack(err))
			continue
		}
		deleted++
	}
	return deleted, result.ErrorOrNil()
}

func (p *KubernetesProvisioner) ListNodes(ctx context.Context) ([]*Node, error) {
	nodes, err := p.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*Node, 0, len(nodes.Items))
	for i := range nodes.Items {
		result = append(result, toNode(&nodes.Items[i]))
	}
	return result, nil
}

func (p *KubernetesProvisioner) ScrapeNodeMetrics(ctx context.Context, nodeName string) ([]*MetricSample, error) {
	raw, err := p.client.
		CoreV1().
		RESTClient().
		Get().
		Resource("nodes").
		Name(nodeName).
		SubResource("proxy", "metrics", "cadvisor").
		Do(ctx).
		Raw()
	if err != nil {
		return nil, errors.Wrapf(err, "scraping metrics of node %s", nodeName)
	}
	return ParseContainerMetrics(bytes.NewReader(raw), p.config.Namespace)
}

func (p *KubernetesProvisioner) listPods(ctx context.Context, modelId string) ([]v1.Pod, error) {
	selector := map[string]string{ManagedByLabel: ManagedByValue}
	if modelId != "" {
		selector[ModelIdLabel] = modelId
	}
	pods, err := p.client.CoreV1().Pods(p.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return pods.Items, nil
}

// getPod returns nil if the pod does not exist or belongs to another model.
func (p *KubernetesProvisioner) getPod(ctx context.Context, modelId string, name string) (*v1.Pod, error) {
	pod, err := p.client.CoreV1().Pods(p.config.Namespace).Get(ctx, name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if pod.Labels[ManagedByLabel] != ManagedByValue || (modelId != "" && pod.Labels[ModelIdLabel] != modelId) {
		return nil, nil
	}
	return pod, nil
}
