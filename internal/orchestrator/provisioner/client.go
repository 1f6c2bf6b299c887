package provisioner

import (
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
)

// NewKubernetesClient builds a client from the configured kubeconfig, falling back to the
// in-cluster configuration and then to the default loading rules.
func NewKubernetesClient(config configuration.KubernetesConfig) (kubernetes.Interface, error) {
	restConfig, err := loadConfig(config.KubeConfigPath)
	if err != nil {
		return nil, err
	}
	if config.QPS > 0 {
		restConfig.QPS = config.QPS
	}
	if config.Burst > 0 {
		restConfig.Burst = config.Burst
	}
	return kubernetes.NewForConfig(restConfig)
}

func loadConfig(kubeConfigPath string) (*rest.Config, error) {
	if kubeConfigPath != "" {
		log.Infof("Running with kubeconfig %s", kubeConfigPath)
		return clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	}
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}
