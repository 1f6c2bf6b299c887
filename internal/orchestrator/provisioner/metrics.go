package provisioner

import (
	"io"
	"regexp"

	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// ContainerMetricsRegex selects the metric families kept from a node's cadvisor endpoint.
var ContainerMetricsRegex = regexp.MustCompile(`^(container_cpu_usage_seconds_total|container_memory_working_set_bytes)$`)

// ParseContainerMetrics reads the text exposition format and returns the samples of the
// container metrics for pods in namespace. An empty namespace keeps every namespace.
func ParseContainerMetrics(r io.Reader, namespace string) ([]*MetricSample, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	samples := []*MetricSample{}
	for name, family := range families {
		if !ContainerMetricsRegex.MatchString(name) {
			continue
		}
		for _, metric := range family.GetMetric() {
			sample := &MetricSample{Name: name, Value: metricValue(family.GetType(), metric)}
			for _, label := range metric.GetLabel() {
				switch label.GetName() {
				case "namespace":
					sample.Namespace = label.GetValue()
				case "pod":
					sample.Pod = label.GetValue()
				case "container":
					sample.Container = label.GetValue()
				}
			}
			// Pod level aggregates carry no container label.
			if sample.Pod == "" || sample.Container == "" {
				continue
			}
			if namespace != "" && sample.Namespace != namespace {
				continue
			}
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

func metricValue(metricType dto.MetricType, metric *dto.Metric) float64 {
	switch metricType {
	case dto.MetricType_COUNTER:
		return metric.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return metric.GetGauge().GetValue()
	default:
		return metric.GetUntyped().GetValue()
	}
}
