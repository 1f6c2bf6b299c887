package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/logging"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
)

const (
	cpuMetric    = "container_cpu_usage_seconds_total"
	memoryMetric = "container_memory_working_set_bytes"
)

// InstanceMetricsCollector scrapes container metrics of every ready node and exports those
// belonging to model instances.
type InstanceMetricsCollector struct {
	provisioner provisioner.Provisioner
	cpu         *prometheus.GaugeVec
	memory      *prometheus.GaugeVec
}

func NewInstanceMetricsCollector(provisioner provisioner.Provisioner) *InstanceMetricsCollector {
	return &InstanceMetricsCollector{
		provisioner: provisioner,
		cpu:         instanceCpuSeconds,
		memory:      instanceMemoryBytes,
	}
}

// Collect replaces the exported instance gauges with a fresh scrape.
// A node that fails to scrape is logged and skipped.
func (c *InstanceMetricsCollector) Collect(ctx context.Context) {
	instances, err := c.provisioner.ListInstances(ctx, "")
	if err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Warn("Failed to list instances for metrics collection")
		return
	}
	managed := make(map[string]bool, len(instances))
	for _, i := range instances {
		managed[i.Name] = true
	}

	nodes, err := c.provisioner.ListNodes(ctx)
	if err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Warn("Failed to list nodes for metrics collection")
		return
	}

	c.cpu.Reset()
	c.memory.Reset()
	for _, node := range nodes {
		if !node.Ready {
			continue
		}
		samples, err := c.provisioner.ScrapeNodeMetrics(ctx, node.Name)
		if err != nil {
			logging.WithStacktrace(log.WithField("node", node.Name), err).Warn("Failed to scrape node metrics")
			continue
		}
		for _, s := range samples {
			if !managed[s.Pod] {
				continue
			}
			switch s.Name {
			case cpuMetric:
				c.cpu.WithLabelValues(node.Name, s.Pod, s.Container).Set(s.Value)
			case memoryMetric:
				c.memory.WithLabelValues(node.Name, s.Pod, s.Container).Set(s.Value)
			}
		}
	}
}
