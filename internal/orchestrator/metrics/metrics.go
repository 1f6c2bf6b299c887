package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "hub_orchestrator_"

var requestTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "request_transitions_total",
		Help: "Number of work request state transitions by model and new status",
	},
	[]string{"model", "status"})

var instanceAcquisitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "instance_acquisitions_total",
		Help: "Number of instance acquisition attempts by model and outcome",
	},
	[]string{"model", "outcome"})

var inFlightSubmissions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "submission_tasks_in_flight",
		Help: "Number of job submission tasks currently tracked by this replica",
	})

var modelInstances = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "model_instances",
		Help: "Number of model instances by model and whether they are claimed",
	},
	[]string{"model", "claimed"})

var instanceCpuSeconds = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "instance_cpu_usage_seconds",
		Help: "Cumulative cpu time consumed by a model instance container, as scraped from its node",
	},
	[]string{"node", "pod", "container"})

var instanceMemoryBytes = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "instance_memory_working_set_bytes",
		Help: "Working set of a model instance container, as scraped from its node",
	},
	[]string{"node", "pod", "container"})

func RecordTransition(modelId string, status string) {
	requestTransitions.WithLabelValues(modelId, status).Inc()
}

func RecordAcquisition(modelId string, outcome string) {
	instanceAcquisitions.WithLabelValues(modelId, outcome).Inc()
}

func SetInFlightSubmissions(count int) {
	inFlightSubmissions.Set(float64(count))
}

func SetModelInstances(modelId string, claimed int, free int) {
	modelInstances.WithLabelValues(modelId, "true").Set(float64(claimed))
	modelInstances.WithLabelValues(modelId, "false").Set(float64(free))
}
