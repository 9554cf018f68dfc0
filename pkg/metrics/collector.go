package metrics

import (
	"context"
	"fmt"
	"math"

	"nomad-idle-scaler/pkg/models"

	"k8s.io/klog/v2"
)

// Queries holds the PromQL used for one transition cycle
type Queries struct {
	JobMemory  string `yaml:"jobMemory"`
	NodeCPU    string `yaml:"nodeCPU"`
	NodeMemory string `yaml:"nodeMemory"`
}

const (
	defaultJobMemoryQuery = `
max by (exported_job, task_group, namespace) (
  (
    avg_over_time(nomad_client_allocs_memory_usage[2d])
    -
    avg_over_time(nomad_client_allocs_memory_cache[2d])
  )
  /
  avg_over_time(nomad_client_allocs_memory_allocated[2d])
  * 100
)`

	defaultNodeCPUQuery = `
100 - avg by (nodename) (
  rate(node_cpu_seconds_total{mode="idle"}[1m]) * 100
)`

	defaultNodeMemoryQuery = `
(1 - (
  node_memory_MemAvailable_bytes
  /
  node_memory_MemTotal_bytes
)) * 100`
)

// Label names read from query results
const (
	LabelJob       = "exported_job"
	LabelTaskGroup = "task_group"
	LabelNamespace = "namespace"
	LabelNodeName  = "nodename"
)

// DefaultQueries returns the job memory ratio and node CPU/memory queries.
func DefaultQueries() Queries {
	return Queries{
		JobMemory:  defaultJobMemoryQuery,
		NodeCPU:    defaultNodeCPUQuery,
		NodeMemory: defaultNodeMemoryQuery,
	}
}

// Collector turns raw query results into utilization samples
type Collector struct {
	querier Querier
	queries Queries
}

func NewCollector(querier Querier, queries Queries) *Collector {
	defaults := DefaultQueries()
	if queries.JobMemory == "" {
		queries.JobMemory = defaults.JobMemory
	}
	if queries.NodeCPU == "" {
		queries.NodeCPU = defaults.NodeCPU
	}
	if queries.NodeMemory == "" {
		queries.NodeMemory = defaults.NodeMemory
	}
	return &Collector{querier: querier, queries: queries}
}

// GetJobMemory returns per task group memory utilization in query result order.
func (c *Collector) GetJobMemory(ctx context.Context) ([]models.JobUtilization, error) {
	samples, err := c.querier.Query(ctx, c.queries.JobMemory)
	if err != nil {
		return nil, fmt.Errorf("job memory query: %w", err)
	}

	results := make([]models.JobUtilization, 0, len(samples))
	for _, s := range samples {
		job := s.Labels[LabelJob]
		if job == "" {
			continue
		}
		// allocated memory of zero yields NaN
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			klog.V(3).Infof("Skipping job %s: non-finite memory utilization", job)
			continue
		}
		results = append(results, models.JobUtilization{
			Job:       job,
			TaskGroup: s.Labels[LabelTaskGroup],
			Namespace: s.Labels[LabelNamespace],
			MemoryPct: models.Round2(s.Value),
		})
	}
	return results, nil
}

// GetNodeCPU returns per node CPU utilization in query result order.
func (c *Collector) GetNodeCPU(ctx context.Context) ([]models.UtilizationSample, error) {
	return c.nodeSamples(ctx, c.queries.NodeCPU, models.MetricCPU)
}

// GetNodeMemory returns per node memory utilization in query result order.
func (c *Collector) GetNodeMemory(ctx context.Context) ([]models.UtilizationSample, error) {
	return c.nodeSamples(ctx, c.queries.NodeMemory, models.MetricMemory)
}

func (c *Collector) nodeSamples(ctx context.Context, query string, kind models.MetricKind) ([]models.UtilizationSample, error) {
	samples, err := c.querier.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("node %s query: %w", kind, err)
	}

	results := make([]models.UtilizationSample, 0, len(samples))
	for _, s := range samples {
		node := s.Labels[LabelNodeName]
		if node == "" {
			continue
		}
		results = append(results, models.UtilizationSample{
			Entity: node,
			Kind:   kind,
			Value:  models.Round2(s.Value),
			Labels: s.Labels,
		})
	}
	return results, nil
}
