package models

import "math"

// MetricKind identifies which resource a utilization sample measures
type MetricKind string

const (
	MetricCPU    MetricKind = "cpu"
	MetricMemory MetricKind = "memory"
)

// UtilizationSample is one labeled value returned by a utilization query
type UtilizationSample struct {
	Entity string            `json:"entity"` // node name, job name, ...
	Kind   MetricKind        `json:"kind"`
	Value  float64           `json:"value"` // percent, 0-100
	Labels map[string]string `json:"labels,omitempty"`
}

// JobUtilization is the memory utilization of one job's task group
type JobUtilization struct {
	Job       string  `json:"job"` // exported_job label, may be either variant
	TaskGroup string  `json:"task_group"`
	Namespace string  `json:"namespace"`
	MemoryPct float64 `json:"memory_pct"`
}

// NodeStatus joins the CPU and memory utilization of a node
type NodeStatus struct {
	Name   string  `json:"name"`
	CPUPct float64 `json:"cpu_pct"`
	MemPct float64 `json:"mem_pct"`
}

// ResourceProfile is the sizing submitted for a job variant
type ResourceProfile struct {
	CPU      int `json:"cpu"` // MHz
	MemoryMB int `json:"memory_mb"`
}

// JobPlacement records a variant submitted by the transition engine
type JobPlacement struct {
	Identity     JobIdentity     `json:"identity"`
	Variant      Variant         `json:"variant"`
	NodeName     string          `json:"node_name,omitempty"` // empty: placed by the orchestrator
	Profile      ResourceProfile `json:"profile"`
	ArtifactPath string          `json:"artifact_path"`
}

// JobName returns the orchestrator name of the placed variant
func (p JobPlacement) JobName() string {
	return p.Identity.NameFor(p.Variant)
}

// Decision is the transition chosen for a job in a cycle
type Decision string

const (
	DecisionScaleDown Decision = "ScaleDown"
	DecisionScaleUp   Decision = "ScaleUp"
	DecisionNoOp      Decision = "NoOp"
)

// Round2 rounds a utilization value to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
