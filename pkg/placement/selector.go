// Package placement picks the node a new job variant is pinned to.
package placement

import (
	"strings"

	"nomad-idle-scaler/pkg/models"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

const (
	DefaultThreshold    = 90.0
	DefaultWorkerPrefix = "Worker"
)

// DefaultExcludedNodes are never used as placement targets.
var DefaultExcludedNodes = []string{"Worker-05", "Worker-06"}

// Options configures a Selector.
type Options struct {
	// Threshold is the CPU and memory ceiling, in percent, of an eligible node
	Threshold float64
	// WorkerPrefix filters samples down to worker-class nodes
	WorkerPrefix string
	// Excluded nodes are unioned with the exclusions of every Select call
	Excluded []string
}

// Selector implements first-fit node eligibility over one cycle's samples
type Selector struct {
	threshold float64
	prefix    string
	excluded  sets.Set[string]
}

func NewSelector(opts Options) *Selector {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.WorkerPrefix == "" {
		opts.WorkerPrefix = DefaultWorkerPrefix
	}
	if opts.Excluded == nil {
		opts.Excluded = DefaultExcludedNodes
	}
	return &Selector{
		threshold: opts.Threshold,
		prefix:    opts.WorkerPrefix,
		excluded:  sets.New(opts.Excluded...),
	}
}

// Threshold returns the eligibility ceiling
func (s *Selector) Threshold() float64 {
	return s.threshold
}

// Nodes joins CPU and memory samples of worker nodes. Nodes are ordered by
// their first appearance in cpu; nodes only present in mem are not returned.
// A missing memory sample counts as 0.
func (s *Selector) Nodes(cpu, mem []models.UtilizationSample) []models.NodeStatus {
	order := make([]string, 0, len(cpu))
	cpuUsage := make(map[string]float64, len(cpu))
	for _, c := range cpu {
		if !strings.HasPrefix(c.Entity, s.prefix) {
			continue
		}
		if _, seen := cpuUsage[c.Entity]; !seen {
			order = append(order, c.Entity)
		}
		cpuUsage[c.Entity] = c.Value
	}

	memUsage := make(map[string]float64, len(mem))
	for _, m := range mem {
		if strings.HasPrefix(m.Entity, s.prefix) {
			memUsage[m.Entity] = m.Value
		}
	}

	nodes := make([]models.NodeStatus, 0, len(order))
	for _, name := range order {
		nodes = append(nodes, models.NodeStatus{
			Name:   name,
			CPUPct: cpuUsage[name],
			MemPct: memUsage[name],
		})
	}
	return nodes
}

// Select returns the first worker node, in CPU sample order, that is not
// excluded and has both CPU and memory utilization at or below the threshold.
// ok is false when no node qualifies.
func (s *Selector) Select(cpu, mem []models.UtilizationSample, exclude ...string) (node string, ok bool) {
	excluded := s.excluded.Clone().Insert(normalize(exclude)...)
	klog.V(4).Infof("Excluded workers: %v", sets.List(excluded))

	for _, n := range s.Nodes(cpu, mem) {
		if excluded.Has(n.Name) {
			continue
		}
		if n.CPUPct <= s.threshold && n.MemPct <= s.threshold {
			return n.Name, true
		}
	}
	return "", false
}

// Eligible returns every node Select could return, in order.
func (s *Selector) Eligible(cpu, mem []models.UtilizationSample, exclude ...string) []string {
	excluded := s.excluded.Clone().Insert(normalize(exclude)...)

	var eligible []string
	for _, n := range s.Nodes(cpu, mem) {
		if !excluded.Has(n.Name) && n.CPUPct <= s.threshold && n.MemPct <= s.threshold {
			eligible = append(eligible, n.Name)
		}
	}
	return eligible
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}
