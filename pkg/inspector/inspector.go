// Package inspector answers fail-closed questions about a job's current state.
package inspector

import (
	"context"
	"time"

	"nomad-idle-scaler/pkg/models"
	"nomad-idle-scaler/pkg/orchestrator"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// Inspector queries the orchestrator. Every read error degrades to the
// negative answer; a missing job and an unreachable orchestrator look alike.
type Inspector struct {
	client orchestrator.Client
}

func New(client orchestrator.Client) *Inspector {
	return &Inspector{client: client}
}

// Exists reports whether the orchestrator returns the job.
func (i *Inspector) Exists(ctx context.Context, job, namespace string) bool {
	if _, err := i.client.GetJob(ctx, job, namespace); err != nil {
		klog.V(4).Infof("Job %s/%s treated as absent: %v", namespace, job, err)
		return false
	}
	return true
}

// HasLiveAllocations reports whether the job has at least one allocation record.
func (i *Inspector) HasLiveAllocations(ctx context.Context, job, namespace string) bool {
	allocs, err := i.client.GetAllocations(ctx, job, namespace)
	if err != nil {
		klog.V(4).Infof("Allocations of %s/%s treated as empty: %v", namespace, job, err)
		return false
	}
	return len(allocs) > 0
}

// WaitForLiveAllocations polls HasLiveAllocations until it succeeds or the
// timeout passes. A zero timeout checks once.
func (i *Inspector) WaitForLiveAllocations(ctx context.Context, job, namespace string, timeout, interval time.Duration) bool {
	if timeout <= 0 {
		return i.HasLiveAllocations(ctx, job, namespace)
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		return i.HasLiveAllocations(ctx, job, namespace), nil
	})
	return err == nil
}

// CurrentWorkers returns the node the job is pinned to by its first task
// group's placement constraint, or "" when none can be read.
func (i *Inspector) CurrentWorkers(ctx context.Context, job, namespace string) string {
	base, err := i.client.GetJob(ctx, job, namespace)
	if err != nil {
		klog.V(4).Infof("Current worker of %s/%s unknown: %v", namespace, job, err)
		return ""
	}
	return PinnedNode(base)
}

// PinnedNode reads the node name constraint of the first task group. A
// constraint on the node name attribute wins; otherwise the first
// constraint's target is used.
func PinnedNode(job *models.BaseJob) string {
	if job == nil || len(job.TaskGroups) == 0 {
		return ""
	}
	constraints := job.TaskGroups[0].Constraints
	for _, c := range constraints {
		if c.LTarget == models.NodeNameTarget {
			return c.RTarget
		}
	}
	if len(constraints) > 0 {
		return constraints[0].RTarget
	}
	return ""
}
