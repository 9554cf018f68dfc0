// Package controller runs transition cycles: it collects utilization,
// drives the transition engine and records the outcome.
package controller

import (
	"context"
	"fmt"
	"time"

	"nomad-idle-scaler/pkg/metrics"
	"nomad-idle-scaler/pkg/models"
	"nomad-idle-scaler/pkg/safety"
	"nomad-idle-scaler/pkg/scheduler"
	"nomad-idle-scaler/pkg/storage"
	"nomad-idle-scaler/pkg/transition"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// MetricsSource provides one cycle's utilization
type MetricsSource interface {
	GetJobMemory(ctx context.Context) ([]models.JobUtilization, error)
	GetNodeCPU(ctx context.Context) ([]models.UtilizationSample, error)
	GetNodeMemory(ctx context.Context) ([]models.UtilizationSample, error)
}

// Engine transitions the jobs of one cycle
type Engine interface {
	RunCycle(ctx context.Context, jobs []models.JobUtilization, nodes transition.NodeSamples) []transition.Result
}

// NodeView joins and filters node samples
type NodeView interface {
	Nodes(cpu, mem []models.UtilizationSample) []models.NodeStatus
	Eligible(cpu, mem []models.UtilizationSample, exclude ...string) []string
}

// Options holds the optional collaborators of a Controller
type Options struct {
	Exporter *metrics.Exporter
	Windows  *scheduler.WindowChecker
	Clock    clock.Clock
	Breaker  *safety.CircuitBreaker

	// Lock, when set, must be held to run a cycle
	Lock CycleLock
	// History, when set, receives every result and is flushed after each cycle
	History storage.History
}

// CycleLock serializes cycles across replicas
type CycleLock interface {
	TryAcquire(ctx context.Context) (release func(context.Context), acquired bool, err error)
}

type Controller struct {
	source   MetricsSource
	engine   Engine
	nodes    NodeView
	exporter *metrics.Exporter
	windows  *scheduler.WindowChecker
	clock    clock.Clock
	breaker  *safety.CircuitBreaker

	lock    CycleLock
	history storage.History
}

func New(source MetricsSource, engine Engine, nodes NodeView, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Controller{
		source:   source,
		engine:   engine,
		nodes:    nodes,
		exporter: opts.Exporter,
		windows:  opts.Windows,
		clock:    opts.Clock,
		breaker:  opts.Breaker,

		lock:    opts.Lock,
		history: opts.History,
	}
}

// Report summarizes one cycle
type Report struct {
	Started  time.Time
	Duration time.Duration
	// Skipped is set when the cycle fell outside every transition window
	// or the circuit breaker was open
	Skipped     bool
	CircuitOpen bool
	// LockHeld is set when another replica holds the cycle lock
	LockHeld bool
	Results  []transition.Result
}

// Count returns the number of results with the given outcome
func (r *Report) Count(outcome transition.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// RunOnce performs a single transition cycle. Only a failure of the job
// utilization query fails the cycle; node queries degrade to empty samples.
func (c *Controller) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{Started: c.clock.Now()}

	if !c.windows.IsOpen(report.Started) {
		report.Skipped = true
		if next := c.windows.NextOpen(report.Started); next != nil {
			klog.Infof("Outside transition windows, next window opens at %s", next.Format(time.RFC3339))
		}
		return report, nil
	}

	if !c.breaker.ShouldAllow() {
		report.Skipped = true
		report.CircuitOpen = true
		klog.Warningf("Circuit breaker open, skipping cycle until %s", c.breaker.OpenUntil().Format(time.RFC3339))
		c.exportCircuit()
		return report, nil
	}

	if c.lock != nil {
		release, acquired, err := c.lock.TryAcquire(ctx)
		if err != nil {
			c.finish(report, "failure")
			return report, fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !acquired {
			report.Skipped = true
			report.LockHeld = true
			klog.V(2).Info("Cycle lock held by another replica, skipping cycle")
			return report, nil
		}
		defer release(context.WithoutCancel(ctx))
	}

	jobs, err := c.source.GetJobMemory(ctx)
	if err != nil {
		c.finish(report, "failure")
		c.breaker.RecordFailure(err)
		c.exportCircuit()
		return report, fmt.Errorf("query job memory: %w", err)
	}

	cpu, err := c.source.GetNodeCPU(ctx)
	if err != nil {
		klog.Warningf("Node CPU query failed, continuing without CPU samples: %v", err)
	}
	mem, err := c.source.GetNodeMemory(ctx)
	if err != nil {
		klog.Warningf("Node memory query failed, continuing without memory samples: %v", err)
	}

	c.exportUtilization(jobs, cpu, mem)

	report.Results = c.engine.RunCycle(ctx, jobs, transition.NodeSamples{CPU: cpu, Memory: mem})
	c.finish(report, "success")
	c.recordHistory(ctx, report)

	// a cycle counts against the breaker only when nothing it attempted succeeded
	failed := report.Count(transition.OutcomeFailed)
	if failed > 0 && report.Count(transition.OutcomeApplied)+report.Count(transition.OutcomeDryRun) == 0 {
		c.breaker.RecordFailure(fmt.Errorf("%d transition(s) failed", failed))
	} else {
		c.breaker.RecordSuccess()
	}
	c.exportCircuit()

	klog.Infof("Cycle finished in %s: %d jobs, %d applied, %d skipped, %d failed, %d no-op",
		report.Duration, len(report.Results),
		report.Count(transition.OutcomeApplied)+report.Count(transition.OutcomeDryRun),
		report.Count(transition.OutcomeSkipped),
		report.Count(transition.OutcomeFailed),
		report.Count(transition.OutcomeNoOp))
	return report, nil
}

// Run performs a cycle immediately and then on every schedule tick until ctx is done.
func (c *Controller) Run(ctx context.Context, schedule string) error {
	runner, err := scheduler.NewRunner(schedule, c.runLogged)
	if err != nil {
		return err
	}
	c.runLogged(ctx)
	return runner.Run(ctx)
}

func (c *Controller) runLogged(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil {
		klog.Errorf("Transition cycle failed: %v", err)
	}
}

func (c *Controller) finish(report *Report, result string) {
	report.Duration = c.clock.Since(report.Started)
	if c.exporter != nil {
		c.exporter.RecordCycle(result, report.Duration.Seconds())
	}
}

func (c *Controller) exportCircuit() {
	if c.exporter != nil {
		c.exporter.RecordCircuitOpen(c.breaker.State() == safety.StateOpen)
	}
}

func (c *Controller) exportUtilization(jobs []models.JobUtilization, cpu, mem []models.UtilizationSample) {
	if c.exporter == nil {
		return
	}
	for _, j := range jobs {
		c.exporter.RecordJobMemory(j.Job, j.Namespace, j.MemoryPct)
	}
	for _, n := range c.nodes.Nodes(cpu, mem) {
		c.exporter.RecordNodeUtilization(n.Name, n.CPUPct, n.MemPct)
	}
	c.exporter.RecordEligibleNodes(len(c.nodes.Eligible(cpu, mem)))
}

func (c *Controller) recordHistory(ctx context.Context, report *Report) {
	if c.history == nil || len(report.Results) == 0 {
		return
	}
	for _, r := range report.Results {
		entry := storage.Entry{
			Time:      report.Started,
			Decision:  string(r.Decision),
			Outcome:   string(r.Outcome),
			Reason:    r.Reason,
			MemoryPct: r.MemoryPct,
		}
		if r.Placement != nil {
			entry.Node = r.Placement.NodeName
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		} else if r.DeregisterErr != nil {
			entry.Error = r.DeregisterErr.Error()
		}
		if err := c.history.Record(ctx, r.Identity.String(), entry); err != nil {
			klog.Warningf("Failed to record transition history: %v", err)
		}
	}
	if err := c.history.Flush(ctx); err != nil {
		klog.Warningf("Failed to save transition history: %v", err)
	}
}
