// Package transition moves monitored jobs between their idle and active variants.
package transition

import (
	"context"
	"errors"
	"fmt"

	"nomad-idle-scaler/pkg/jobspec"
	"nomad-idle-scaler/pkg/models"
	"nomad-idle-scaler/pkg/orchestrator"
	"nomad-idle-scaler/pkg/policy"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

const tracerName = "nomad-idle-scaler/transition"

// Dependencies are the collaborators of the Engine. Gate, Recorder, Tracer
// and Clock are optional.
type Dependencies struct {
	Client    orchestrator.Client
	Submitter orchestrator.Submitter
	Inspector Inspector
	Selector  NodeSelector
	Generator Generator

	Gate     Gate
	Recorder Recorder
	Tracer   trace.Tracer
	Clock    clock.PassiveClock
}

// Engine decides and performs the idle/active transition of each job
type Engine struct {
	config Config
	deps   Dependencies
}

func NewEngine(cfg Config, deps Dependencies) *Engine {
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = DefaultLowWatermark
	}
	if cfg.ActivateWatermark < cfg.LowWatermark {
		cfg.ActivateWatermark = cfg.LowWatermark
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = DefaultVerifyInterval
	}
	if deps.Gate == nil {
		deps.Gate = policy.NewEngine()
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Engine{config: cfg, deps: deps}
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.config
}

// RunCycle processes every job sample of the configured namespace, in input order.
func (e *Engine) RunCycle(ctx context.Context, jobs []models.JobUtilization, nodes NodeSamples) []Result {
	ctx, span := e.deps.Tracer.Start(ctx, "transition.RunCycle",
		trace.WithAttributes(
			attribute.String("namespace", e.config.Namespace),
			attribute.Int("jobs", len(jobs)),
			attribute.Bool("dry_run", e.config.DryRun),
		))
	defer span.End()

	var results []Result
	for _, job := range jobs {
		if job.Namespace != e.config.Namespace {
			klog.V(5).Infof("Ignoring job %s in namespace %s", job.Job, job.Namespace)
			continue
		}
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			break
		}
		results = append(results, e.Process(ctx, job, nodes))
	}
	return results
}

// Process classifies one job sample and performs the resulting transition.
func (e *Engine) Process(ctx context.Context, job models.JobUtilization, nodes NodeSamples) Result {
	identity, observed := models.ParseJobName(job.Job, job.Namespace)

	ctx, span := e.deps.Tracer.Start(ctx, "transition.Process",
		trace.WithAttributes(
			attribute.String("job", job.Job),
			attribute.String("namespace", job.Namespace),
			attribute.Float64("memory_pct", job.MemoryPct),
		))
	defer span.End()

	result := Result{
		Identity:  identity,
		Observed:  observed,
		MemoryPct: job.MemoryPct,
	}

	switch {
	case job.MemoryPct < e.config.LowWatermark:
		result.Decision = models.DecisionScaleDown
		e.scaleDown(ctx, job, nodes, &result)
	case job.MemoryPct >= e.config.ActivateWatermark:
		result.Decision = models.DecisionScaleUp
		e.scaleUp(ctx, job, nodes, &result)
	default:
		result.Decision = models.DecisionNoOp
		result.Outcome = OutcomeNoOp
		result.Reason = ReasonHysteresis
	}

	span.SetAttributes(
		attribute.String("decision", string(result.Decision)),
		attribute.String("outcome", string(result.Outcome)),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}

	e.deps.Recorder.RecordTransition(job.Namespace, string(result.Decision), string(result.Outcome))
	e.logResult(result)
	return result
}

func (e *Engine) scaleDown(ctx context.Context, job models.JobUtilization, nodes NodeSamples, result *Result) {
	identity := result.Identity
	ns := identity.Namespace
	base, idle := identity.ActiveName(), identity.IdleName()

	if e.deps.Inspector.Exists(ctx, idle, ns) {
		result.Decision = models.DecisionNoOp
		result.Outcome = OutcomeNoOp
		result.Reason = ReasonAlreadyIdle
		return
	}

	current := e.deps.Inspector.CurrentWorkers(ctx, base, ns)
	if current == "" {
		result.Outcome = OutcomeSkipped
		result.Reason = ReasonNoCurrentWorker
		return
	}

	target, ok := e.deps.Selector.Select(nodes.CPU, nodes.Memory, current)
	if !ok {
		result.Reason = ReasonUnconstrained
	}

	if !e.allowed(job, result, nodes, current, target) {
		return
	}

	baseJob, err := e.deps.Client.GetJob(ctx, base, ns)
	if err != nil {
		e.fail(result, fmt.Errorf("get job %s: %w", base, err))
		return
	}

	placement, err := e.deps.Generator.Generate(jobspec.Request{
		Base:       baseJob,
		Identity:   identity,
		Variant:    models.VariantIdle,
		TargetNode: target,
	})
	if err != nil {
		e.fail(result, fmt.Errorf("generate %s: %w", idle, err))
		return
	}
	result.Placement = placement

	if e.config.DryRun {
		result.Outcome = OutcomeDryRun
		return
	}

	if err := e.deps.Submitter.Submit(ctx, placement.ArtifactPath); err != nil {
		e.fail(result, fmt.Errorf("submit %s: %w", idle, err))
		return
	}

	// The active variant keeps serving until the idle one is confirmed live.
	if !e.deps.Inspector.WaitForLiveAllocations(ctx, idle, ns, e.config.VerifyTimeout, e.config.VerifyInterval) {
		result.Outcome = OutcomeApplied
		result.Reason = ReasonIdleNotLive
		klog.Warningf("Idle variant %s/%s has no allocations yet, leaving %s running", ns, idle, base)
		return
	}

	e.deregister(ctx, base, ns, result)
	result.Outcome = OutcomeApplied
}

func (e *Engine) scaleUp(ctx context.Context, job models.JobUtilization, nodes NodeSamples, result *Result) {
	identity := result.Identity
	ns := identity.Namespace
	active, idle := identity.ActiveName(), identity.IdleName()

	current := e.deps.Inspector.CurrentWorkers(ctx, job.Job, ns)
	target, ok := e.deps.Selector.Select(nodes.CPU, nodes.Memory, current)
	if !ok {
		result.Reason = ReasonUnconstrained
	}

	if !e.allowed(job, result, nodes, current, target) {
		return
	}

	var placement *models.JobPlacement
	if e.config.PreferBaseArtifact {
		if path, found := e.deps.Generator.BaseArtifact(identity.BaseName); found {
			placement = &models.JobPlacement{
				Identity:     identity,
				Variant:      models.VariantActive,
				ArtifactPath: path,
			}
			result.Reason = ReasonBaseArtifact
		}
	}

	if placement == nil {
		base, err := e.sizingSource(ctx, job.Job, identity)
		if err != nil {
			e.fail(result, err)
			return
		}
		placement, err = e.deps.Generator.Generate(jobspec.Request{
			Base:       base,
			Identity:   identity,
			Variant:    models.VariantActive,
			TargetNode: target,
		})
		if err != nil {
			e.fail(result, fmt.Errorf("generate %s: %w", active, err))
			return
		}
	}
	result.Placement = placement

	if e.config.DryRun {
		result.Outcome = OutcomeDryRun
		return
	}

	if err := e.deps.Submitter.Submit(ctx, placement.ArtifactPath); err != nil {
		e.fail(result, fmt.Errorf("submit %s: %w", active, err))
		return
	}

	if e.deps.Inspector.Exists(ctx, idle, ns) {
		e.deregister(ctx, idle, ns, result)
	}
	result.Outcome = OutcomeApplied
}

// sizingSource returns the job the active variant is rendered from. The base
// job carries the original sizing; the observed idle variant is used only once
// the base job is gone, through the sizing kept in its meta.
func (e *Engine) sizingSource(ctx context.Context, observed string, identity models.JobIdentity) (*models.BaseJob, error) {
	ns := identity.Namespace
	active := identity.ActiveName()

	base, err := e.deps.Client.GetJob(ctx, active, ns)
	if err == nil {
		return base, nil
	}
	if !errors.Is(err, orchestrator.ErrJobNotFound) || observed == active {
		return nil, fmt.Errorf("get job %s: %w", active, err)
	}

	klog.V(2).Infof("Base job %s/%s is gone, sizing from %s", ns, active, observed)
	base, err = e.deps.Client.GetJob(ctx, observed, ns)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", observed, err)
	}
	return base, nil
}

// allowed consults the policy gate. An evaluation error denies.
func (e *Engine) allowed(job models.JobUtilization, result *Result, nodes NodeSamples, current, target string) bool {
	decision := policy.DecisionScaleUp
	if result.Decision == models.DecisionScaleDown {
		decision = policy.DecisionScaleDown
	}

	evalCtx := policy.EvaluationContext{
		Job: policy.JobInfo{
			Name:      job.Job,
			BaseName:  result.Identity.BaseName,
			Namespace: job.Namespace,
			TaskGroup: job.TaskGroup,
			Variant:   string(result.Observed),
		},
		Transition: policy.TransitionInfo{
			Decision:    decision,
			MemoryPct:   job.MemoryPct,
			CurrentNode: current,
			TargetNode:  target,
		},
		Time: policy.NewTimeInfo(e.deps.Clock.Now()),
		Cluster: policy.ClusterInfo{
			Nodes:         len(e.deps.Selector.Nodes(nodes.CPU, nodes.Memory)),
			EligibleNodes: len(e.deps.Selector.Eligible(nodes.CPU, nodes.Memory)),
		},
	}

	d, err := e.deps.Gate.Evaluate(evalCtx)
	if err != nil {
		klog.Warningf("Policy evaluation failed for %s, denying: %v", result.Identity, err)
	} else if d.Allowed() {
		return true
	}

	result.Outcome = OutcomeSkipped
	result.Reason = ReasonPolicyDenied
	if d != nil && d.MatchedPolicy != "" {
		result.Reason += ": " + d.MatchedPolicy
	}
	return false
}

// deregister removes a superseded variant. Failures are logged and counted only.
func (e *Engine) deregister(ctx context.Context, job, namespace string, result *Result) {
	if err := e.deps.Client.DeregisterJob(ctx, job, namespace); err != nil {
		result.DeregisterErr = fmt.Errorf("deregister %s: %w", job, err)
		e.deps.Recorder.RecordDeregisterFailure(namespace)
		klog.Errorf("Failed to deregister %s/%s: %v", namespace, job, err)
		return
	}
	klog.Infof("Deregistered %s/%s", namespace, job)
}

func (e *Engine) fail(result *Result, err error) {
	result.Outcome = OutcomeFailed
	result.Err = err
}

func (e *Engine) logResult(r Result) {
	switch r.Outcome {
	case OutcomeFailed:
		klog.Errorf("Transition failed: %s", r)
	case OutcomeApplied, OutcomeDryRun:
		target := "<unconstrained>"
		if r.Placement != nil && r.Placement.NodeName != "" {
			target = r.Placement.NodeName
		}
		klog.Infof("Transition %s -> %s", r, target)
	default:
		klog.V(2).Infof("Transition %s", r)
	}
}
