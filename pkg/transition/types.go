package transition

import (
	"context"
	"fmt"
	"time"

	"nomad-idle-scaler/pkg/jobspec"
	"nomad-idle-scaler/pkg/models"
	"nomad-idle-scaler/pkg/policy"
)

const (
	DefaultLowWatermark   = 3.0
	DefaultVerifyInterval = 2 * time.Second
)

// Config holds the engine settings
type Config struct {
	// Namespace is the only namespace whose jobs are transitioned
	Namespace string

	// LowWatermark is the memory utilization (percent) below which a job is idled
	LowWatermark float64

	// ActivateWatermark is the utilization at or above which a job is activated.
	// Values below LowWatermark are raised to it, which disables the hysteresis band.
	ActivateWatermark float64

	// VerifyTimeout bounds the wait for the idle variant's allocations.
	// Zero checks once.
	VerifyTimeout  time.Duration
	VerifyInterval time.Duration

	// DryRun renders artifacts but never submits or deregisters
	DryRun bool

	// PreferBaseArtifact submits <jobs-dir>/<job>/<job>.hcl on scale up when present
	PreferBaseArtifact bool
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		Namespace:         "default",
		LowWatermark:      DefaultLowWatermark,
		ActivateWatermark: DefaultLowWatermark,
		VerifyInterval:    DefaultVerifyInterval,
	}
}

// Outcome is how a job's transition ended
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoOp    Outcome = "noop"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	OutcomeDryRun  Outcome = "dry-run"
)

// Reasons attached to results
const (
	ReasonAlreadyIdle     = "already-idle"
	ReasonHysteresis      = "hysteresis-band"
	ReasonNoCurrentWorker = "no-current-worker"
	ReasonPolicyDenied    = "policy-denied"
	ReasonIdleNotLive     = "idle-not-live"
	ReasonUnconstrained   = "unconstrained-placement"
	ReasonBaseArtifact    = "base-artifact"
)

// Result reports what happened to one job in a cycle
type Result struct {
	Identity  models.JobIdentity
	Observed  models.Variant
	MemoryPct float64
	Decision  models.Decision
	Outcome   Outcome
	Reason    string
	Placement *models.JobPlacement

	// Err is set when Outcome is failed
	Err error

	// DeregisterErr records a failed removal of the superseded variant.
	// It does not fail the transition.
	DeregisterErr error
}

func (r Result) String() string {
	s := fmt.Sprintf("%s %s: %s", r.Identity, r.Decision, r.Outcome)
	if r.Reason != "" {
		s += " (" + r.Reason + ")"
	}
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

// NodeSamples is the node utilization of the current cycle
type NodeSamples struct {
	CPU    []models.UtilizationSample
	Memory []models.UtilizationSample
}

// Inspector answers questions about the orchestrator's current state
type Inspector interface {
	Exists(ctx context.Context, job, namespace string) bool
	HasLiveAllocations(ctx context.Context, job, namespace string) bool
	WaitForLiveAllocations(ctx context.Context, job, namespace string, timeout, interval time.Duration) bool
	CurrentWorkers(ctx context.Context, job, namespace string) string
}

// NodeSelector picks target nodes
type NodeSelector interface {
	Select(cpu, mem []models.UtilizationSample, exclude ...string) (string, bool)
	Eligible(cpu, mem []models.UtilizationSample, exclude ...string) []string
	Nodes(cpu, mem []models.UtilizationSample) []models.NodeStatus
}

// Generator materializes job variants
type Generator interface {
	Generate(req jobspec.Request) (*models.JobPlacement, error)
	BaseArtifact(baseName string) (string, bool)
}

// Gate decides whether a transition may proceed
type Gate interface {
	Evaluate(ctx policy.EvaluationContext) (*policy.PolicyDecision, error)
}

// Recorder receives per-job transition metrics
type Recorder interface {
	RecordTransition(namespace, decision, outcome string)
	RecordDeregisterFailure(namespace string)
}

type noopRecorder struct{}

func (noopRecorder) RecordTransition(string, string, string) {}
func (noopRecorder) RecordDeregisterFailure(string)          {}
