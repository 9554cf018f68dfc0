package transition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nomad-idle-scaler/pkg/inspector"
	"nomad-idle-scaler/pkg/jobspec"
	"nomad-idle-scaler/pkg/models"
	"nomad-idle-scaler/pkg/orchestrator"
	"nomad-idle-scaler/pkg/placement"
	"nomad-idle-scaler/pkg/policy"

	clocktesting "k8s.io/utils/clock/testing"
)

// fakeCluster is an in-memory orchestrator: it serves jobs and allocations
// and records submissions and deregistrations.
type fakeCluster struct {
	jobs          map[string]*models.BaseJob
	allocs        map[string][]models.Allocation
	submitted     []string
	deregistered  []string
	submitErr     error
	deregisterErr error

	// liveOnSubmit gives every submitted job an allocation
	liveOnSubmit bool
}

func newFakeCluster(jobs ...*models.BaseJob) *fakeCluster {
	c := &fakeCluster{
		jobs:   make(map[string]*models.BaseJob),
		allocs: make(map[string][]models.Allocation),
	}
	for _, j := range jobs {
		c.jobs[j.Name] = j
	}
	return c
}

func (c *fakeCluster) GetJob(_ context.Context, name, _ string) (*models.BaseJob, error) {
	if j, ok := c.jobs[name]; ok {
		return j, nil
	}
	return nil, orchestrator.ErrJobNotFound
}

func (c *fakeCluster) GetAllocations(_ context.Context, name, _ string) ([]models.Allocation, error) {
	return c.allocs[name], nil
}

func (c *fakeCluster) DeregisterJob(_ context.Context, name, _ string) error {
	if c.deregisterErr != nil {
		return c.deregisterErr
	}
	c.deregistered = append(c.deregistered, name)
	delete(c.jobs, name)
	return nil
}

func (c *fakeCluster) Submit(_ context.Context, path string) error {
	if c.submitErr != nil {
		return c.submitErr
	}
	c.submitted = append(c.submitted, path)
	if c.liveOnSubmit {
		name := strings.TrimSuffix(filepath.Base(path), ".hcl")
		c.jobs[name] = &models.BaseJob{Name: name}
		c.allocs[name] = []models.Allocation{{ID: "alloc-1", ClientStatus: "running"}}
	}
	return nil
}

type fakeRecorder struct {
	transitions  map[string]int
	deregFailure int
}

func (r *fakeRecorder) RecordTransition(_, decision, outcome string) {
	if r.transitions == nil {
		r.transitions = make(map[string]int)
	}
	r.transitions[decision+"/"+outcome]++
}

func (r *fakeRecorder) RecordDeregisterFailure(string) {
	r.deregFailure++
}

func serviceJob(name string, node string, meta map[string]string, res models.ResourceProfile) *models.BaseJob {
	tg := models.TaskGroup{
		Name: "web",
		Tasks: []models.Task{{
			Name:      "app",
			Driver:    "docker",
			Image:     "registry.local/svc:1",
			Resources: res,
		}},
	}
	if node != "" {
		tg.Constraints = []models.Constraint{{LTarget: models.NodeNameTarget, Operand: "=", RTarget: node}}
	}
	return &models.BaseJob{
		Name:        name,
		Namespace:   "apps",
		Datacenters: []string{"dc1"},
		Meta:        meta,
		TaskGroups:  []models.TaskGroup{tg},
	}
}

func nodeSamples(cpu map[string]float64, order ...string) NodeSamples {
	var ns NodeSamples
	for _, n := range order {
		ns.CPU = append(ns.CPU, models.UtilizationSample{Entity: n, Kind: models.MetricCPU, Value: cpu[n]})
		ns.Memory = append(ns.Memory, models.UtilizationSample{Entity: n, Kind: models.MetricMemory, Value: 30})
	}
	return ns
}

var healthyNodes = nodeSamples(
	map[string]float64{"Worker-01": 10, "Worker-02": 20, "Worker-03": 95},
	"Worker-01", "Worker-02", "Worker-03",
)

type testEnv struct {
	engine   *Engine
	cluster  *fakeCluster
	recorder *fakeRecorder
	jobsDir  string
}

func newTestEnv(t *testing.T, cfg Config, cluster *fakeCluster, gate Gate) *testEnv {
	t.Helper()
	jobsDir := t.TempDir()
	gen, err := jobspec.NewGenerator(jobspec.Options{JobsDir: jobsDir})
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	recorder := &fakeRecorder{}
	if cfg.Namespace == "" {
		cfg.Namespace = "apps"
	}
	engine := NewEngine(cfg, Dependencies{
		Client:    cluster,
		Submitter: cluster,
		Inspector: inspector.New(cluster),
		Selector:  placement.NewSelector(placement.Options{}),
		Generator: gen,
		Gate:      gate,
		Recorder:  recorder,
		Clock:     clocktesting.NewFakePassiveClock(time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)),
	})
	return &testEnv{engine: engine, cluster: cluster, recorder: recorder, jobsDir: jobsDir}
}

func usage(job string, pct float64) models.JobUtilization {
	return models.JobUtilization{Job: job, TaskGroup: "web", Namespace: "apps", MemoryPct: pct}
}

func TestScaleDownIdleBecomesLive(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	cluster.liveOnSubmit = true
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("svc", 1), healthyNodes)

	if res.Decision != models.DecisionScaleDown || res.Outcome != OutcomeApplied {
		t.Fatalf("result = %s, want ScaleDown applied", res)
	}
	if res.Placement == nil || res.Placement.NodeName != "Worker-02" {
		t.Fatalf("placement = %+v, want node Worker-02", res.Placement)
	}
	if res.Placement.Profile != jobspec.DefaultIdleProfile {
		t.Errorf("profile = %+v, want idle profile", res.Placement.Profile)
	}
	wantPath := filepath.Join(env.jobsDir, "web", "svc-idle.hcl")
	if len(cluster.submitted) != 1 || cluster.submitted[0] != wantPath {
		t.Errorf("submitted = %v, want [%s]", cluster.submitted, wantPath)
	}
	if len(cluster.deregistered) != 1 || cluster.deregistered[0] != "svc" {
		t.Errorf("deregistered = %v, want [svc]", cluster.deregistered)
	}
	if env.recorder.transitions["ScaleDown/applied"] != 1 {
		t.Errorf("recorded transitions = %v", env.recorder.transitions)
	}
}

func TestScaleDownIdleNotLiveKeepsActive(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("svc", 1), healthyNodes)

	if res.Reason != ReasonIdleNotLive {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonIdleNotLive)
	}
	if len(cluster.submitted) != 1 {
		t.Errorf("submitted = %v, want one submission", cluster.submitted)
	}
	if len(cluster.deregistered) != 0 {
		t.Errorf("active variant must not be deregistered, got %v", cluster.deregistered)
	}
}

func TestScaleUpFromIdle(t *testing.T) {
	idleMeta := map[string]string{
		models.MetaOriginalCPU:    "500",
		models.MetaOriginalMemory: "1024",
	}
	cluster := newFakeCluster(serviceJob("svc-idle", "Worker-01", idleMeta, jobspec.DefaultIdleProfile))
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("svc-idle", 40), healthyNodes)

	if res.Decision != models.DecisionScaleUp || res.Outcome != OutcomeApplied {
		t.Fatalf("result = %s, want ScaleUp applied", res)
	}
	if res.Observed != models.VariantIdle {
		t.Errorf("observed = %s, want idle", res.Observed)
	}
	want := models.ResourceProfile{CPU: 500, MemoryMB: 1024}
	if res.Placement.Profile != want {
		t.Errorf("profile = %+v, want %+v", res.Placement.Profile, want)
	}
	if res.Placement.NodeName != "Worker-02" {
		t.Errorf("node = %q, want Worker-02", res.Placement.NodeName)
	}
	wantPath := filepath.Join(env.jobsDir, "web", "svc.hcl")
	if len(cluster.submitted) != 1 || cluster.submitted[0] != wantPath {
		t.Errorf("submitted = %v, want [%s]", cluster.submitted, wantPath)
	}
	if len(cluster.deregistered) != 1 || cluster.deregistered[0] != "svc-idle" {
		t.Errorf("deregistered = %v, want [svc-idle]", cluster.deregistered)
	}
}

func TestScaleUpSizesFromBaseJob(t *testing.T) {
	// The idle variant predates the scaler and carries no original sizing.
	cluster := newFakeCluster(
		serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}),
		serviceJob("svc-idle", "Worker-01", nil, models.ResourceProfile{CPU: 50, MemoryMB: 64}),
	)
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("svc-idle", 40), healthyNodes)

	if res.Outcome != OutcomeApplied {
		t.Fatalf("result = %s, want applied", res)
	}
	want := models.ResourceProfile{CPU: 500, MemoryMB: 1024}
	if res.Placement.Profile != want {
		t.Errorf("profile = %+v, want base sizing %+v", res.Placement.Profile, want)
	}
	artifact, err := os.ReadFile(res.Placement.ArtifactPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{"cpu    = 500", "memory = 1024"} {
		if !strings.Contains(string(artifact), want) {
			t.Errorf("artifact missing %q:\n%s", want, artifact)
		}
	}
}

func TestScaleUpResubmitsActiveUnconditionally(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("svc", 60), healthyNodes)

	if res.Outcome != OutcomeApplied || len(cluster.submitted) != 1 {
		t.Fatalf("result = %s, submitted = %v", res, cluster.submitted)
	}
	if len(cluster.deregistered) != 0 {
		t.Errorf("nothing to deregister without idle variant, got %v", cluster.deregistered)
	}
}

func TestNoEligibleNodeSubmitsUnconstrained(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	cluster.liveOnSubmit = true
	env := newTestEnv(t, Config{}, cluster, nil)

	busy := nodeSamples(
		map[string]float64{"Worker-01": 10, "Worker-02": 91, "Worker-03": 99},
		"Worker-01", "Worker-02", "Worker-03",
	)
	res := env.engine.Process(context.Background(), usage("svc", 1), busy)

	if res.Reason != ReasonUnconstrained {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonUnconstrained)
	}
	if res.Outcome != OutcomeApplied || res.Placement.NodeName != "" {
		t.Fatalf("result = %s, placement = %+v", res, res.Placement)
	}
	raw, err := os.ReadFile(res.Placement.ArtifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if strings.Contains(string(raw), "constraint") {
		t.Errorf("unconstrained artifact carries a constraint:\n%s", raw)
	}
}

func TestScaleDownWithoutCurrentWorkerSkips(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc", "", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("svc", 1), healthyNodes)

	if res.Outcome != OutcomeSkipped || res.Reason != ReasonNoCurrentWorker {
		t.Errorf("result = %s, want skipped no-current-worker", res)
	}
	if len(cluster.submitted) != 0 {
		t.Errorf("nothing should be submitted, got %v", cluster.submitted)
	}
}

func TestScaleDownAlreadyIdle(t *testing.T) {
	cluster := newFakeCluster(
		serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}),
		serviceJob("svc-idle", "Worker-02", nil, jobspec.DefaultIdleProfile),
	)
	env := newTestEnv(t, Config{}, cluster, nil)

	for _, name := range []string{"svc", "svc-idle"} {
		res := env.engine.Process(context.Background(), usage(name, 0.5), healthyNodes)
		if res.Decision != models.DecisionNoOp || res.Reason != ReasonAlreadyIdle {
			t.Errorf("%s: result = %s, want NoOp already-idle", name, res)
		}
	}
	if len(cluster.submitted) != 0 || len(cluster.deregistered) != 0 {
		t.Errorf("no mutation expected, submitted = %v deregistered = %v", cluster.submitted, cluster.deregistered)
	}
}

func TestWatermarks(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		pct      float64
		decision models.Decision
	}{
		{"default below", Config{}, 2.99, models.DecisionScaleDown},
		{"default at watermark activates", Config{}, 3, models.DecisionScaleUp},
		{"hysteresis band", Config{LowWatermark: 3, ActivateWatermark: 10}, 5, models.DecisionNoOp},
		{"above activate watermark", Config{LowWatermark: 3, ActivateWatermark: 10}, 10, models.DecisionScaleUp},
		{"activate below low is raised", Config{LowWatermark: 3, ActivateWatermark: 1}, 2, models.DecisionScaleDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := newFakeCluster(serviceJob("svc", "", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
			env := newTestEnv(t, tt.cfg, cluster, nil)

			res := env.engine.Process(context.Background(), usage("svc", tt.pct), healthyNodes)
			if res.Decision != tt.decision {
				t.Errorf("decision = %s, want %s", res.Decision, tt.decision)
			}
			if tt.decision == models.DecisionNoOp {
				if res.Reason != ReasonHysteresis {
					t.Errorf("reason = %q, want %q", res.Reason, ReasonHysteresis)
				}
				if len(cluster.submitted) != 0 {
					t.Errorf("hysteresis band must not submit, got %v", cluster.submitted)
				}
			}
		})
	}
}

func TestSubmitFailureFailsJob(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	cluster.submitErr = errors.New("exit status 1")
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("svc", 1), healthyNodes)

	if res.Outcome != OutcomeFailed || res.Err == nil {
		t.Fatalf("result = %s, want failed", res)
	}
	if !errors.Is(res.Err, cluster.submitErr) {
		t.Errorf("err = %v, want wrapped submit error", res.Err)
	}
	if len(cluster.deregistered) != 0 {
		t.Errorf("no deregistration after failed submit, got %v", cluster.deregistered)
	}
}

func TestMissingBaseJobFails(t *testing.T) {
	cluster := newFakeCluster()
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("ghost", 50), healthyNodes)

	if res.Outcome != OutcomeFailed || !errors.Is(res.Err, orchestrator.ErrJobNotFound) {
		t.Errorf("result = %s, want failed with ErrJobNotFound", res)
	}
}

func TestDeregisterFailureDoesNotFailJob(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc-idle", "Worker-01", nil, jobspec.DefaultIdleProfile))
	cluster.deregisterErr = errors.New("permission denied")
	env := newTestEnv(t, Config{}, cluster, nil)

	res := env.engine.Process(context.Background(), usage("svc-idle", 50), healthyNodes)

	if res.Outcome != OutcomeApplied {
		t.Errorf("outcome = %s, want applied", res.Outcome)
	}
	if !errors.Is(res.DeregisterErr, cluster.deregisterErr) {
		t.Errorf("DeregisterErr = %v, want wrapped deregister error", res.DeregisterErr)
	}
	if env.recorder.deregFailure != 1 {
		t.Errorf("deregister failures recorded = %d, want 1", env.recorder.deregFailure)
	}
}

func TestPolicyDenySkips(t *testing.T) {
	gate := policy.NewEngine()
	err := gate.LoadPoliciesFromBytes([]byte(`
policies:
  - name: no-idle-in-business-hours
    condition: time.isBusinessHours && transition.decision == 'scaledown'
    action: skip-scaledown
    enabled: true
`))
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}

	cluster := newFakeCluster(serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	env := newTestEnv(t, Config{}, cluster, gate)

	res := env.engine.Process(context.Background(), usage("svc", 1), healthyNodes)

	if res.Outcome != OutcomeSkipped || !strings.HasPrefix(res.Reason, ReasonPolicyDenied) {
		t.Errorf("result = %s, want skipped by policy", res)
	}
	if len(cluster.submitted) != 0 {
		t.Errorf("policy deny must not submit, got %v", cluster.submitted)
	}

	// scale up is not covered by the policy
	res = env.engine.Process(context.Background(), usage("svc", 50), healthyNodes)
	if res.Outcome != OutcomeApplied {
		t.Errorf("scale up result = %s, want applied", res)
	}
}

func TestPolicyErrorDenies(t *testing.T) {
	gate := policy.NewEngine()
	err := gate.LoadPoliciesFromBytes([]byte(`
defaultAction: allow
policies:
  - name: broken
    condition: transition.memoryPct < "x"
    action: deny
    enabled: true
`))
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}

	cluster := newFakeCluster(serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	env := newTestEnv(t, Config{}, cluster, gate)

	res := env.engine.Process(context.Background(), usage("svc", 1), healthyNodes)

	if res.Outcome != OutcomeSkipped || res.Reason != ReasonPolicyDenied+": broken" {
		t.Errorf("result = %s, want skipped by policy broken", res)
	}
	if len(cluster.submitted) != 0 {
		t.Errorf("failed policy must not submit, got %v", cluster.submitted)
	}
}

func TestDryRunDoesNotMutate(t *testing.T) {
	cluster := newFakeCluster(
		serviceJob("svc", "Worker-01", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}),
		serviceJob("api-idle", "Worker-02", nil, jobspec.DefaultIdleProfile),
	)
	env := newTestEnv(t, Config{DryRun: true}, cluster, nil)

	down := env.engine.Process(context.Background(), usage("svc", 1), healthyNodes)
	up := env.engine.Process(context.Background(), usage("api-idle", 70), healthyNodes)

	for _, res := range []Result{down, up} {
		if res.Outcome != OutcomeDryRun {
			t.Errorf("%s: outcome = %s, want dry-run", res.Identity, res.Outcome)
		}
		if _, err := os.Stat(res.Placement.ArtifactPath); err != nil {
			t.Errorf("%s: artifact not rendered: %v", res.Identity, err)
		}
	}
	if len(cluster.submitted) != 0 || len(cluster.deregistered) != 0 {
		t.Errorf("dry run mutated: submitted = %v deregistered = %v", cluster.submitted, cluster.deregistered)
	}
}

func TestPreferBaseArtifact(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc-idle", "Worker-01", nil, jobspec.DefaultIdleProfile))
	env := newTestEnv(t, Config{PreferBaseArtifact: true}, cluster, nil)

	dir := filepath.Join(env.jobsDir, "svc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	artifact := filepath.Join(dir, "svc.hcl")
	if err := os.WriteFile(artifact, []byte(`job "svc" {}`), 0o644); err != nil {
		t.Fatal(err)
	}

	res := env.engine.Process(context.Background(), usage("svc-idle", 50), healthyNodes)

	if res.Reason != ReasonBaseArtifact {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonBaseArtifact)
	}
	if len(cluster.submitted) != 1 || cluster.submitted[0] != artifact {
		t.Errorf("submitted = %v, want [%s]", cluster.submitted, artifact)
	}
}

func TestRunCycleFiltersNamespace(t *testing.T) {
	cluster := newFakeCluster(serviceJob("svc", "", nil, models.ResourceProfile{CPU: 500, MemoryMB: 1024}))
	env := newTestEnv(t, Config{}, cluster, nil)

	jobs := []models.JobUtilization{
		{Job: "other", Namespace: "apps-staging", MemoryPct: 1},
		usage("svc", 1),
		{Job: "svc", Namespace: "default", MemoryPct: 80},
	}
	results := env.engine.RunCycle(context.Background(), jobs, healthyNodes)

	if len(results) != 1 {
		t.Fatalf("results = %v, want one result", results)
	}
	if results[0].Identity.BaseName != "svc" || results[0].Identity.Namespace != "apps" {
		t.Errorf("identity = %s", results[0].Identity)
	}
}

func TestRunCycleStopsOnCancel(t *testing.T) {
	cluster := newFakeCluster()
	env := newTestEnv(t, Config{}, cluster, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := env.engine.RunCycle(ctx, []models.JobUtilization{usage("svc", 1)}, healthyNodes)
	if len(results) != 0 {
		t.Errorf("results = %v, want none after cancel", results)
	}
}

func TestResultString(t *testing.T) {
	r := Result{
		Identity: models.JobIdentity{BaseName: "svc", Namespace: "apps"},
		Decision: models.DecisionScaleDown,
		Outcome:  OutcomeFailed,
		Reason:   ReasonUnconstrained,
		Err:      errors.New("boom"),
	}
	want := "apps/svc ScaleDown: failed (unconstrained-placement): boom"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
