package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadPoliciesFromBytes(t *testing.T) {
	policyYAML := `
defaultAction: deny

policies:
  - name: test-policy
    description: A test policy
    condition: job.namespace == 'production'
    action: allow
    priority: 100
    enabled: true
`

	engine := NewEngine()
	err := engine.LoadPoliciesFromBytes([]byte(policyYAML))
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	if len(engine.GetPolicies()) != 1 {
		t.Errorf("Expected 1 policy, got %d", len(engine.GetPolicies()))
	}

	if engine.GetDefaultAction() != "deny" {
		t.Errorf("Expected default action 'deny', got '%s'", engine.GetDefaultAction())
	}
}

func TestLoadPoliciesValidation(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name: "missing policy name",
			yaml: `
policies:
  - condition: job.namespace == 'prod'
    action: allow
`,
			errMsg: "has no name",
		},
		{
			name: "missing condition",
			yaml: `
policies:
  - name: test
    action: allow
`,
			errMsg: "has no condition",
		},
		{
			name: "missing action",
			yaml: `
policies:
  - name: test
    condition: job.namespace == 'prod'
`,
			errMsg: "has no action",
		},
		{
			name: "invalid action type",
			yaml: `
policies:
  - name: test
    condition: job.namespace == 'prod'
    action: set-min-cpu
`,
			errMsg: "invalid action",
		},
		{
			name: "invalid default action",
			yaml: `
defaultAction: skip-scaleup
policies: []
`,
			errMsg: "invalid default action",
		},
		{
			name:   "malformed yaml",
			yaml:   "policies: [",
			errMsg: "failed to unmarshal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine()
			err := engine.LoadPoliciesFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Expected error containing '%s', got nil", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing '%s', got '%v'", tt.errMsg, err)
			}
		})
	}
}

func TestEvaluateSimpleConditions(t *testing.T) {
	tests := []struct {
		name           string
		policy         string
		ctx            EvaluationContext
		expectedAction string
		shouldMatch    bool
	}{
		{
			name: "namespace match",
			policy: `
policies:
  - name: protect-prod
    condition: job.namespace == 'production'
    action: deny
    enabled: true
`,
			ctx:            EvaluationContext{Job: JobInfo{Namespace: "production", Name: "svc"}},
			expectedAction: ActionDeny,
			shouldMatch:    true,
		},
		{
			name: "namespace no match",
			policy: `
policies:
  - name: protect-prod
    condition: job.namespace == 'production'
    action: deny
    enabled: true
`,
			ctx:            EvaluationContext{Job: JobInfo{Namespace: "staging", Name: "svc"}},
			expectedAction: ActionAllow,
			shouldMatch:    false,
		},
		{
			name: "base name prefix",
			policy: `
policies:
  - name: keep-databases
    condition: job.baseName startsWith 'db-'
    action: skip
    enabled: true
`,
			ctx:            EvaluationContext{Job: JobInfo{Name: "db-main-idle", BaseName: "db-main"}},
			expectedAction: ActionDeny,
			shouldMatch:    true,
		},
		{
			name: "memory threshold",
			policy: `
policies:
  - name: nearly-unused
    condition: transition.memoryPct < 0.5
    action: allow
    enabled: true
`,
			ctx:            EvaluationContext{Transition: TransitionInfo{Decision: DecisionScaleDown, MemoryPct: 0.2}},
			expectedAction: ActionAllow,
			shouldMatch:    true,
		},
		{
			name: "unconstrained placement",
			policy: `
policies:
  - name: require-target
    condition: transition.targetNode == ''
    action: deny
    enabled: true
`,
			ctx:            EvaluationContext{Transition: TransitionInfo{Decision: DecisionScaleUp}},
			expectedAction: ActionDeny,
			shouldMatch:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine()
			if err := engine.LoadPoliciesFromBytes([]byte(tt.policy)); err != nil {
				t.Fatalf("Failed to load policies: %v", err)
			}

			decision, err := engine.Evaluate(tt.ctx)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if decision.Action != tt.expectedAction {
				t.Errorf("Expected action '%s', got '%s'", tt.expectedAction, decision.Action)
			}
			if tt.shouldMatch && decision.MatchedPolicy == "" {
				t.Error("Expected a matched policy")
			}
			if !tt.shouldMatch && decision.MatchedPolicy != "" {
				t.Errorf("Expected no matched policy, got '%s'", decision.MatchedPolicy)
			}
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	policyYAML := `
policies:
  - name: low-priority-allow
    condition: job.namespace == 'production'
    action: allow
    priority: 10
    enabled: true

  - name: high-priority-deny
    condition: job.namespace == 'production'
    action: deny
    priority: 100
    enabled: true
`

	engine := NewEngine()
	if err := engine.LoadPoliciesFromBytes([]byte(policyYAML)); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	decision, err := engine.Evaluate(EvaluationContext{Job: JobInfo{Namespace: "production"}})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if decision.MatchedPolicy != "high-priority-deny" {
		t.Errorf("Expected high-priority-deny to match first, got '%s'", decision.MatchedPolicy)
	}
	if decision.Allowed() {
		t.Error("Expected transition to be denied")
	}
}

func TestDisabledPolicies(t *testing.T) {
	policyYAML := `
policies:
  - name: disabled-deny
    condition: "true"
    action: deny
    enabled: false
`

	engine := NewEngine()
	if err := engine.LoadPoliciesFromBytes([]byte(policyYAML)); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	decision, err := engine.Evaluate(EvaluationContext{})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Action != ActionAllow {
		t.Errorf("Disabled policy should not apply, got '%s'", decision.Action)
	}
}

func TestTimeBasedPolicies(t *testing.T) {
	policyYAML := `
policies:
  - name: business-hours-scaledown-prevention
    condition: time.isBusinessHours && transition.decision == 'scaledown'
    action: skip-scaledown
    enabled: true

  - name: weekend-optimization
    condition: time.isWeekend
    action: allow
    priority: 50
    enabled: true
`

	engine := NewEngine()
	if err := engine.LoadPoliciesFromBytes([]byte(policyYAML)); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	// Tuesday 10:00
	tuesday := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	decision, err := engine.Evaluate(EvaluationContext{
		Time:       NewTimeInfo(tuesday),
		Transition: TransitionInfo{Decision: DecisionScaleDown},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Action != ActionDeny {
		t.Errorf("Expected scaledown to be denied during business hours, got '%s'", decision.Action)
	}

	decision, err = engine.Evaluate(EvaluationContext{
		Time:       NewTimeInfo(tuesday),
		Transition: TransitionInfo{Decision: DecisionScaleUp},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Action != ActionAllow {
		t.Errorf("Expected scaleup to pass during business hours, got '%s'", decision.Action)
	}

	// Saturday 10:00
	saturday := time.Date(2024, time.March, 9, 10, 0, 0, 0, time.UTC)
	decision, err = engine.Evaluate(EvaluationContext{
		Time:       NewTimeInfo(saturday),
		Transition: TransitionInfo{Decision: DecisionScaleDown},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.MatchedPolicy != "weekend-optimization" || decision.Action != ActionAllow {
		t.Errorf("Expected weekend-optimization to allow, got '%s' via '%s'", decision.Action, decision.MatchedPolicy)
	}
}

func TestNewTimeInfo(t *testing.T) {
	tests := []struct {
		name         string
		now          time.Time
		wantBusiness bool
		wantWeekend  bool
	}{
		{"weekday morning", time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC), true, false},
		{"weekday evening", time.Date(2024, time.March, 5, 17, 0, 0, 0, time.UTC), false, false},
		{"sunday noon", time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := NewTimeInfo(tt.now)
			if info.IsBusinessHours != tt.wantBusiness {
				t.Errorf("IsBusinessHours = %v, want %v", info.IsBusinessHours, tt.wantBusiness)
			}
			if info.IsWeekend != tt.wantWeekend {
				t.Errorf("IsWeekend = %v, want %v", info.IsWeekend, tt.wantWeekend)
			}
			if info.Hour != tt.now.Hour() {
				t.Errorf("Hour = %d, want %d", info.Hour, tt.now.Hour())
			}
		})
	}
}

func TestCacheInvalidation(t *testing.T) {
	engine := NewEngine()

	policyYAML := `
policies:
  - name: test
    condition: job.namespace == 'production'
    action: allow
    enabled: true
`
	if err := engine.LoadPoliciesFromBytes([]byte(policyYAML)); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	ctx := EvaluationContext{Job: JobInfo{Namespace: "production"}}

	if _, err := engine.Evaluate(ctx); err != nil {
		t.Fatalf("First evaluation failed: %v", err)
	}
	if len(engine.compiledPrograms) != 1 {
		t.Errorf("Expected 1 cached program, got %d", len(engine.compiledPrograms))
	}

	engine.ClearCache()
	if len(engine.compiledPrograms) != 0 {
		t.Errorf("Expected 0 cached programs after clear, got %d", len(engine.compiledPrograms))
	}

	if _, err := engine.Evaluate(ctx); err != nil {
		t.Fatalf("Second evaluation failed: %v", err)
	}
	if len(engine.compiledPrograms) != 1 {
		t.Errorf("Expected 1 cached program after re-evaluation, got %d", len(engine.compiledPrograms))
	}

	// reloading drops programs of the previous policy set
	if err := engine.LoadPoliciesFromBytes([]byte(policyYAML)); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}
	if len(engine.compiledPrograms) != 0 {
		t.Errorf("Expected empty cache after reload, got %d", len(engine.compiledPrograms))
	}
}

func TestAllActionTypes(t *testing.T) {
	tests := []struct {
		name           string
		action         string
		decision       string
		expectedAction string
	}{
		{"allow", ActionAllow, DecisionScaleDown, ActionAllow},
		{"deny", ActionDeny, DecisionScaleDown, ActionDeny},
		{"skip", ActionSkip, DecisionScaleUp, ActionDeny},
		{"skip-scaledown on scaledown", ActionSkipScaleDown, DecisionScaleDown, ActionDeny},
		{"skip-scaledown on scaleup", ActionSkipScaleDown, DecisionScaleUp, ActionAllow},
		{"skip-scaleup on scaleup", ActionSkipScaleUp, DecisionScaleUp, ActionDeny},
		{"skip-scaleup on scaledown", ActionSkipScaleUp, DecisionScaleDown, ActionAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine()
			policyYAML := "policies:\n  - name: p\n    condition: \"true\"\n    action: " + tt.action + "\n    enabled: true\n"
			if err := engine.LoadPoliciesFromBytes([]byte(policyYAML)); err != nil {
				t.Fatalf("Failed to load policies: %v", err)
			}

			decision, err := engine.Evaluate(EvaluationContext{Transition: TransitionInfo{Decision: tt.decision}})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if decision.Action != tt.expectedAction {
				t.Errorf("Expected action '%s', got '%s'", tt.expectedAction, decision.Action)
			}
		})
	}
}

func TestLoadPoliciesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	content := `
defaultAction: allow
policies:
  - name: from-file
    condition: job.variant == 'idle'
    action: skip-scaleup
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	engine := NewEngine()
	if err := engine.LoadPolicies(path); err != nil {
		t.Fatalf("Failed to load policies from file: %v", err)
	}
	if len(engine.GetPolicies()) != 1 || engine.GetPolicies()[0].Name != "from-file" {
		t.Errorf("Unexpected policies loaded: %+v", engine.GetPolicies())
	}
}

func TestLoadPoliciesFromNonExistentFile(t *testing.T) {
	engine := NewEngine()
	if err := engine.LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoadRejectsInvalidCondition(t *testing.T) {
	policy := `
defaultAction: deny
policies:
  - name: bad-syntax
    condition: job.namespace ==
    action: allow
    enabled: true
`
	engine := NewEngine()
	err := engine.LoadPoliciesFromBytes([]byte(policy))
	if err == nil {
		t.Fatal("Expected load error for invalid condition")
	}
	if !strings.Contains(err.Error(), "bad-syntax") {
		t.Errorf("Expected error to name the policy, got: %v", err)
	}
	if engine.GetDefaultAction() != ActionAllow || len(engine.GetPolicies()) != 0 {
		t.Error("Previous policies should be kept after a failed load")
	}
}

func TestEvaluationErrorsDeny(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		ctx    EvaluationContext
	}{
		{
			name: "condition returns non-boolean",
			policy: `
defaultAction: allow
policies:
  - name: broken
    condition: job.namespace
    action: deny
    enabled: true
`,
			ctx: EvaluationContext{Job: JobInfo{Namespace: "test"}},
		},
		{
			name: "condition compares mismatched types",
			policy: `
defaultAction: allow
policies:
  - name: broken
    condition: transition.memoryPct < "x"
    action: deny
    enabled: true
`,
			ctx: EvaluationContext{Transition: TransitionInfo{MemoryPct: 4}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine()
			if err := engine.LoadPoliciesFromBytes([]byte(tt.policy)); err != nil {
				t.Fatalf("Unexpected load error: %v", err)
			}

			decision, err := engine.Evaluate(tt.ctx)
			if err == nil {
				t.Fatal("Expected evaluation error")
			}
			if decision.Allowed() {
				t.Errorf("Expected deny on evaluation error, got '%s'", decision.Action)
			}
			if decision.MatchedPolicy != "broken" {
				t.Errorf("Expected matched policy 'broken', got '%s'", decision.MatchedPolicy)
			}
		})
	}
}

func TestNilDecisionNotAllowed(t *testing.T) {
	var d *PolicyDecision
	if d.Allowed() {
		t.Error("nil decision must not allow")
	}
}
