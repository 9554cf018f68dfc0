package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Engine evaluates transition policies
type Engine struct {
	policies PolicySet

	// compiledPrograms caches compiled expressions by condition
	compiledPrograms map[string]*vm.Program

	// mu protects concurrent access to compiledPrograms
	mu sync.RWMutex
}

// NewEngine creates a policy engine that allows everything until policies are loaded
func NewEngine() *Engine {
	return &Engine{
		policies: PolicySet{
			Policies:      []Policy{},
			DefaultAction: ActionAllow,
		},
		compiledPrograms: make(map[string]*vm.Program),
	}
}

// LoadPolicies loads policies from a YAML file
func (e *Engine) LoadPolicies(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := e.LoadPoliciesFromBytes(data); err != nil {
		return err
	}
	klog.Infof("Loaded %d policies from %s with default action: %s",
		len(e.policies.Policies), path, e.policies.DefaultAction)
	return nil
}

// LoadPoliciesFromBytes loads policies from YAML bytes
func (e *Engine) LoadPoliciesFromBytes(data []byte) error {
	var policySet PolicySet
	if err := yaml.Unmarshal(data, &policySet); err != nil {
		return fmt.Errorf("failed to unmarshal policies: %w", err)
	}

	if policySet.DefaultAction == "" {
		policySet.DefaultAction = ActionAllow
	}
	if policySet.DefaultAction != ActionAllow && policySet.DefaultAction != ActionDeny {
		return fmt.Errorf("invalid default action: %s", policySet.DefaultAction)
	}

	for i, p := range policySet.Policies {
		if p.Name == "" {
			return fmt.Errorf("policy at index %d has no name", i)
		}
		if p.Condition == "" {
			return fmt.Errorf("policy %s has no condition", p.Name)
		}
		if p.Action == "" {
			return fmt.Errorf("policy %s has no action", p.Name)
		}
		if !isValidAction(p.Action) {
			return fmt.Errorf("policy %s has invalid action: %s", p.Name, p.Action)
		}
		if _, err := compileCondition(p.Condition); err != nil {
			return fmt.Errorf("policy %s: %w", p.Name, err)
		}
	}

	// Higher priority first; equal priorities keep file order
	sort.SliceStable(policySet.Policies, func(i, j int) bool {
		return policySet.Policies[i].Priority > policySet.Policies[j].Priority
	})

	e.policies = policySet
	e.ClearCache()
	return nil
}

// Evaluate evaluates all policies against the given context
func (e *Engine) Evaluate(ctx EvaluationContext) (*PolicyDecision, error) {
	for _, policy := range e.policies.Policies {
		if !policy.Enabled {
			continue
		}

		matches, err := e.evaluateCondition(policy.Condition, ctx)
		if err != nil {
			// A policy that cannot be evaluated denies
			return &PolicyDecision{
				Action:        ActionDeny,
				Reason:        fmt.Sprintf("Policy '%s' failed to evaluate", policy.Name),
				MatchedPolicy: policy.Name,
			}, fmt.Errorf("failed to evaluate policy %s: %w", policy.Name, err)
		}
		if !matches {
			continue
		}

		klog.V(2).Infof("Policy %s matched for job %s/%s",
			policy.Name, ctx.Job.Namespace, ctx.Job.Name)

		decision, err := applyAction(policy, ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to apply action for policy %s: %w", policy.Name, err)
		}
		decision.MatchedPolicy = policy.Name
		decision.Reason = fmt.Sprintf("Policy '%s' matched: %s", policy.Name, policy.Description)
		return decision, nil
	}

	klog.V(2).Infof("No policy matched for job %s/%s, using default action: %s",
		ctx.Job.Namespace, ctx.Job.Name, e.policies.DefaultAction)

	return &PolicyDecision{
		Action: e.policies.DefaultAction,
		Reason: "No policy matched, using default action",
	}, nil
}

func (e *Engine) evaluateCondition(condition string, ctx EvaluationContext) (bool, error) {
	e.mu.RLock()
	program, exists := e.compiledPrograms[condition]
	e.mu.RUnlock()

	env := exprEnv(ctx)

	if !exists {
		compiled, err := compileCondition(condition)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.compiledPrograms[condition] = compiled
		e.mu.Unlock()

		program = compiled
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition: %w", err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to boolean: %T", output)
	}
	return result, nil
}

func exprEnv(ctx EvaluationContext) map[string]interface{} {
	return map[string]interface{}{
		"job":        ctx.Job.ToExprEnv(),
		"transition": ctx.Transition.ToExprEnv(),
		"time":       ctx.Time.ToExprEnv(),
		"cluster":    ctx.Cluster.ToExprEnv(),
	}
}

func compileCondition(condition string) (*vm.Program, error) {
	program, err := expr.Compile(condition, expr.Env(exprEnv(EvaluationContext{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", err)
	}
	return program, nil
}

func applyAction(policy Policy, ctx EvaluationContext) (*PolicyDecision, error) {
	switch policy.Action {
	case ActionAllow:
		return &PolicyDecision{Action: ActionAllow}, nil

	case ActionDeny, ActionSkip:
		return &PolicyDecision{Action: ActionDeny}, nil

	case ActionSkipScaleDown:
		if ctx.Transition.Decision == DecisionScaleDown {
			return &PolicyDecision{Action: ActionDeny}, nil
		}
		return &PolicyDecision{Action: ActionAllow}, nil

	case ActionSkipScaleUp:
		if ctx.Transition.Decision == DecisionScaleUp {
			return &PolicyDecision{Action: ActionDeny}, nil
		}
		return &PolicyDecision{Action: ActionAllow}, nil

	default:
		return nil, fmt.Errorf("unknown action: %s", policy.Action)
	}
}

func isValidAction(action string) bool {
	switch action {
	case ActionAllow, ActionDeny, ActionSkip, ActionSkipScaleDown, ActionSkipScaleUp:
		return true
	}
	return false
}

// GetPolicies returns all loaded policies
func (e *Engine) GetPolicies() []Policy {
	return e.policies.Policies
}

// GetDefaultAction returns the default action
func (e *Engine) GetDefaultAction() string {
	return e.policies.DefaultAction
}

// ClearCache clears the compiled expression cache
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledPrograms = make(map[string]*vm.Program)
}
