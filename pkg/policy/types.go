package policy

import (
	"time"
)

// Policy represents a single transition policy rule
type Policy struct {
	// Name is the unique identifier for this policy
	Name string `json:"name" yaml:"name"`

	// Description explains what this policy does
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Condition is an expression that must evaluate to true for the policy to apply
	// Example: "job.namespace == 'prod' && transition.decision == 'scaledown'"
	Condition string `json:"condition" yaml:"condition"`

	// Action defines what to do when the condition matches
	// Possible values: "allow", "deny", "skip", "skip-scaledown", "skip-scaleup"
	Action string `json:"action" yaml:"action"`

	// Priority determines evaluation order (higher priority = evaluated first)
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Enabled allows temporarily disabling a policy without removing it
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// PolicySet is a collection of policies
type PolicySet struct {
	Policies []Policy `json:"policies" yaml:"policies"`

	// DefaultAction is taken when no policy matches
	// Default: "allow"
	DefaultAction string `json:"defaultAction,omitempty" yaml:"defaultAction,omitempty"`
}

// EvaluationContext contains all data available for policy evaluation
type EvaluationContext struct {
	Job        JobInfo        `json:"job"`
	Transition TransitionInfo `json:"transition"`
	Time       TimeInfo       `json:"time"`
	Cluster    ClusterInfo    `json:"cluster"`
}

// JobInfo describes the job a transition is proposed for
type JobInfo struct {
	// Name is the observed job name, either variant
	Name      string `json:"name"`
	BaseName  string `json:"baseName"`
	Namespace string `json:"namespace"`
	TaskGroup string `json:"taskGroup"`

	// Variant is the observed variant ("active" or "idle")
	Variant string `json:"variant"`
}

// ToExprEnv converts JobInfo to a map for expr evaluation with lowercase keys
func (j JobInfo) ToExprEnv() map[string]interface{} {
	return map[string]interface{}{
		"name":      j.Name,
		"baseName":  j.BaseName,
		"namespace": j.Namespace,
		"taskGroup": j.TaskGroup,
		"variant":   j.Variant,
	}
}

// TransitionInfo contains the transition being evaluated
type TransitionInfo struct {
	// Decision is "scaledown" or "scaleup"
	Decision string `json:"decision"`

	// MemoryPct is the job memory utilization that triggered the decision
	MemoryPct float64 `json:"memoryPct"`

	// CurrentNode is the node the job is pinned to, empty if unknown
	CurrentNode string `json:"currentNode"`

	// TargetNode is the selected node, empty when the orchestrator will place the job
	TargetNode string `json:"targetNode"`
}

// ToExprEnv converts TransitionInfo to a map for expr evaluation
func (t TransitionInfo) ToExprEnv() map[string]interface{} {
	return map[string]interface{}{
		"decision":    t.Decision,
		"memoryPct":   t.MemoryPct,
		"currentNode": t.CurrentNode,
		"targetNode":  t.TargetNode,
	}
}

// TimeInfo contains time-related information for time-based policies
type TimeInfo struct {
	Now time.Time `json:"now"`

	// Hour is the current hour (0-23)
	Hour int `json:"hour"`

	// Weekday is the current day of week (0-6, 0=Sunday)
	Weekday int `json:"weekday"`

	// IsBusinessHours indicates if current time is business hours (9-17)
	IsBusinessHours bool `json:"isBusinessHours"`

	IsWeekend bool `json:"isWeekend"`
}

// NewTimeInfo derives the time fields from now
func NewTimeInfo(now time.Time) TimeInfo {
	weekday := now.Weekday()
	isWeekend := weekday == time.Saturday || weekday == time.Sunday
	return TimeInfo{
		Now:             now,
		Hour:            now.Hour(),
		Weekday:         int(weekday),
		IsBusinessHours: !isWeekend && now.Hour() >= 9 && now.Hour() < 17,
		IsWeekend:       isWeekend,
	}
}

// ToExprEnv converts TimeInfo to a map for expr evaluation
func (t TimeInfo) ToExprEnv() map[string]interface{} {
	return map[string]interface{}{
		"now":             t.Now,
		"hour":            t.Hour,
		"weekday":         t.Weekday,
		"isBusinessHours": t.IsBusinessHours,
		"isWeekend":       t.IsWeekend,
	}
}

// ClusterInfo contains cluster-level information of the current cycle
type ClusterInfo struct {
	// Nodes is the number of worker nodes reporting utilization
	Nodes int `json:"nodes"`

	// EligibleNodes is the number of nodes under the utilization threshold
	EligibleNodes int `json:"eligibleNodes"`
}

// ToExprEnv converts ClusterInfo to a map for expr evaluation
func (c ClusterInfo) ToExprEnv() map[string]interface{} {
	return map[string]interface{}{
		"nodes":         c.Nodes,
		"eligibleNodes": c.EligibleNodes,
	}
}

// PolicyDecision represents the result of policy evaluation
type PolicyDecision struct {
	// Action is the final decision ("allow" or "deny")
	Action string

	// Reason explains why this decision was made
	Reason string

	// MatchedPolicy is the name of the policy that matched (if any)
	MatchedPolicy string
}

// Allowed reports whether the transition may proceed
func (d *PolicyDecision) Allowed() bool {
	return d != nil && d.Action != ActionDeny
}

// ActionType constants for policy actions
const (
	ActionAllow         = "allow"
	ActionDeny          = "deny"
	ActionSkip          = "skip"
	ActionSkipScaleDown = "skip-scaledown"
	ActionSkipScaleUp   = "skip-scaleup"
)

// Transition decisions as seen by policy conditions
const (
	DecisionScaleDown = "scaledown"
	DecisionScaleUp   = "scaleup"
)
