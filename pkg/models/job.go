package models

import "strings"

// IdleSuffix marks the reduced-resource variant of a job
const IdleSuffix = "-idle"

// Variant is one of the two deployments a monitored job can have
type Variant string

const (
	VariantActive Variant = "active"
	VariantIdle   Variant = "idle"
)

// JobIdentity names a monitored job independently of its running variant
type JobIdentity struct {
	BaseName  string `json:"base_name"`
	Namespace string `json:"namespace"`
}

// ParseJobName derives the identity and observed variant from an orchestrator job name.
func ParseJobName(name, namespace string) (JobIdentity, Variant) {
	variant := VariantActive
	if strings.HasSuffix(name, IdleSuffix) {
		variant = VariantIdle
	}
	return JobIdentity{BaseName: StripIdleSuffix(name), Namespace: namespace}, variant
}

// StripIdleSuffix removes the idle suffix. Names without it are returned unchanged.
func StripIdleSuffix(name string) string {
	return strings.TrimSuffix(name, IdleSuffix)
}

// WithIdleSuffix appends the idle suffix unless the name already carries it.
func WithIdleSuffix(name string) string {
	if strings.HasSuffix(name, IdleSuffix) {
		return name
	}
	return name + IdleSuffix
}

// ActiveName is the job name of the full-resource variant
func (j JobIdentity) ActiveName() string {
	return j.BaseName
}

// IdleName is the job name of the standby variant
func (j JobIdentity) IdleName() string {
	return WithIdleSuffix(j.BaseName)
}

// NameFor returns the job name for the given variant
func (j JobIdentity) NameFor(v Variant) string {
	if v == VariantIdle {
		return j.IdleName()
	}
	return j.ActiveName()
}

func (j JobIdentity) String() string {
	return j.Namespace + "/" + j.BaseName
}
