package models

// Meta keys written into generated variants so the original sizing survives
// the deregistration of the active job.
const (
	MetaOriginalCPU    = "idle_scaler.original_cpu"
	MetaOriginalMemory = "idle_scaler.original_memory"
	MetaVariant        = "idle_scaler.variant"
)

// NodeNameTarget is the constraint attribute that pins a job to a node
const NodeNameTarget = "${node.unique.name}"

// BaseJob is the subset of an orchestrator job description used to derive variants
type BaseJob struct {
	Name        string
	Namespace   string
	Datacenters []string
	Meta        map[string]string
	TaskGroups  []TaskGroup
}

// TaskGroup describes one task group of a base job
type TaskGroup struct {
	Name             string
	Constraints      []Constraint
	ReservedPorts    []Port
	HealthCheckPaths []string
	Tasks            []Task
}

// Constraint is a placement constraint of a task group
type Constraint struct {
	LTarget string
	Operand string
	RTarget string
}

// Port is a statically reserved network port
type Port struct {
	Label string
	Value int
	To    int
}

// Task describes the container task of a task group
type Task struct {
	Name          string
	Driver        string
	Image         string
	DNSServers    []string
	Resources     ResourceProfile
	VaultRole     string
	EmbeddedTmpls []string
}

// Allocation is a single allocation record of a job
type Allocation struct {
	ID           string
	NodeName     string
	ClientStatus string
}
