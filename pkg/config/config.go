// Package config loads controller settings from defaults, an optional .env
// file and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"nomad-idle-scaler/pkg/lease"
	"nomad-idle-scaler/pkg/metrics"
	"nomad-idle-scaler/pkg/orchestrator"
	"nomad-idle-scaler/pkg/placement"
	"nomad-idle-scaler/pkg/safety"
	"nomad-idle-scaler/pkg/scheduler"
	"nomad-idle-scaler/pkg/storage"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/klog/v2"
)

// DefaultEnvFile is read when present
const DefaultEnvFile = ".env"

// Config is the full controller configuration
type Config struct {
	Namespace string

	NomadAddr    string
	NomadToken   string
	NomadTimeout time.Duration

	PrometheusURL       string
	PrometheusTimeout   time.Duration
	PrometheusTokenFile string
	Queries             metrics.Queries

	// Idle variant sizing
	IdleCPU      int
	IdleMemoryMB int

	LowWatermark      float64
	ActivateWatermark float64

	NodeThreshold float64
	WorkerPrefix  string
	ExcludedNodes []string

	RegistryUsername string
	RegistryPassword string

	JobsDir            string
	TemplateFile       string
	PreferBaseArtifact bool

	SubmitMode  orchestrator.SubmitMode
	NomadBinary string

	Schedule string

	// Windows restricts cycles to recurring periods; empty means always
	Windows []scheduler.Window

	VerifyTimeout time.Duration
	PolicyFile    string
	DryRun        bool

	// CircuitBreakerErrors consecutive failed cycles pause transitions for
	// CircuitBreakerTimeout; zero disables the breaker
	CircuitBreakerErrors  int
	CircuitBreakerTimeout time.Duration

	// HistoryFile persists recent transitions per job; empty keeps them in memory only
	HistoryFile  string
	HistoryLimit int

	// RedisAddr, when set, stores the history in Redis instead of HistoryFile
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EtcdEndpoints, when set, serialize cycles across replicas with a lease
	EtcdEndpoints []string
	LeaseKey      string
	LeaseTTL      time.Duration

	MetricsAddr  string
	OTLPEndpoint string

	LogLevel       string
	LogDevelopment bool
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Namespace:         "testing",
		NomadAddr:         "http://localhost:4646",
		NomadTimeout:      5 * time.Second,
		PrometheusURL:     "http://localhost:9090",
		PrometheusTimeout: 15 * time.Second,
		Queries:           metrics.DefaultQueries(),
		IdleCPU:           50,
		IdleMemoryMB:      64,
		LowWatermark:      3,
		ActivateWatermark: 3,
		NodeThreshold:     placement.DefaultThreshold,
		WorkerPrefix:      placement.DefaultWorkerPrefix,
		ExcludedNodes:     append([]string(nil), placement.DefaultExcludedNodes...),
		JobsDir:           "jobs",
		SubmitMode:        orchestrator.SubmitCLI,
		NomadBinary:       "nomad",
		Schedule:          "*/5 * * * *",
		HistoryLimit:      storage.DefaultMaxEntriesPerJob,
		LeaseKey:          lease.DefaultKey,
		LeaseTTL:          lease.DefaultTTL,

		CircuitBreakerErrors:  safety.DefaultErrorThreshold,
		CircuitBreakerTimeout: safety.DefaultTimeout,

		MetricsAddr: ":8080",
		LogLevel:    "info",
	}
}

// Load reads envFile (DefaultEnvFile when empty, skipped if absent) into the
// environment without overriding variables already set, then builds the
// configuration from the environment.
func Load(envFile string) (*Config, error) {
	explicit := envFile != ""
	if !explicit {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		klog.V(2).Infof("Loaded environment from %s", envFile)
	}

	return FromEnv()
}

// FromEnv builds the configuration from the process environment
func FromEnv() (*Config, error) {
	d := Default()
	cfg := &Config{
		Namespace:           getString("NAMESPACE", d.Namespace),
		NomadAddr:           getString("NOMAD_ADDR", d.NomadAddr),
		NomadToken:          getString("NOMAD_TOKEN", ""),
		NomadTimeout:        getDuration("NOMAD_TIMEOUT", d.NomadTimeout),
		PrometheusURL:       getString("PROMETHEUS_URL", d.PrometheusURL),
		PrometheusTimeout:   getDuration("PROMETHEUS_TIMEOUT", d.PrometheusTimeout),
		PrometheusTokenFile: getString("PROMETHEUS_TOKEN_FILE", ""),
		Queries: metrics.Queries{
			JobMemory:  getString("QUERY_JOB_MEMORY", d.Queries.JobMemory),
			NodeCPU:    getString("QUERY_NODE_CPU", d.Queries.NodeCPU),
			NodeMemory: getString("QUERY_NODE_MEMORY", d.Queries.NodeMemory),
		},
		IdleCPU:            getInt("IDLE_CPU", d.IdleCPU),
		LowWatermark:       getFloat("LOW_WATERMARK", d.LowWatermark),
		NodeThreshold:      getFloat("NODE_THRESHOLD", d.NodeThreshold),
		WorkerPrefix:       getString("WORKER_PREFIX", d.WorkerPrefix),
		ExcludedNodes:      getStringSlice("EXCLUDED_NODES", d.ExcludedNodes),
		RegistryUsername:   getString("REGISTRY_USERNAME", ""),
		RegistryPassword:   getString("REGISTRY_PASSWORD", ""),
		JobsDir:            getString("JOBS_DIR", d.JobsDir),
		TemplateFile:       getString("TEMPLATE_FILE", ""),
		PreferBaseArtifact: getBool("PREFER_BASE_ARTIFACT", false),
		SubmitMode:         orchestrator.SubmitMode(strings.ToLower(getString("SUBMIT_MODE", string(d.SubmitMode)))),
		NomadBinary:        getString("NOMAD_BIN", d.NomadBinary),
		Schedule:           getString("SCHEDULE", d.Schedule),
		VerifyTimeout:      getDuration("VERIFY_TIMEOUT", 0),
		PolicyFile:         getString("POLICY_FILE", ""),
		DryRun:             getBool("DRY_RUN", false),
		HistoryFile:        getString("HISTORY_FILE", ""),
		HistoryLimit:       getInt("HISTORY_LIMIT", d.HistoryLimit),
		RedisAddr:          getString("REDIS_ADDR", ""),
		RedisPassword:      getString("REDIS_PASSWORD", ""),
		RedisDB:            getInt("REDIS_DB", 0),
		EtcdEndpoints:      getStringSlice("ETCD_ENDPOINTS", d.EtcdEndpoints),
		LeaseKey:           getString("LEASE_KEY", d.LeaseKey),
		LeaseTTL:           getDuration("LEASE_TTL", d.LeaseTTL),

		CircuitBreakerErrors:  getInt("CIRCUIT_BREAKER_ERRORS", d.CircuitBreakerErrors),
		CircuitBreakerTimeout: getDuration("CIRCUIT_BREAKER_TIMEOUT", d.CircuitBreakerTimeout),

		MetricsAddr:    getString("METRICS_ADDR", d.MetricsAddr),
		OTLPEndpoint:   getString("OTLP_ENDPOINT", ""),
		LogLevel:       getString("LOG_LEVEL", d.LogLevel),
		LogDevelopment: getBool("LOG_DEVELOPMENT", false),
	}
	// Unset means no hysteresis band
	cfg.ActivateWatermark = getFloat("ACTIVATE_WATERMARK", cfg.LowWatermark)

	// EXCLUDED_NODES="" clears the default exclusions
	if v, ok := os.LookupEnv("EXCLUDED_NODES"); ok && strings.TrimSpace(v) == "" {
		cfg.ExcludedNodes = []string{}
	}

	mem, err := getMemoryMB("IDLE_MEMORY", d.IdleMemoryMB)
	if err != nil {
		return nil, err
	}
	cfg.IdleMemoryMB = mem

	windows, err := scheduler.ParseWindows(getString("TRANSITION_WINDOWS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid TRANSITION_WINDOWS: %w", err)
	}
	cfg.Windows = windows

	return cfg, nil
}

// Validate checks the configuration for values the controller cannot run with
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return &configError{field: "Namespace", reason: "cannot be empty"}
	}
	if c.NomadAddr == "" {
		return &configError{field: "NomadAddr", reason: "cannot be empty"}
	}
	if c.PrometheusURL == "" {
		return &configError{field: "PrometheusURL", reason: "cannot be empty"}
	}
	if c.IdleCPU <= 0 {
		return &configError{field: "IdleCPU", reason: "must be positive"}
	}
	if c.IdleMemoryMB <= 0 {
		return &configError{field: "IdleMemoryMB", reason: "must be positive"}
	}
	if c.LowWatermark <= 0 || c.LowWatermark > 100 {
		return &configError{field: "LowWatermark", reason: "must be in (0, 100]"}
	}
	if c.ActivateWatermark < c.LowWatermark || c.ActivateWatermark > 100 {
		return &configError{field: "ActivateWatermark", reason: "must be between LowWatermark and 100"}
	}
	if c.NodeThreshold <= 0 || c.NodeThreshold > 100 {
		return &configError{field: "NodeThreshold", reason: "must be in (0, 100]"}
	}
	if c.NomadTimeout <= 0 || c.PrometheusTimeout <= 0 {
		return &configError{field: "Timeout", reason: "must be positive"}
	}
	if c.CircuitBreakerErrors < 0 {
		return &configError{field: "CircuitBreakerErrors", reason: "cannot be negative"}
	}
	if len(c.EtcdEndpoints) > 0 && c.LeaseTTL < time.Second {
		return &configError{field: "LeaseTTL", reason: "must be at least 1s"}
	}
	if c.HistoryLimit < 0 {
		return &configError{field: "HistoryLimit", reason: "cannot be negative"}
	}
	if c.VerifyTimeout < 0 {
		return &configError{field: "VerifyTimeout", reason: "cannot be negative"}
	}
	switch c.SubmitMode {
	case orchestrator.SubmitCLI:
		if c.NomadBinary == "" {
			return &configError{field: "NomadBinary", reason: "required for cli submit mode"}
		}
	case orchestrator.SubmitAPI:
	default:
		return &configError{field: "SubmitMode", reason: fmt.Sprintf("unknown mode %q", c.SubmitMode)}
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return &configError{field: "Schedule", reason: err.Error()}
	}
	if _, err := scheduler.NewWindowChecker(c.Windows); err != nil {
		return &configError{field: "Windows", reason: err.Error()}
	}
	return nil
}

type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	return "invalid config: " + e.field + " " + e.reason
}

func getString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		klog.Warningf("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		klog.Warningf("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		klog.Warningf("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getStringSlice reads a comma separated list
func getStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getMemoryMB reads a memory size. Plain numbers are megabytes, anything
// else is parsed as a quantity such as 64Mi or 1Gi.
func getMemoryMB(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	if mb, err := strconv.Atoi(value); err == nil {
		return mb, nil
	}
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	return int(q.Value() / (1024 * 1024)), nil
}
