package controller

import (
	"errors"
	"fmt"
	"time"

	"nomad-idle-scaler/pkg/config"
	"nomad-idle-scaler/pkg/inspector"
	"nomad-idle-scaler/pkg/jobspec"
	"nomad-idle-scaler/pkg/lease"
	"nomad-idle-scaler/pkg/logger"
	"nomad-idle-scaler/pkg/metrics"
	"nomad-idle-scaler/pkg/models"
	"nomad-idle-scaler/pkg/orchestrator"
	"nomad-idle-scaler/pkg/placement"
	"nomad-idle-scaler/pkg/policy"
	"nomad-idle-scaler/pkg/safety"
	"nomad-idle-scaler/pkg/scheduler"
	"nomad-idle-scaler/pkg/storage"
	"nomad-idle-scaler/pkg/transition"

	"github.com/prometheus/client_golang/prometheus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

// MetricsNamespace prefixes every exported metric
const MetricsNamespace = "nomad_idle_scaler"

// Components are the wired collaborators built from a Config
type Components struct {
	Collector  *metrics.Collector
	Nomad      *orchestrator.NomadClient
	Submitter  orchestrator.Submitter
	Inspector  *inspector.Inspector
	Selector   *placement.Selector
	Generator  *jobspec.Generator
	Policies   *policy.Engine
	Exporter   *metrics.Exporter
	History    storage.History
	Engine     *transition.Engine
	Controller *Controller

	closers []func() error
}

// Close releases the connections held by the components.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenHistory returns the configured history backend: Redis when RedisAddr
// is set, otherwise the in-memory store saved to HistoryFile. The close
// func is never nil.
func OpenHistory(cfg *config.Config) (storage.History, func() error, error) {
	if cfg.RedisAddr != "" {
		h, err := storage.NewRedisHistory(storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Limit:    cfg.HistoryLimit,
		})
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	}
	h, err := storage.OpenHistoryFile(cfg.HistoryFile, cfg.HistoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load history %s: %w", cfg.HistoryFile, err)
	}
	return h, func() error { return nil }, nil
}

// Setup builds all clients from cfg. Metrics are registered with reg.
func Setup(cfg *config.Config, reg prometheus.Registerer) (*Components, error) {
	querier, err := metrics.NewPrometheusQuerier(metrics.PrometheusOptions{
		Address:         cfg.PrometheusURL,
		BearerTokenFile: cfg.PrometheusTokenFile,
		Timeout:         cfg.PrometheusTimeout,
	})
	if err != nil {
		return nil, err
	}

	nomadClient, err := orchestrator.NewNomadClient(orchestrator.NomadOptions{
		Address: cfg.NomadAddr,
		Token:   cfg.NomadToken,
		Timeout: cfg.NomadTimeout,
	})
	if err != nil {
		return nil, err
	}

	var submitter orchestrator.Submitter
	switch cfg.SubmitMode {
	case orchestrator.SubmitAPI:
		submitter = &orchestrator.APISubmitter{Client: nomadClient.API()}
	case orchestrator.SubmitCLI:
		submitter = &orchestrator.CLISubmitter{Binary: cfg.NomadBinary, Address: cfg.NomadAddr, Token: cfg.NomadToken}
	default:
		return nil, fmt.Errorf("unknown submit mode %q", cfg.SubmitMode)
	}

	generator, err := jobspec.NewGenerator(jobspec.Options{
		JobsDir:      cfg.JobsDir,
		TemplateFile: cfg.TemplateFile,
		RegistryUser: cfg.RegistryUsername,
		RegistryPass: cfg.RegistryPassword,
		IdleProfile:  models.ResourceProfile{CPU: cfg.IdleCPU, MemoryMB: cfg.IdleMemoryMB},
	})
	if err != nil {
		return nil, err
	}

	policies := policy.NewEngine()
	if cfg.PolicyFile != "" {
		if err := policies.LoadPolicies(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	windows, err := scheduler.NewWindowChecker(cfg.Windows)
	if err != nil {
		return nil, err
	}

	history, closeHistory, err := OpenHistory(cfg)
	if err != nil {
		return nil, err
	}

	var lock CycleLock
	var closeEtcd func() error
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.GetLogger().Desugar().Named("etcd"),
		})
		if err != nil {
			closeHistory()
			return nil, fmt.Errorf("connect to etcd: %w", err)
		}
		lock = lease.New(cli, lease.Options{Key: cfg.LeaseKey, TTL: cfg.LeaseTTL})
		closeEtcd = cli.Close
	}

	var breaker *safety.CircuitBreaker
	if cfg.CircuitBreakerErrors > 0 {
		breaker = safety.NewCircuitBreaker(safety.Options{
			ErrorThreshold: cfg.CircuitBreakerErrors,
			Timeout:        cfg.CircuitBreakerTimeout,
		})
	}

	c := &Components{
		Collector: metrics.NewCollector(querier, cfg.Queries),
		Nomad:     nomadClient,
		Submitter: submitter,
		Inspector: inspector.New(nomadClient),
		Selector: placement.NewSelector(placement.Options{
			Threshold:    cfg.NodeThreshold,
			WorkerPrefix: cfg.WorkerPrefix,
			Excluded:     cfg.ExcludedNodes,
		}),
		Generator: generator,
		Policies:  policies,
		Exporter:  metrics.NewExporter(MetricsNamespace, reg),
		History:   history,
		closers:   []func() error{closeHistory},
	}
	if closeEtcd != nil {
		c.closers = append(c.closers, closeEtcd)
	}

	c.Engine = transition.NewEngine(transition.Config{
		Namespace:          cfg.Namespace,
		LowWatermark:       cfg.LowWatermark,
		ActivateWatermark:  cfg.ActivateWatermark,
		VerifyTimeout:      cfg.VerifyTimeout,
		DryRun:             cfg.DryRun,
		PreferBaseArtifact: cfg.PreferBaseArtifact,
	}, transition.Dependencies{
		Client:    nomadClient,
		Submitter: submitter,
		Inspector: c.Inspector,
		Selector:  c.Selector,
		Generator: generator,
		Gate:      policies,
		Recorder:  c.Exporter,
	})

	c.Controller = New(c.Collector, c.Engine, c.Selector, Options{
		Exporter: c.Exporter,
		Windows:  windows,
		Breaker:  breaker,
		Lock:     lock,
		History:  history,
	})

	klog.V(2).Infof("Components ready: namespace=%s nomad=%s prometheus=%s submit=%s dry-run=%v lease=%v",
		cfg.Namespace, cfg.NomadAddr, cfg.PrometheusURL, cfg.SubmitMode, cfg.DryRun, lock != nil)
	return c, nil
}
