package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nomad-idle-scaler/pkg/config"
	"nomad-idle-scaler/pkg/controller"
	"nomad-idle-scaler/pkg/logger"
	"nomad-idle-scaler/pkg/metrics"
	"nomad-idle-scaler/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

var (
	envFile     string
	once        bool
	dryRun      bool
	schedule    string
	metricsAddr string
)

func main() {
	klog.InitFlags(nil)
	flag.StringVar(&envFile, "env-file", "", "Path to a .env file (default: ./.env when present)")
	flag.BoolVar(&once, "once", false, "Run a single transition cycle and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "Render artifacts without submitting or deregistering (overrides DRY_RUN)")
	flag.StringVar(&schedule, "schedule", "", "Cron schedule of transition cycles (overrides SCHEDULE)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address of the /metrics endpoint (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}
	if dryRun {
		cfg.DryRun = true
	}
	if schedule != "" {
		cfg.Schedule = schedule
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("%v", err)
	}

	if err := logger.InitGlobalLogger(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		klog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: true,
	})
	if err != nil {
		klog.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			klog.Warningf("Tracing shutdown: %v", err)
		}
	}()

	components, err := controller.Setup(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		klog.Fatalf("Failed to set up controller: %v", err)
	}
	defer func() {
		if err := components.Close(); err != nil {
			klog.Errorf("Failed to close clients: %v", err)
		}
	}()

	if cfg.DryRun {
		klog.Info("Running in DRY-RUN mode - no jobs will be submitted or deregistered")
	}

	if once {
		report, err := components.Controller.RunOnce(ctx)
		if err != nil {
			klog.Fatalf("Transition cycle failed: %v", err)
		}
		for _, r := range report.Results {
			klog.Info(r.String())
		}
		return
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr, prometheus.DefaultGatherer); err != nil {
			klog.Errorf("Metrics endpoint stopped: %v", err)
		}
	}()

	klog.Infof("Starting controller for namespace %s with schedule %q", cfg.Namespace, cfg.Schedule)
	if err := components.Controller.Run(ctx, cfg.Schedule); err != nil {
		klog.Fatalf("Error running controller: %v", err)
	}
}
