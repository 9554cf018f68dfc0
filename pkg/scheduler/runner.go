// Package scheduler runs transition cycles on a cron schedule and gates them
// by optional transition windows.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"
)

// Runner invokes a job on a cron schedule. A tick that fires while the
// previous run is still in progress is skipped, so runs never overlap.
type Runner struct {
	schedule string
	job      func(context.Context)
	cron     *cron.Cron
}

// NewRunner accepts a standard five field schedule or a descriptor such as "@every 5m".
func NewRunner(schedule string, job func(context.Context)) (*Runner, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	logger := klogCronLogger{}
	return &Runner{
		schedule: schedule,
		job:      job,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running job to finish. Runs receive ctx.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() { r.job(ctx) }); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	r.cron.Start()
	klog.Infof("Scheduler started, schedule %q", r.schedule)

	<-ctx.Done()
	<-r.cron.Stop().Done()
	klog.Info("Scheduler stopped")
	return nil
}

type klogCronLogger struct{}

func (klogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	klog.V(4).InfoS("cron: "+msg, keysAndValues...)
}

func (klogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	klog.ErrorS(err, "cron: "+msg, keysAndValues...)
}
