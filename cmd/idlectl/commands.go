package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"nomad-idle-scaler/pkg/config"
	"nomad-idle-scaler/pkg/controller"
	"nomad-idle-scaler/pkg/jobspec"
	"nomad-idle-scaler/pkg/models"
	"nomad-idle-scaler/pkg/storage"
	"nomad-idle-scaler/pkg/transition"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	envFile   string
	namespace string
	dryRun    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "idlectl",
		Short:         "Inspect and drive idle/active transitions of Nomad jobs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().AddFlagSet(pflag.CommandLine)
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Path to a .env file (default: ./.env when present)")
	cmd.PersistentFlags().StringVarP(&opts.namespace, "namespace", "n", "", "Namespace to operate on (overrides NAMESPACE)")
	cmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "Render artifacts without submitting or deregistering")

	cmd.AddCommand(
		newCycleCommand(opts),
		newSelectNodeCommand(opts),
		newRenderCommand(opts),
		newStatusCommand(opts),
		newHistoryCommand(opts),
	)
	return cmd
}

// setup loads the configuration and wires the components with a private registry.
func (o *rootOptions) setup() (*config.Config, *controller.Components, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, nil, err
	}
	if o.namespace != "" {
		cfg.Namespace = o.namespace
	}
	if o.dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	components, err := controller.Setup(cfg, prometheus.NewRegistry())
	if err != nil {
		return nil, nil, err
	}
	return cfg, components, nil
}

func newCycleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one transition cycle and print the per-job results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, components, err := opts.setup()
			if err != nil {
				return err
			}
			defer components.Close()
			report, err := components.Controller.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if report.LockHeld {
				fmt.Fprintln(cmd.OutOrStdout(), "Another replica holds the cycle lock, nothing done")
				return nil
			}
			if report.CircuitOpen {
				fmt.Fprintln(cmd.OutOrStdout(), "Circuit breaker open, nothing done")
				return nil
			}
			if report.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "Outside transition windows, nothing done")
				return nil
			}
			printResults(cmd.OutOrStdout(), report.Results)
			if n := report.Count(transition.OutcomeFailed); n > 0 {
				return fmt.Errorf("%d job(s) failed", n)
			}
			return nil
		},
	}
}

func newSelectNodeCommand(opts *rootOptions) *cobra.Command {
	var exclude []string

	cmd := &cobra.Command{
		Use:   "select-node",
		Short: "Show node utilization and the node a new variant would be placed on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, components, err := opts.setup()
			if err != nil {
				return err
			}
			defer components.Close()
			ctx := cmd.Context()
			cpu, err := components.Collector.GetNodeCPU(ctx)
			if err != nil {
				return err
			}
			mem, err := components.Collector.GetNodeMemory(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tCPU%\tMEM%")
			for _, n := range components.Selector.Nodes(cpu, mem) {
				fmt.Fprintf(w, "%s\t%.2f\t%.2f\n", n.Name, n.CPUPct, n.MemPct)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			node, ok := components.Selector.Select(cpu, mem, exclude...)
			if !ok {
				fmt.Fprintf(out, "\nNo node at or below %.0f%%, the orchestrator would place the job\n", components.Selector.Threshold())
				return nil
			}
			fmt.Fprintf(out, "\nSelected: %s\n", node)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Additional nodes to exclude")
	return cmd
}

func newRenderCommand(opts *rootOptions) *cobra.Command {
	var (
		variant string
		node    string
		show    bool
	)

	cmd := &cobra.Command{
		Use:   "render JOB",
		Short: "Render the idle or active variant of a job without submitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, components, err := opts.setup()
			if err != nil {
				return err
			}
			defer components.Close()
			v := models.Variant(strings.ToLower(variant))
			if v != models.VariantIdle && v != models.VariantActive {
				return fmt.Errorf("unknown variant %q, want idle or active", variant)
			}

			identity, _ := models.ParseJobName(args[0], cfg.Namespace)
			base, err := components.Nomad.GetJob(cmd.Context(), args[0], cfg.Namespace)
			if err != nil {
				return fmt.Errorf("get job %s: %w", args[0], err)
			}
			placement, err := components.Generator.Generate(jobspec.Request{
				Base:       base,
				Identity:   identity,
				Variant:    v,
				TargetNode: node,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rendered %s (cpu=%d memory=%dMB) to %s\n",
				placement.JobName(), placement.Profile.CPU, placement.Profile.MemoryMB, placement.ArtifactPath)
			if show {
				data, err := os.ReadFile(placement.ArtifactPath)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", string(models.VariantIdle), "Variant to render: idle or active")
	cmd.Flags().StringVar(&node, "node", "", "Pin the variant to this node (default: no constraint)")
	cmd.Flags().BoolVar(&show, "print", false, "Print the rendered artifact")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB",
		Short: "Show which variants of a job exist, where they run and whether they have allocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, components, err := opts.setup()
			if err != nil {
				return err
			}
			defer components.Close()
			identity, _ := models.ParseJobName(args[0], cfg.Namespace)
			printStatus(cmd.Context(), cmd.OutOrStdout(), components, identity)
			return nil
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "history [JOB...]",
		Short: "Show the recorded transitions of jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			if file != "" {
				cfg.HistoryFile = file
			}
			if cfg.RedisAddr == "" && cfg.HistoryFile == "" {
				return fmt.Errorf("no history backend, set REDIS_ADDR, HISTORY_FILE or --file")
			}
			if opts.namespace != "" {
				cfg.Namespace = opts.namespace
			}

			history, closeHistory, err := controller.OpenHistory(cfg)
			if err != nil {
				return err
			}
			defer closeHistory()

			ctx := cmd.Context()
			var jobs []string
			if len(args) > 0 {
				for _, a := range args {
					identity, _ := models.ParseJobName(a, cfg.Namespace)
					jobs = append(jobs, identity.String())
				}
			} else if jobs, err = history.ListJobs(ctx); err != nil {
				return err
			}
			return printHistory(ctx, cmd.OutOrStdout(), history, jobs)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "History file (default: HISTORY_FILE, ignored when REDIS_ADDR is set)")
	return cmd
}

func printHistory(ctx context.Context, out io.Writer, history storage.History, jobs []string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tJOB\tMEM%\tDECISION\tOUTCOME\tNODE\tREASON")
	for _, job := range jobs {
		entries, err := history.Entries(ctx, job)
		if err != nil {
			return err
		}
		for _, e := range entries {
			node := e.Node
			if node == "" {
				node = "-"
			}
			reason := strings.TrimSpace(e.Reason + " " + e.Error)
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\t%s\t%s\n",
				e.Time.Format(time.RFC3339), job, e.MemoryPct, e.Decision, e.Outcome, node, reason)
		}
	}
	return w.Flush()
}

func printStatus(ctx context.Context, out io.Writer, c *controller.Components, identity models.JobIdentity) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tJOB\tEXISTS\tALLOCATIONS\tNODE")
	for _, v := range []models.Variant{models.VariantActive, models.VariantIdle} {
		name := identity.NameFor(v)
		node := c.Inspector.CurrentWorkers(ctx, name, identity.Namespace)
		if node == "" {
			node = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n", v, name,
			c.Inspector.Exists(ctx, name, identity.Namespace),
			c.Inspector.HasLiveAllocations(ctx, name, identity.Namespace),
			node)
	}
	_ = w.Flush()
}

func printResults(out io.Writer, results []transition.Result) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tMEM%\tDECISION\tOUTCOME\tNODE\tREASON")
	for _, r := range results {
		node := "-"
		if r.Placement != nil && r.Placement.NodeName != "" {
			node = r.Placement.NodeName
		}
		reason := r.Reason
		if r.Err != nil {
			reason = strings.TrimSpace(reason + " " + r.Err.Error())
		}
		if r.DeregisterErr != nil {
			reason = strings.TrimSpace(reason + " " + r.DeregisterErr.Error())
		}
		fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\t%s\t%s\n", r.Identity, r.MemoryPct, r.Decision, r.Outcome, node, reason)
	}
	_ = w.Flush()
}
