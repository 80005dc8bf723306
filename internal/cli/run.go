package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/tabsync/internal/backup"
	"github.com/BartekS5/tabsync/internal/config"
	"github.com/BartekS5/tabsync/internal/etl"
	"github.com/BartekS5/tabsync/internal/fetch"
	"github.com/spf13/cobra"
)

type RunOptions struct {
	PipelinesFile string
	Only          []string
	Destination   string
	Every         time.Duration
	DryRun        bool
}

func NewRunCmd(a *app) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sources defined in the pipelines file",
		Example: `  tabsync run -p configs/pipelines.yaml
  tabsync run -p configs/pipelines.yaml --only classes,students --every 1h`,
		RunE: func(c *cobra.Command, args []string) error {
			return a.runPipelines(c.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.PipelinesFile, "pipelines", "p", "configs/pipelines.yaml", "Path to pipelines file")
	cmd.Flags().StringSliceVar(&opts.Only, "only", nil, "Run only these sources")
	cmd.Flags().StringVarP(&opts.Destination, "destination", "d", "", "postgres, sqlserver or mongo (overrides TABSYNC_DESTINATION and the file)")
	cmd.Flags().DurationVar(&opts.Every, "every", 0, "Repeat the run on this interval until interrupted")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Fetch and transform without writing to the destination")

	return cmd
}

func (a *app) runPipelines(ctx context.Context, opts *RunOptions) error {
	p, err := config.LoadPipelines(opts.PipelinesFile)
	if err != nil {
		return err
	}
	sources, err := p.Select(opts.Only)
	if err != nil {
		return err
	}

	runner := &etl.Runner{
		Transformer: etl.NewTransformer(),
		Retry: fetch.RetryOptions{
			Workers:      p.Retry.Workers,
			BaseTimeout:  p.Retry.BaseTimeout,
			RetryTimeout: p.Retry.RetryTimeout,
			RateLimitRPS: p.Retry.RateLimitRPS,
		},
		DryRun: opts.DryRun,
		Logger: a.log,
	}
	if p.BackupDir != "" {
		runner.Backup = backup.NewWriter(p.BackupDir, a.log)
	}

	if !opts.DryRun {
		dest := pickDestination(opts.Destination, a.cfg, p.Destination)
		workers := p.Workers
		if workers <= 0 {
			workers = etl.DefaultWorkers
		}
		d, closeFn, err := openDestination(ctx, a.cfg, dest, workers)
		if err != nil {
			return err
		}
		defer closeFn()
		a.log.Info("destination connected", "destination", dest)

		loader := etl.NewLoader(d, a.log)
		loader.Workers = workers
		if p.BatchSize > 0 {
			loader.BatchSize = p.BatchSize
		}
		runner.Loader = loader
	}

	// an interrupt stops the schedule between runs, never a run in flight
	runCtx := context.WithoutCancel(ctx)
	if opts.Every <= 0 {
		return runOnce(runCtx, runner, sources)
	}

	a.log.Info("scheduled mode", "every", opts.Every)
	ticker := time.NewTicker(opts.Every)
	defer ticker.Stop()
	for {
		if err := runOnce(runCtx, runner, sources); err != nil {
			a.log.Error("scheduled run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.log.Info("stopping scheduled runs")
			return nil
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, runner *etl.Runner, sources []config.Source) error {
	rep, err := runner.Run(ctx, sources)
	if err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("run %s: sources not fully loaded: %s", rep.RunID, strings.Join(rep.Failed(), ", "))
	}
	return nil
}
