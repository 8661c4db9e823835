package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cerrors "github.com/gpubatch/gpubatch/common/errors"
	"github.com/gpubatch/gpubatch/config/batchconfig"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/scheduler/setup"
)

type runCmd struct {
	jobsPath   string
	allowMixed bool
	dryRun     bool
	noStats    bool
}

func (r *runCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a jobs file, preview the batch plan and execute it",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&r.jobsPath, "jobs", "", "YAML jobs file to submit (required)")
	cmd.Flags().BoolVar(&r.allowMixed, "allow_mixed", false, "Merge under-filled groups into mixed batches; overrides scheduler.allow_mixed")
	cmd.Flags().BoolVar(&r.dryRun, "dry_run", false, "Print the plan preview without executing it")
	cmd.Flags().BoolVar(&r.noStats, "no_stats", false, "Do not print stats after executing")
	return cmd
}

func (r *runCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	if r.jobsPath == "" {
		return cerrors.NewError(errors.New("--jobs is required"), cerrors.UsageExitCode)
	}
	specs, err := batchconfig.LoadJobs(r.jobsPath)
	if err != nil {
		return cerrors.NewError(err, cerrors.UsageExitCode)
	}

	svc, err := setup.Build(c.Config, nil, nil)
	if err != nil {
		return cerrors.NewError(err, cerrors.StoreFailureExitCode)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Errorf("Shutting down: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := svc.Scheduler.Recover(ctx)
	if err != nil {
		return cerrors.NewError(err, cerrors.StoreFailureExitCode)
	}
	if len(report.Orphaned) > 0 {
		fmt.Fprintf(c.out, "failed %d jobs left running by an earlier run: %v\n", len(report.Orphaned), report.Orphaned)
	}

	for i, spec := range specs {
		id, err := svc.Scheduler.Submit(ctx, spec)
		if err != nil {
			return cerrors.NewError(errors.Wrapf(err, "submitting job %d of %s", i, r.jobsPath), cerrors.SubmitFailureExitCode)
		}
		log.WithField("jobID", id).Debug("Submitted")
	}

	allowMixed := c.Config.Scheduler.AllowMixed
	if cmd.Flags().Changed("allow_mixed") {
		allowMixed = r.allowMixed
	}
	plan := svc.Scheduler.AnalyzeQueue(allowMixed)
	fmt.Fprint(c.out, svc.Scheduler.PreviewPlan(plan).String())
	if r.dryRun {
		return nil
	}

	results, err := svc.Scheduler.ExecutePlan(ctx, plan)
	if err != nil {
		return cerrors.NewError(err, cerrors.PlanRejectedExitCode)
	}
	failed := printResults(c, results)
	if !r.noStats {
		fmt.Fprintf(c.out, "%s\n", svc.Stats.Render(true))
	}
	if failed > 0 {
		return cerrors.NewError(fmt.Errorf("%d of %d jobs did not complete", failed, len(results)), cerrors.JobsFailedExitCode)
	}
	return nil
}

// printResults writes one line per job and returns how many did not complete.
func printResults(c *CLI, results domain.Results) int {
	failed := 0
	for _, res := range results {
		if res.Status != domain.Completed {
			failed++
		}
		fmt.Fprintln(c.out, res.String())
	}
	return failed
}
