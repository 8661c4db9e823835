package cli

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	cerrors "github.com/gpubatch/gpubatch/common/errors"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/scheduler/setup"
	"github.com/gpubatch/gpubatch/store"
)

type statusCmd struct {
	pending bool
	running bool
}

func (s *statusCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job id...]",
		Short: "Print stored jobs",
		Long:  "Print the stored state of the given jobs. Only useful with a persistent store.",
	}
	cmd.Flags().BoolVar(&s.pending, "pending", false, "Also print every pending job")
	cmd.Flags().BoolVar(&s.running, "running", false, "Also print every running job")
	return cmd
}

func (s *statusCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	st, err := setup.MakeStore(c.Config.Store)
	if err != nil {
		return cerrors.NewError(err, cerrors.StoreFailureExitCode)
	}
	defer st.Close()

	ctx := context.Background()
	var jobs []domain.Job
	for _, id := range args {
		job, err := st.GetJob(ctx, id)
		if errors.Cause(err) == store.ErrNotFound {
			fmt.Fprintf(c.out, "job:%s, not found\n", id)
			continue
		} else if err != nil {
			return cerrors.NewError(err, cerrors.StoreFailureExitCode)
		}
		jobs = append(jobs, job)
	}
	if s.pending {
		pending, err := st.ListPending(ctx)
		if err != nil {
			return cerrors.NewError(err, cerrors.StoreFailureExitCode)
		}
		jobs = append(jobs, pending...)
	}
	if s.running {
		running, err := st.ListRunning(ctx)
		if err != nil {
			return cerrors.NewError(err, cerrors.StoreFailureExitCode)
		}
		jobs = append(jobs, running...)
	}
	for _, job := range jobs {
		fmt.Fprintln(c.out, describe(job))
	}
	return nil
}

func describe(job domain.Job) string {
	s := job.String()
	if job.ParentID != "" {
		s += ", parent:" + job.ParentID
	}
	if job.RetriedAs != "" {
		s += ", retried_as:" + job.RetriedAs
	}
	if job.Error != nil {
		s += ", error:" + job.Error.String()
	}
	if job.OutputRef != "" {
		s += ", output:" + job.OutputRef
	}
	return s
}
