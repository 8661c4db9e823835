// Package server provides the scheduling surface of gpubatch: job submission and
// cancellation, queue pause, plan analysis and preview, plan execution and retries.
// Callers (the CLI, or an embedding service) use Scheduler; nothing else is exported.
package server

import (
	"context"

	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/scheduler/planner"
)

const DefaultMaxRetries = 3

type Scheduler interface {
	// Submit validates spec and queues it as a Pending job. Returns the job id.
	Submit(ctx context.Context, spec domain.JobSpec) (string, error)

	// Cancel withdraws a Pending job. False if the job is unknown or no longer Pending.
	Cancel(ctx context.Context, id string) bool

	// Pause stops new plans and new batches from starting. Running batches finish.
	Pause()

	Resume()

	// AnalyzeQueue plans the current Pending jobs. The plan goes stale on the next queue change.
	AnalyzeQueue(allowMixed bool) domain.BatchPlan

	PreviewPlan(plan domain.BatchPlan) planner.Summary

	// ExecutePlan runs plan and returns a result per job. See runners.Orchestrator.Execute.
	ExecutePlan(ctx context.Context, plan domain.BatchPlan) (domain.Results, error)

	// RetryJob queues a new job repeating a Failed one. Returns the new job id.
	RetryJob(ctx context.Context, id string) (string, error)

	Job(id string) (domain.Job, bool)

	Jobs() []domain.Job

	// Recover reloads state from the store after a restart.
	Recover(ctx context.Context) (RecoveryReport, error)
}

type Config struct {
	// Retries allowed per original submission.
	MaxRetries int

	// Requeue jobs that failed in transfer once their plan finishes.
	AutoRetry bool
}

func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries}
}

// RecoveryReport says what Recover found in the store.
type RecoveryReport struct {
	// Pending jobs put back in the queue
	Restored int
	// Jobs the store had as Running, now Failed as indeterminate
	Orphaned []string
}
