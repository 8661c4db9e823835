package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/scheduler/planner"
	"github.com/gpubatch/gpubatch/scheduler/queue"
	"github.com/gpubatch/gpubatch/store"
)

// Executor runs reserved plans; implemented by runners.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, plan domain.BatchPlan) (domain.Results, error)
}

type batchScheduler struct {
	cfg     Config
	queue   *queue.Queue
	planner *planner.Planner
	exec    Executor
	store   store.Store
	clk     clock.Clock
	stat    stats.StatsReceiver
}

// NewScheduler assembles a Scheduler. The queue is owned by the caller, who closes it.
func NewScheduler(
	cfg Config,
	q *queue.Queue,
	p *planner.Planner,
	exec Executor,
	st store.Store,
	clk clock.Clock,
	stat stats.StatsReceiver,
) Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &batchScheduler{
		cfg:     cfg,
		queue:   q,
		planner: p,
		exec:    exec,
		store:   st,
		clk:     clk,
		stat:    stat,
	}
}

// ValidateJobSpec checks a known kind, a prompt, sane control names and weights.
// Out of range weights are accepted and clamped later.
func ValidateJobSpec(spec domain.JobSpec) error {
	if strings.TrimSpace(spec.PromptRef) == "" {
		return fmt.Errorf("job %q: empty prompt reference", spec.ID)
	}
	if !spec.Kind.Valid() {
		return errors.Wrapf(domain.ErrUnknownKind, "job %q: kind %d", spec.ID, int(spec.Kind))
	}
	for m, c := range spec.Controls {
		if strings.TrimSpace(m) == "" || strings.ContainsAny(m, ",= ") {
			return fmt.Errorf("job %q: invalid modality name %q", spec.ID, m)
		}
		if c.HasAsset && c.AssetPath == "" {
			return fmt.Errorf("job %q: %s control declares an asset without a path", spec.ID, m)
		}
	}
	return nil
}

func (s *batchScheduler) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	if err := ValidateJobSpec(spec); err != nil {
		return "", err
	}
	id, err := s.queue.Enqueue(spec)
	if err != nil {
		return "", err
	}
	job, _ := s.queue.Get(id)
	if err := s.store.CreateJob(ctx, job); err != nil {
		// Keep queue and store in agreement.
		s.queue.Cancel(id)
		return "", errors.Wrapf(err, "storing job %s", id)
	}
	s.stat.Counter(stats.ServerSubmitCounter).Inc(1)
	log.WithFields(log.Fields{"jobID": id, "kind": job.Kind, "controls": len(job.Controls)}).Info("Submitted")
	return id, nil
}

func (s *batchScheduler) Cancel(ctx context.Context, id string) bool {
	if !s.queue.Cancel(id) {
		return false
	}
	job, _ := s.queue.Get(id)
	if err := s.store.UpdateJobStatus(ctx, store.UpdateFromJob(job)); err != nil {
		s.stat.Counter(stats.StoreUpdateFailureCounter).Inc(1)
		log.WithFields(log.Fields{"jobID": id, "error": err}).Error("Failed to record cancellation")
	}
	return true
}

func (s *batchScheduler) Pause() {
	s.queue.Pause()
}

func (s *batchScheduler) Resume() {
	s.queue.Resume()
}

func (s *batchScheduler) AnalyzeQueue(allowMixed bool) domain.BatchPlan {
	jobs, gen := s.queue.PendingSnapshot()
	return s.planner.Analyze(jobs, gen, allowMixed)
}

func (s *batchScheduler) PreviewPlan(plan domain.BatchPlan) planner.Summary {
	return s.planner.Preview(plan)
}

func (s *batchScheduler) ExecutePlan(ctx context.Context, plan domain.BatchPlan) (domain.Results, error) {
	results, err := s.exec.Execute(ctx, plan)
	if err != nil || !s.cfg.AutoRetry {
		return results, err
	}
	for _, r := range results {
		if r.Status != domain.Failed || r.Error == nil || !r.Error.Kind.Retryable() {
			continue
		}
		id, err := s.RetryJob(ctx, r.JobID)
		if err != nil {
			log.WithFields(log.Fields{"jobID": r.JobID, "error": err}).Info("Not retrying")
			continue
		}
		s.stat.Counter(stats.ServerAutoRetryCounter).Inc(1)
		log.WithFields(log.Fields{"jobID": r.JobID, "retryID": id, "kind": r.Error.Kind}).Info("Automatically retrying")
	}
	return results, nil
}

func (s *batchScheduler) RetryJob(ctx context.Context, id string) (string, error) {
	if _, ok := s.queue.Get(id); !ok {
		// Failed before a restart; bring it back from the store.
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			if errors.Cause(err) == store.ErrNotFound {
				return "", domain.ErrUnknownJob
			}
			return "", err
		}
		if _, err := s.queue.Restore([]domain.Job{job}); err != nil {
			return "", err
		}
	}
	child, err := s.queue.Retry(id, s.cfg.MaxRetries)
	if err != nil {
		return "", err
	}
	if err := s.store.CreateJob(ctx, child); err != nil {
		s.queue.Cancel(child.ID)
		return "", errors.Wrapf(err, "storing retry of %s", id)
	}
	parent, _ := s.queue.Get(id)
	if err := s.store.UpdateJobStatus(ctx, store.UpdateFromJob(parent)); err != nil {
		s.stat.Counter(stats.StoreUpdateFailureCounter).Inc(1)
		log.WithFields(log.Fields{"jobID": id, "error": err}).Error("Failed to record retry lineage")
	}
	s.stat.Counter(stats.ServerRetryCounter).Inc(1)
	return child.ID, nil
}

func (s *batchScheduler) Job(id string) (domain.Job, bool) {
	return s.queue.Get(id)
}

func (s *batchScheduler) Jobs() []domain.Job {
	return s.queue.List()
}
