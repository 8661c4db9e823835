package server

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/store"
)

const orphanMessage = "scheduler restarted while the job was running; remote state unknown"

// Recover puts stored Pending jobs back in the queue. Jobs stored as Running were lost with
// the previous process: their remote batch may or may not have finished, so they are failed
// as indeterminate and kept in the queue where RetryJob can reach them.
func (s *batchScheduler) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return report, errors.Wrap(err, "listing pending jobs")
	}
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		return report, errors.Wrap(err, "listing running jobs")
	}

	now := s.clk.Now()
	jobs := append([]domain.Job(nil), pending...)
	for _, j := range running {
		j.Status = domain.Failed
		j.CompletedAt = now
		j.OutputRef = ""
		j.Error = &domain.ErrorInfo{Kind: domain.KindIndeterminate, Message: orphanMessage}
		if err := s.store.UpdateJobStatus(ctx, store.UpdateFromJob(j)); err != nil {
			return report, errors.Wrapf(err, "failing orphaned job %s", j.ID)
		}
		log.WithFields(log.Fields{"jobID": j.ID, "batchID": j.BatchID}).Warn("Orphaned running job failed as indeterminate")
		report.Orphaned = append(report.Orphaned, j.ID)
		jobs = append(jobs, j)
	}

	if _, err := s.queue.Restore(jobs); err != nil {
		return report, err
	}
	report.Restored = len(pending)
	s.stat.Counter(stats.ServerRecoveredCounter).Inc(int64(report.Restored))
	s.stat.Counter(stats.ServerOrphanedCounter).Inc(int64(len(report.Orphaned)))
	log.WithFields(log.Fields{"restored": report.Restored, "orphaned": len(report.Orphaned)}).Info("Recovered from store")
	return report, nil
}
