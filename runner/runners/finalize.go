package runners

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/store"
)

// finalize moves every job of a batch to its terminal state in the queue, then the store.
// Store failures are aggregated and logged; the returned results are still authoritative.
func (o *Orchestrator) finalize(ctx context.Context, raw []domain.Result) domain.Results {
	ctx = context.WithoutCancel(ctx)
	now := o.clk.Now()
	var errs error
	results := make(domain.Results, 0, len(raw))
	for _, res := range raw {
		if res.CompletedAt.IsZero() {
			res.CompletedAt = now
		}
		job, err := o.queue.Finish(res)
		if err != nil {
			log.WithFields(log.Fields{"jobID": res.JobID, "batchID": res.BatchID, "error": err}).Error("Queue refused result")
			errs = multierr.Append(errs, err)
			results = append(results, res)
			continue
		}
		if err := o.store.UpdateJobStatus(ctx, store.UpdateFromJob(job)); err != nil {
			o.stat.Counter(stats.StoreUpdateFailureCounter).Inc(1)
			errs = multierr.Append(errs, err)
		}

		switch res.Status {
		case domain.Completed:
			o.stat.Counter(stats.JobCompletedCounter).Inc(1)
		case domain.Failed:
			kind := "unknown"
			if res.Error != nil {
				kind = string(res.Error.Kind)
			}
			o.stat.Counter(stats.JobFailedCounter, kind).Inc(1)
		}
		log.WithFields(log.Fields{
			"jobID":   res.JobID,
			"batchID": res.BatchID,
			"status":  res.Status,
			"output":  res.OutputRef,
			"error":   res.Error,
		}).Info("Job finished")
		results = append(results, res)
	}
	if errs != nil {
		log.WithFields(log.Fields{"failures": len(multierr.Errors(errs)), "error": errs}).Error("Finalize could not record every result")
	}
	return results
}
