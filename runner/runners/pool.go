package runners

import (
	"context"
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gpubatch/gpubatch/scheduler/domain"
)

type batchWork struct {
	batch domain.Batch
	jobs  []domain.Job
}

// runPool offers batches in plan order to the worker slots and returns finalized results
// indexed like work. A slot waits for the queue to be unpaused before starting each batch;
// batches that cannot start because ctx ended are failed as aborted.
func (o *Orchestrator) runPool(ctx context.Context, work []batchWork) []domain.Results {
	out := make([]domain.Results, len(work))
	workCh := make(chan int)

	var g errgroup.Group
	for slot := 0; slot < o.cfg.Slots; slot++ {
		slot := slot
		g.Go(func() error {
			for i := range workCh {
				out[i] = o.runSlot(ctx, slot, work[i])
			}
			return nil
		})
	}
	for i := range work {
		workCh <- i
	}
	close(workCh)
	g.Wait()
	return out
}

func (o *Orchestrator) runSlot(ctx context.Context, slot int, w batchWork) (results domain.Results) {
	defer o.setBatchStatus(w.batch.ID, domain.BatchDone)
	if err := o.queue.WaitUnpaused(ctx); err != nil {
		log.WithFields(log.Fields{"batchID": w.batch.ID, "slot": slot}).Info("Not starting batch")
		return o.finalize(ctx, failAll(w, &domain.ExecutionError{ErrKind: domain.KindAborted, Err: err}))
	}
	if err := ctx.Err(); err != nil {
		return o.finalize(ctx, failAll(w, &domain.ExecutionError{ErrKind: domain.KindAborted, Err: err}))
	}

	o.setBatchStatus(w.batch.ID, domain.BatchExecuting)
	var raw []domain.Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"batchID": w.batch.ID, "panic": r}).Errorf("Batch pipeline panicked\n%s", debug.Stack())
				raw = failAll(w, &domain.IndeterminateFailureError{BatchID: w.batch.ID, ExitCode: -1, Detail: fmt.Sprint(r)})
			}
		}()
		raw = o.runBatch(ctx, slot, w)
	}()
	return o.finalize(ctx, raw)
}

// failAll gives every member of a batch the same error.
func failAll(w batchWork, err error) []domain.Result {
	info := domain.InfoFromError(err)
	results := make([]domain.Result, len(w.batch.JobIDs))
	for i, id := range w.batch.JobIDs {
		e := *info
		results[i] = domain.Result{JobID: id, BatchID: w.batch.ID, Status: domain.Failed, Error: &e}
	}
	return results
}
