// Package queue holds the job queue. A single goroutine owns every job and the
// generation counter; callers talk to it over a request channel.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/common"
	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/scheduler/domain"
)

type result struct {
	job  domain.Job
	jobs []domain.Job
	gen  uint64
	ok   bool
	wait <-chan struct{}
	err  error
}

type enqueueReq struct {
	spec     domain.JobSpec
	resultCh chan result
}

type cancelReq struct {
	id       string
	resultCh chan result
}

type retryReq struct {
	id         string
	maxRetries int
	resultCh   chan result
}

type pauseReq struct {
	paused   bool
	resultCh chan result
}

type pausedReq struct {
	resultCh chan result
}

type snapshotReq struct {
	resultCh chan result
}

type getReq struct {
	id       string
	resultCh chan result
}

type listReq struct {
	resultCh chan result
}

type reserveReq struct {
	generation uint64
	batches    []domain.Batch
	resultCh   chan result
}

type finishReq struct {
	res      domain.Result
	resultCh chan result
}

type restoreReq struct {
	jobs     []domain.Job
	resultCh chan result
}

type waitReq struct {
	resultCh chan result
}

// Queue is the authoritative list of jobs.
//
// Every mutation visible to the planner (Enqueue, Cancel, Retry, Reserve, Restore)
// bumps the generation, which invalidates every plan analyzed before it.
// Terminal jobs stay in the queue for lookups; they are never deleted.
type Queue struct {
	clk  clock.Clock
	stat stats.StatsReceiver

	reqCh    chan interface{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// Owned by loop()
	jobs       []*domain.Job
	byID       map[string]*domain.Job
	generation uint64
	paused     bool
	// Closed and replaced on Resume.
	resumeCh chan struct{}
}

// NewQueue starts the queue goroutine. Call Close to stop it.
func NewQueue(clk clock.Clock, stat stats.StatsReceiver) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	q := &Queue{
		clk:      clk,
		stat:     stat,
		reqCh:    make(chan interface{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		byID:     make(map[string]*domain.Job),
		resumeCh: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Close stops the queue goroutine. Subsequent calls fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

// send hands req to the loop and waits for its answer.
func (q *Queue) send(req interface{}, resultCh chan result) result {
	select {
	case q.reqCh <- req:
	case <-q.stopCh:
		return result{err: domain.ErrQueueClosed}
	}
	return <-resultCh
}

// Enqueue adds a Pending job and returns its id. An empty spec.ID gets a generated one.
func (q *Queue) Enqueue(spec domain.JobSpec) (string, error) {
	resultCh := make(chan result, 1)
	r := q.send(enqueueReq{spec, resultCh}, resultCh)
	return r.job.ID, r.err
}

// Cancel moves a Pending job to Cancelled. It returns false for any other state or unknown id,
// so of several concurrent cancels of one job exactly one returns true.
func (q *Queue) Cancel(id string) bool {
	resultCh := make(chan result, 1)
	return q.send(cancelReq{id, resultCh}, resultCh).ok
}

// Retry creates a new Pending job from the Failed job id, linked through ParentID.
func (q *Queue) Retry(id string, maxRetries int) (domain.Job, error) {
	resultCh := make(chan result, 1)
	r := q.send(retryReq{id, maxRetries, resultCh}, resultCh)
	return r.job, r.err
}

// Pause stops plans from starting and workers from picking up further batches.
func (q *Queue) Pause() {
	resultCh := make(chan result, 1)
	q.send(pauseReq{true, resultCh}, resultCh)
}

func (q *Queue) Resume() {
	resultCh := make(chan result, 1)
	q.send(pauseReq{false, resultCh}, resultCh)
}

func (q *Queue) Paused() bool {
	resultCh := make(chan result, 1)
	return q.send(pausedReq{resultCh}, resultCh).ok
}

// PendingSnapshot returns copies of the Pending jobs, oldest first, and the
// generation they were read at.
func (q *Queue) PendingSnapshot() ([]domain.Job, uint64) {
	resultCh := make(chan result, 1)
	r := q.send(snapshotReq{resultCh}, resultCh)
	return r.jobs, r.gen
}

func (q *Queue) Generation() uint64 {
	_, gen := q.PendingSnapshot()
	return gen
}

func (q *Queue) Get(id string) (domain.Job, bool) {
	resultCh := make(chan result, 1)
	r := q.send(getReq{id, resultCh}, resultCh)
	return r.job, r.ok
}

// List returns copies of every job, in submission order.
func (q *Queue) List() []domain.Job {
	resultCh := make(chan result, 1)
	return q.send(listReq{resultCh}, resultCh).jobs
}

// Reserve marks every member of batches Running, provided generation is still current
// and the queue is not paused. On error nothing is changed.
// The reserved jobs are returned in batch order.
func (q *Queue) Reserve(generation uint64, batches []domain.Batch) ([]domain.Job, error) {
	resultCh := make(chan result, 1)
	r := q.send(reserveReq{generation, batches, resultCh}, resultCh)
	return r.jobs, r.err
}

// Finish moves a Running job into the terminal state carried by res.
func (q *Queue) Finish(res domain.Result) (domain.Job, error) {
	resultCh := make(chan result, 1)
	r := q.send(finishReq{res, resultCh}, resultCh)
	return r.job, r.err
}

// Restore loads jobs recovered from a store. Known ids are skipped.
// It returns the number of jobs loaded.
func (q *Queue) Restore(jobs []domain.Job) (int, error) {
	resultCh := make(chan result, 1)
	r := q.send(restoreReq{jobs, resultCh}, resultCh)
	return len(r.jobs), r.err
}

// WaitUnpaused blocks while the queue is paused.
func (q *Queue) WaitUnpaused(ctx context.Context) error {
	resultCh := make(chan result, 1)
	r := q.send(waitReq{resultCh}, resultCh)
	if r.err != nil {
		return r.err
	}
	if r.wait == nil {
		return nil
	}
	select {
	case <-r.wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopCh:
		return domain.ErrQueueClosed
	}
}

func (q *Queue) loop() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case req := <-q.reqCh:
			q.handle(req)
		}
		q.updateStats()
	}
}

func (q *Queue) handle(req interface{}) {
	switch r := req.(type) {
	case enqueueReq:
		job, err := q.enqueue(r.spec)
		r.resultCh <- result{job: job, err: err}
	case cancelReq:
		r.resultCh <- result{ok: q.cancel(r.id)}
	case retryReq:
		job, err := q.retry(r.id, r.maxRetries)
		r.resultCh <- result{job: job, err: err}
	case pauseReq:
		q.setPaused(r.paused)
		r.resultCh <- result{}
	case pausedReq:
		r.resultCh <- result{ok: q.paused}
	case snapshotReq:
		r.resultCh <- result{jobs: q.pending(), gen: q.generation}
	case getReq:
		job, ok := q.byID[r.id]
		if !ok {
			r.resultCh <- result{}
			return
		}
		r.resultCh <- result{job: job.Clone(), ok: true}
	case listReq:
		jobs := make([]domain.Job, len(q.jobs))
		for i, j := range q.jobs {
			jobs[i] = j.Clone()
		}
		r.resultCh <- result{jobs: jobs}
	case reserveReq:
		jobs, err := q.reserve(r.generation, r.batches)
		r.resultCh <- result{jobs: jobs, err: err}
	case finishReq:
		job, err := q.finish(r.res)
		r.resultCh <- result{job: job, err: err}
	case restoreReq:
		r.resultCh <- result{jobs: q.restore(r.jobs)}
	case waitReq:
		var wait <-chan struct{}
		if q.paused {
			wait = q.resumeCh
		}
		r.resultCh <- result{wait: wait}
	default:
		panic(fmt.Sprintf("Unexpected queue request %T", req))
	}
}

func (q *Queue) add(job domain.Job) {
	j := &job
	q.jobs = append(q.jobs, j)
	q.byID[j.ID] = j
}

func (q *Queue) enqueue(spec domain.JobSpec) (domain.Job, error) {
	if !spec.Kind.Valid() {
		return domain.Job{}, domain.ErrUnknownKind
	}
	if spec.ID == "" {
		spec.ID = common.GenUUID()
	}
	if _, ok := q.byID[spec.ID]; ok {
		return domain.Job{}, domain.ErrDuplicateJob
	}
	job := domain.NewJob(spec, q.clk.Now())
	q.add(job)
	q.generation++
	q.stat.Counter(stats.QueueEnqueuedCounter).Inc(1)
	log.WithFields(log.Fields{"jobID": job.ID, "kind": job.Kind, "generation": q.generation}).Debug("Enqueued")
	return job.Clone(), nil
}

func (q *Queue) cancel(id string) bool {
	job, ok := q.byID[id]
	if !ok || !job.Status.CanTransition(domain.Cancelled) {
		return false
	}
	job.Status = domain.Cancelled
	job.CompletedAt = q.clk.Now()
	q.generation++
	q.stat.Counter(stats.QueueCancelledCounter).Inc(1)
	log.WithFields(log.Fields{"jobID": id, "generation": q.generation}).Info("Cancelled")
	return true
}

func (q *Queue) retry(id string, maxRetries int) (domain.Job, error) {
	parent, ok := q.byID[id]
	if !ok {
		return domain.Job{}, domain.ErrUnknownJob
	}
	if parent.Status != domain.Failed || parent.RetriedAs != "" {
		return domain.Job{}, domain.ErrNotRetryable
	}
	if parent.RetryCount >= maxRetries {
		return domain.Job{}, domain.ErrRetryLimit
	}
	spec := parent.Spec()
	spec.ID = common.GenUUID()
	child := domain.NewJob(spec, q.clk.Now())
	child.ParentID = parent.ID
	child.RetryCount = parent.RetryCount + 1
	parent.RetriedAs = child.ID
	q.add(child)
	q.generation++
	log.WithFields(log.Fields{"jobID": child.ID, "parentID": parent.ID, "retry": child.RetryCount}).Info("Retrying")
	return child.Clone(), nil
}

func (q *Queue) setPaused(paused bool) {
	if q.paused == paused {
		return
	}
	q.paused = paused
	if !paused {
		close(q.resumeCh)
		q.resumeCh = make(chan struct{})
	}
	log.Infof("Queue paused: %t", paused)
}

// pending returns copies of Pending jobs sorted by CreatedAt, ties in submission order.
func (q *Queue) pending() []domain.Job {
	var jobs []domain.Job
	for _, j := range q.jobs {
		if j.Status == domain.Pending {
			jobs = append(jobs, j.Clone())
		}
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs
}

func (q *Queue) reserve(generation uint64, batches []domain.Batch) ([]domain.Job, error) {
	if q.paused {
		return nil, domain.ErrQueuePaused
	}
	if generation != q.generation {
		return nil, &domain.StalePlanError{PlanGeneration: generation, QueueGeneration: q.generation}
	}
	// Validate everything before touching anything.
	seen := map[string]bool{}
	for _, b := range batches {
		for _, id := range b.JobIDs {
			job, ok := q.byID[id]
			if !ok || job.Status != domain.Pending || seen[id] {
				return nil, &domain.StalePlanError{PlanGeneration: generation, QueueGeneration: q.generation}
			}
			seen[id] = true
		}
	}
	now := q.clk.Now()
	var reserved []domain.Job
	for _, b := range batches {
		for _, id := range b.JobIDs {
			job := q.byID[id]
			job.Status = domain.Running
			job.BatchID = b.ID
			job.StartedAt = now
			reserved = append(reserved, job.Clone())
		}
	}
	if len(reserved) > 0 {
		q.generation++
	}
	return reserved, nil
}

func (q *Queue) finish(res domain.Result) (domain.Job, error) {
	job, ok := q.byID[res.JobID]
	if !ok {
		return domain.Job{}, domain.ErrUnknownJob
	}
	if !res.Status.IsDone() || !job.Status.CanTransition(res.Status) {
		return domain.Job{}, fmt.Errorf("job %s: invalid transition %s -> %s", job.ID, job.Status, res.Status)
	}
	job.Status = res.Status
	job.CompletedAt = res.CompletedAt
	if job.CompletedAt.IsZero() {
		job.CompletedAt = q.clk.Now()
	}
	if res.Status == domain.Completed {
		job.OutputRef = res.OutputRef
		job.Error = nil
	} else {
		job.OutputRef = ""
		if res.Error != nil {
			e := *res.Error
			job.Error = &e
		}
	}
	return job.Clone(), nil
}

func (q *Queue) restore(jobs []domain.Job) []domain.Job {
	var loaded []domain.Job
	for _, j := range jobs {
		if _, ok := q.byID[j.ID]; ok {
			continue
		}
		j = j.Clone()
		q.add(j)
		loaded = append(loaded, j)
	}
	if len(loaded) > 0 {
		q.generation++
		q.stat.Counter(stats.QueueRestoredCounter).Inc(int64(len(loaded)))
	}
	return loaded
}

func (q *Queue) updateStats() {
	pending := 0
	for _, j := range q.jobs {
		if j.Status == domain.Pending {
			pending++
		}
	}
	q.stat.Gauge(stats.QueuePendingGauge).Update(int64(pending))
	q.stat.Gauge(stats.QueueGenerationGauge).Update(int64(q.generation))
	paused := int64(0)
	if q.paused {
		paused = 1
	}
	q.stat.Gauge(stats.QueuePausedGauge).Update(paused)
}
