package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/scheduler/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T) (*Queue, *clock.Mock) {
	clk := clock.NewMock()
	q := NewQueue(clk, stats.NilStatsReceiver())
	t.Cleanup(q.Close)
	return q, clk
}

func edgeSpec(id string) domain.JobSpec {
	return domain.JobSpec{ID: id, PromptRef: "p-" + id, Controls: map[string]domain.Control{"edge": {Weight: 0.5}}}
}

func oneBatch(id string, jobIDs ...string) []domain.Batch {
	return []domain.Batch{{ID: id, JobIDs: jobIDs, MaxSize: 8}}
}

func TestEnqueueBumpsGeneration(t *testing.T) {
	q, clk := newTestQueue(t)
	assert.Equal(t, uint64(0), q.Generation())

	id, err := q.Enqueue(edgeSpec("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	clk.Add(time.Second)
	_, err = q.Enqueue(edgeSpec("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), q.Generation())

	_, err = q.Enqueue(edgeSpec("a"))
	assert.Equal(t, domain.ErrDuplicateJob, err)
	assert.Equal(t, uint64(2), q.Generation())

	_, err = q.Enqueue(domain.JobSpec{ID: "k", PromptRef: "p", Kind: domain.Kind(9)})
	assert.Equal(t, domain.ErrUnknownKind, err)
	assert.Equal(t, uint64(2), q.Generation())

	generated, err := q.Enqueue(domain.JobSpec{PromptRef: "anon"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)

	jobs, gen := q.PendingSnapshot()
	assert.Equal(t, uint64(3), gen)
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)
	assert.True(t, jobs[0].CreatedAt.Before(jobs[1].CreatedAt))
}

func TestSnapshotIsACopy(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue(edgeSpec("a"))

	jobs, _ := q.PendingSnapshot()
	jobs[0].Controls["edge"] = domain.Control{Weight: 1}
	jobs[0].Status = domain.Failed

	job, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, 0.5, job.Controls["edge"].Weight)
	assert.Equal(t, domain.Pending, job.Status)
}

func TestCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue(edgeSpec("a"))
	gen := q.Generation()

	assert.True(t, q.Cancel("a"))
	assert.Equal(t, gen+1, q.Generation())
	assert.False(t, q.Cancel("a"))
	assert.False(t, q.Cancel("nope"))
	assert.Equal(t, gen+1, q.Generation())

	job, _ := q.Get("a")
	assert.Equal(t, domain.Cancelled, job.Status)
	jobs, _ := q.PendingSnapshot()
	assert.Empty(t, jobs)
	assert.Len(t, q.List(), 1)
}

func TestConcurrentCancelExactlyOneWins(t *testing.T) {
	q, _ := newTestQueue(t)
	for round := 0; round < 20; round++ {
		id := string(rune('a' + round))
		q.Enqueue(edgeSpec(id))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if q.Cancel(id) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins, "job %s", id)
	}
}

func TestReserveStaleChangesNothing(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue(edgeSpec("a"))
	q.Enqueue(edgeSpec("b"))
	_, gen := q.PendingSnapshot()

	q.Enqueue(edgeSpec("c"))
	before := q.List()

	jobs, err := q.Reserve(gen, oneBatch("batch-1", "a", "b"))
	assert.Nil(t, jobs)
	require.Error(t, err)
	assert.True(t, domain.IsStalePlan(err))
	stale := err.(*domain.StalePlanError)
	assert.Equal(t, gen, stale.PlanGeneration)
	assert.Equal(t, gen+1, stale.QueueGeneration)

	assert.Equal(t, before, q.List())
	assert.Equal(t, gen+1, q.Generation())
}

func TestReserveAndFinish(t *testing.T) {
	q, clk := newTestQueue(t)
	q.Enqueue(edgeSpec("a"))
	q.Enqueue(edgeSpec("b"))
	_, gen := q.PendingSnapshot()

	clk.Add(time.Minute)
	jobs, err := q.Reserve(gen, oneBatch("batch-1", "a", "b"))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, domain.Running, j.Status)
		assert.Equal(t, "batch-1", j.BatchID)
		assert.Equal(t, clk.Now(), j.StartedAt)
	}
	assert.Equal(t, gen+1, q.Generation())
	assert.False(t, q.Cancel("a"), "running jobs cannot be cancelled")

	// A second reserve with the old generation must fail.
	_, err = q.Reserve(gen, oneBatch("batch-2", "a"))
	assert.True(t, domain.IsStalePlan(err))

	done, err := q.Finish(domain.Result{JobID: "a", Status: domain.Completed, OutputRef: "out/a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, done.Status)
	assert.Equal(t, "out/a.mp4", done.OutputRef)
	assert.Equal(t, clk.Now(), done.CompletedAt)

	failed, err := q.Finish(domain.Result{JobID: "b", Status: domain.Failed,
		Error: &domain.ErrorInfo{Kind: domain.KindMissingOutput, Message: "gone"}})
	require.NoError(t, err)
	assert.Equal(t, domain.KindMissingOutput, failed.Error.Kind)

	_, err = q.Finish(domain.Result{JobID: "a", Status: domain.Failed})
	assert.Error(t, err, "terminal jobs never change")
	_, err = q.Finish(domain.Result{JobID: "zzz", Status: domain.Failed})
	assert.Equal(t, domain.ErrUnknownJob, err)
}

func TestReserveRejectsDuplicatesAndPause(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue(edgeSpec("a"))
	gen := q.Generation()

	_, err := q.Reserve(gen, []domain.Batch{{ID: "x", JobIDs: []string{"a"}}, {ID: "y", JobIDs: []string{"a"}}})
	assert.True(t, domain.IsStalePlan(err))

	none, err := q.Reserve(gen, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, gen, q.Generation(), "reserving nothing keeps the generation")

	q.Pause()
	assert.True(t, q.Paused())
	_, err = q.Reserve(gen, oneBatch("x", "a"))
	assert.Equal(t, domain.ErrQueuePaused, err)

	q.Resume()
	_, err = q.Reserve(gen, oneBatch("x", "a"))
	assert.NoError(t, err)
}

func TestWaitUnpaused(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.NoError(t, q.WaitUnpaused(context.Background()))

	q.Pause()
	done := make(chan error, 1)
	go func() { done <- q.WaitUnpaused(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitUnpaused returned while paused")
	case <-time.After(20 * time.Millisecond):
	}
	q.Resume()
	assert.NoError(t, <-done)

	q.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, q.WaitUnpaused(ctx))
}

func TestRetryLineage(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue(edgeSpec("a"))
	q.Enqueue(edgeSpec("b"))
	_, err := q.Reserve(q.Generation(), oneBatch("batch-1", "a", "b"))
	require.NoError(t, err)

	_, err = q.Retry("a", 2)
	assert.Equal(t, domain.ErrNotRetryable, err, "running jobs are not retryable")

	q.Finish(domain.Result{JobID: "a", Status: domain.Failed, Error: &domain.ErrorInfo{Kind: domain.KindUpload}})
	q.Finish(domain.Result{JobID: "b", Status: domain.Completed})

	gen := q.Generation()
	child, err := q.Retry("a", 2)
	require.NoError(t, err)
	assert.Equal(t, "a", child.ParentID)
	assert.Equal(t, 1, child.RetryCount)
	assert.Equal(t, domain.Pending, child.Status)
	assert.Equal(t, "p-a", child.PromptRef)
	assert.Equal(t, gen+1, q.Generation())

	parent, _ := q.Get("a")
	assert.Equal(t, child.ID, parent.RetriedAs)
	_, err = q.Retry("a", 2)
	assert.Equal(t, domain.ErrNotRetryable, err, "a job is retried at most once")

	_, err = q.Retry("b", 2)
	assert.Equal(t, domain.ErrNotRetryable, err)
	_, err = q.Retry("missing", 2)
	assert.Equal(t, domain.ErrUnknownJob, err)

	// Exhaust the budget.
	_, err = q.Reserve(q.Generation(), oneBatch("batch-2", child.ID))
	require.NoError(t, err)
	q.Finish(domain.Result{JobID: child.ID, Status: domain.Failed})
	grandchild, err := q.Retry(child.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.RetryCount)

	_, err = q.Reserve(q.Generation(), oneBatch("batch-3", grandchild.ID))
	require.NoError(t, err)
	q.Finish(domain.Result{JobID: grandchild.ID, Status: domain.Failed})
	_, err = q.Retry(grandchild.ID, 2)
	assert.Equal(t, domain.ErrRetryLimit, err)
}

func TestRestore(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue(edgeSpec("a"))
	gen := q.Generation()

	restored := []domain.Job{
		domain.NewJob(edgeSpec("a"), time.Unix(1, 0)),
		domain.NewJob(edgeSpec("r1"), time.Unix(1, 0)),
		domain.NewJob(edgeSpec("r2"), time.Unix(2, 0)),
	}
	n, err := q.Restore(restored)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, gen+1, q.Generation(), "restore bumps once")

	jobs, _ := q.PendingSnapshot()
	require.Len(t, jobs, 3)
	assert.Equal(t, "r1", jobs[0].ID, "oldest first")
}

func TestClosedQueue(t *testing.T) {
	q := NewQueue(clock.NewMock(), nil)
	q.Close()
	q.Close()

	_, err := q.Enqueue(edgeSpec("a"))
	assert.Equal(t, domain.ErrQueueClosed, err)
	assert.False(t, q.Cancel("a"))
	assert.Equal(t, domain.ErrQueueClosed, q.WaitUnpaused(context.Background()))
}

func TestQueueStats(t *testing.T) {
	reg := stats.NewFlatRegistry()
	stat := stats.NewCustomStatsReceiver(func() stats.StatsRegistry { return reg })
	q := NewQueue(clock.NewMock(), stat)
	defer q.Close()

	q.Enqueue(edgeSpec("a"))
	q.Enqueue(edgeSpec("b"))
	q.Cancel("b")
	q.Pause()
	// Stats are refreshed after each request; one more round trip flushes them.
	q.Paused()

	stats.VerifyStats("queue", reg, t, map[string]stats.Rule{
		stats.QueuePendingGauge:     {Checker: stats.Int64EqTest, Value: 1},
		stats.QueueGenerationGauge:  {Checker: stats.Int64EqTest, Value: 3},
		stats.QueuePausedGauge:      {Checker: stats.Int64EqTest, Value: 1},
		stats.QueueEnqueuedCounter:  {Checker: stats.Int64EqTest, Value: 2},
		stats.QueueCancelledCounter: {Checker: stats.Int64EqTest, Value: 1},
	})
}
