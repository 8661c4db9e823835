package server

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gpubatch/gpubatch/os/temp"
	"github.com/gpubatch/gpubatch/runner/execer/execers"
	"github.com/gpubatch/gpubatch/runner/runners"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/scheduler/planner"
	"github.com/gpubatch/gpubatch/scheduler/queue"
	"github.com/gpubatch/gpubatch/store"
	"github.com/gpubatch/gpubatch/store/stores"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	sched   Scheduler
	queue   *queue.Queue
	store   store.Store
	backend *execers.SimBackend
}

func newHarness(t *testing.T, cfg Config, st store.Store) *harness {
	t.Helper()
	h := &harness{store: st, backend: execers.NewSimBackend()}
	h.queue = queue.NewQueue(clock.New(), nil)
	t.Cleanup(h.queue.Close)

	p, err := planner.NewPlanner(planner.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	tmp, err := temp.NewTempDir(t.TempDir(), "sched-")
	require.NoError(t, err)
	rcfg := runners.DefaultConfig()
	rcfg.RunTimeout = 100 * time.Millisecond
	rcfg.Transfer = runners.RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	orch, err := runners.NewOrchestrator(rcfg, h.queue, st, h.backend, h.backend, nil, tmp, nil, nil)
	require.NoError(t, err)

	h.sched = NewScheduler(cfg, h.queue, p, orch, st, nil, nil)
	return h
}

func edge(id string) domain.JobSpec {
	return domain.JobSpec{ID: id, PromptRef: "prompt-" + id, Controls: map[string]domain.Control{"edge": {Weight: .5}}}
}

func (h *harness) runAll(t *testing.T) domain.Results {
	t.Helper()
	plan := h.sched.AnalyzeQueue(false)
	results, err := h.sched.ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	return results
}

func TestSubmitValidatesAndStores(t *testing.T) {
	st := stores.NewMemoryStore()
	h := newHarness(t, DefaultConfig(), st)
	ctx := context.Background()

	id, err := h.sched.Submit(ctx, edge("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	stored, err := st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, stored.Status)

	_, err = h.sched.Submit(ctx, domain.JobSpec{ID: "no-prompt"})
	assert.Error(t, err)
	_, err = h.sched.Submit(ctx, domain.JobSpec{ID: "bad", PromptRef: "p", Controls: map[string]domain.Control{"edge,depth": {Weight: 1}}})
	assert.Error(t, err)
	_, err = h.sched.Submit(ctx, domain.JobSpec{ID: "asset", PromptRef: "p", Controls: map[string]domain.Control{"depth": {Weight: 1, HasAsset: true}}})
	assert.Error(t, err)
	_, err = h.sched.Submit(ctx, edge("a"))
	assert.Equal(t, domain.ErrDuplicateJob, err)
	assert.Len(t, h.sched.Jobs(), 1)
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	st := stores.NewMemoryStore()
	h := newHarness(t, DefaultConfig(), st)
	ctx := context.Background()

	_, err := h.sched.Submit(ctx, domain.JobSpec{ID: "k7", PromptRef: "p", Kind: domain.Kind(7)})
	require.Error(t, err)
	assert.Equal(t, domain.ErrUnknownKind, errors.Cause(err))
	_, err = st.GetJob(ctx, "k7")
	assert.Error(t, err)
	assert.Empty(t, h.sched.Jobs())

	_, err = h.sched.Submit(ctx, edge("a"))
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		plan := h.sched.AnalyzeQueue(false)
		assert.Equal(t, 1, plan.NumJobs())
	})
}

func TestSubmitStoreFailureWithdrawsJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := store.NewMockStore(ctrl)
	st.EXPECT().CreateJob(gomock.Any(), gomock.Any()).Return(errors.New("database is locked"))
	h := newHarness(t, DefaultConfig(), st)

	_, err := h.sched.Submit(context.Background(), edge("a"))
	assert.Error(t, err)
	job, ok := h.sched.Job("a")
	require.True(t, ok)
	assert.Equal(t, domain.Cancelled, job.Status)
	assert.True(t, h.sched.AnalyzeQueue(false).Empty())
}

func TestCancelIsPersisted(t *testing.T) {
	st := stores.NewMemoryStore()
	h := newHarness(t, DefaultConfig(), st)
	ctx := context.Background()
	_, err := h.sched.Submit(ctx, edge("a"))
	require.NoError(t, err)

	assert.True(t, h.sched.Cancel(ctx, "a"))
	assert.False(t, h.sched.Cancel(ctx, "a"))
	assert.False(t, h.sched.Cancel(ctx, "missing"))
	stored, err := st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, stored.Status)
}

func TestAnalyzePreviewExecute(t *testing.T) {
	h := newHarness(t, DefaultConfig(), stores.NewMemoryStore())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.sched.Submit(ctx, edge(id))
		require.NoError(t, err)
	}
	plan := h.sched.AnalyzeQueue(false)
	summary := h.sched.PreviewPlan(plan)
	assert.Equal(t, 3, summary.TotalJobs)
	assert.Equal(t, 1, len(summary.Batches))
	assert.Contains(t, summary.String(), "3 jobs")

	results, err := h.sched.ExecutePlan(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 3, results.Count(domain.Completed))

	// The executed plan moved the queue on; re-running it is stale.
	_, err = h.sched.ExecutePlan(ctx, plan)
	assert.True(t, domain.IsStalePlan(err))
}

func TestPauseRefusesExecution(t *testing.T) {
	h := newHarness(t, DefaultConfig(), stores.NewMemoryStore())
	_, err := h.sched.Submit(context.Background(), edge("a"))
	require.NoError(t, err)
	plan := h.sched.AnalyzeQueue(false)
	h.sched.Pause()
	_, err = h.sched.ExecutePlan(context.Background(), plan)
	assert.Equal(t, domain.ErrQueuePaused, errors.Cause(err))
	h.sched.Resume()
	assert.Equal(t, 1, h.runAll(t).Count(domain.Completed))
}

func TestRetryLineage(t *testing.T) {
	st := stores.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg, st)
	ctx := context.Background()
	_, err := h.sched.Submit(ctx, edge("a"))
	require.NoError(t, err)
	_, err = h.sched.Submit(ctx, edge("ok"))
	require.NoError(t, err)

	h.backend.DropOutputs["a"] = true
	results := h.runAll(t)
	r, _ := results.ByJob("a")
	require.Equal(t, domain.Failed, r.Status)

	childID, err := h.sched.RetryJob(ctx, "a")
	require.NoError(t, err)
	child, ok := h.sched.Job(childID)
	require.True(t, ok)
	assert.Equal(t, domain.Pending, child.Status)
	assert.Equal(t, "a", child.ParentID)
	assert.Equal(t, 1, child.RetryCount)
	assert.Equal(t, "prompt-a", child.PromptRef)

	parent, err := st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, childID, parent.RetriedAs)
	storedChild, err := st.GetJob(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, "a", storedChild.ParentID)

	_, err = h.sched.RetryJob(ctx, "a")
	assert.Equal(t, domain.ErrNotRetryable, err)
	_, err = h.sched.RetryJob(ctx, "ok")
	assert.Equal(t, domain.ErrNotRetryable, err)
	_, err = h.sched.RetryJob(ctx, "nope")
	assert.Equal(t, domain.ErrUnknownJob, err)

	// The retry fails too and the budget of one is spent.
	h.backend.DropOutputs[childID] = true
	h.runAll(t)
	_, err = h.sched.RetryJob(ctx, childID)
	assert.Equal(t, domain.ErrRetryLimit, err)
}

func TestAutoRetryOnlyTransportFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRetry = true
	h := newHarness(t, cfg, stores.NewMemoryStore())
	ctx := context.Background()
	_, err := h.sched.Submit(ctx, edge("a"))
	require.NoError(t, err)

	h.backend.UploadFailures = 2
	results := h.runAll(t)
	r, _ := results.ByJob("a")
	require.Equal(t, domain.KindUpload, r.Error.Kind)

	pending, _ := h.queue.PendingSnapshot()
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ParentID)

	// A timeout is not retried automatically.
	h.backend.Hang = true
	results = h.runAll(t)
	require.Len(t, results, 1)
	assert.Equal(t, domain.KindTimeout, results[0].Error.Kind)
	pending, _ = h.queue.PendingSnapshot()
	assert.Empty(t, pending)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	st := stores.NewMemoryStore()
	now := time.Unix(1000, 0)
	pending := domain.NewJob(edge("p"), now)
	running := domain.NewJob(edge("r"), now.Add(time.Second))
	running.Status = domain.Running
	running.BatchID = "batch-1"
	running.StartedAt = now.Add(2 * time.Second)
	done := domain.NewJob(edge("d"), now)
	done.Status = domain.Completed
	for _, j := range []domain.Job{pending, running, done} {
		require.NoError(t, st.CreateJob(ctx, j))
	}

	h := newHarness(t, DefaultConfig(), st)
	report, err := h.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, []string{"r"}, report.Orphaned)

	orphan, err := st.GetJob(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, orphan.Status)
	assert.Equal(t, domain.KindIndeterminate, orphan.Error.Kind)

	plan := h.sched.AnalyzeQueue(false)
	assert.Equal(t, []string{"p"}, plan.JobIDs())

	childID, err := h.sched.RetryJob(ctx, "r")
	require.NoError(t, err)
	child, _ := h.sched.Job(childID)
	assert.Equal(t, "r", child.ParentID)
}

func TestRetryJobLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	st := stores.NewMemoryStore()
	failed := domain.NewJob(edge("f"), time.Unix(1000, 0))
	failed.Status = domain.Failed
	failed.Error = &domain.ErrorInfo{Kind: domain.KindUpload, Message: "reset"}
	require.NoError(t, st.CreateJob(ctx, failed))

	h := newHarness(t, DefaultConfig(), st)
	childID, err := h.sched.RetryJob(ctx, "f")
	require.NoError(t, err)
	assert.NotEqual(t, "f", childID)
	results := h.runAll(t)
	r, ok := results.ByJob(childID)
	require.True(t, ok)
	assert.Equal(t, domain.Completed, r.Status)
}

func TestRecoverStoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := store.NewMockStore(ctrl)
	st.EXPECT().ListPending(gomock.Any()).Return(nil, errors.New("no such table: jobs"))
	h := newHarness(t, DefaultConfig(), st)
	_, err := h.sched.Recover(context.Background())
	assert.Error(t, err)
}
