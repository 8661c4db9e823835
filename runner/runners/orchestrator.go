// Package runners executes batch plans: it reserves the planned jobs, runs every batch
// through upload, run, monitor, collect and finalize on a pool of worker slots, and
// reports a terminal result for every job.
package runners

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/os/temp"
	"github.com/gpubatch/gpubatch/runner/execer"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/snapshot"
	"github.com/gpubatch/gpubatch/store"
)

const DefaultRunTimeout = 2 * time.Hour
const DefaultLogBuffer = 256

// Placeholders available in the command template.
const (
	WorkdirVar  = "workdir"
	ManifestVar = "manifest"
	MarkerVar   = "marker"
	BatchVar    = "batch"
)

type Config struct {
	// Number of batches running at once.
	Slots int

	// Hard limit on the run stage of one batch.
	RunTimeout time.Duration

	Transfer RetryConfig

	// Lines of process output buffered between the process and the log sink.
	LogBuffer int

	// Backend directory holding one subdirectory per batch.
	RemoteWorkdir string

	// Container command, one argument per element, with {workdir}, {manifest}, {marker}
	// and {batch} placeholders.
	CommandTemplate []string

	// Local directory collected outputs are written under, one subdirectory per batch.
	OutputDir string
}

func DefaultConfig() Config {
	return Config{
		Slots:           1,
		RunTimeout:      DefaultRunTimeout,
		Transfer:        DefaultRetryConfig(),
		LogBuffer:       DefaultLogBuffer,
		RemoteWorkdir:   "/tmp/gpubatch",
		CommandTemplate: []string{"generate", "--manifest", "{manifest}"},
	}
}

func (c Config) Validate() error {
	if c.Slots < 1 {
		return fmt.Errorf("slots must be positive, got %d", c.Slots)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("run timeout must be positive, got %s", c.RunTimeout)
	}
	if c.Transfer.MaxRetries < 0 {
		return fmt.Errorf("transfer retries must not be negative, got %d", c.Transfer.MaxRetries)
	}
	if len(c.CommandTemplate) == 0 {
		return errors.New("empty command template")
	}
	if c.RemoteWorkdir == "" {
		return errors.New("empty remote workdir")
	}
	return nil
}

// Queue is the part of the job queue the orchestrator drives.
type Queue interface {
	Reserve(generation uint64, batches []domain.Batch) ([]domain.Job, error)
	Finish(res domain.Result) (domain.Job, error)
	WaitUnpaused(ctx context.Context) error
}

type Orchestrator struct {
	cfg   Config
	queue Queue
	store store.Store
	exec  execer.Execer
	filer snapshot.Filer
	sink  LogSink
	tmp   *temp.TempDir
	clk   clock.Clock
	stat  stats.StatsReceiver

	// Batches currently in runBatch.
	running int64

	mu sync.Mutex
	// Batches of executing plans, plus those of the last finished one.
	batches []domain.Batch
}

// NewOrchestrator wires the pipeline. A nil sink logs through logrus, a nil clock is the wall clock
// and a nil stats receiver discards.
func NewOrchestrator(
	cfg Config,
	q Queue,
	st store.Store,
	ex execer.Execer,
	filer snapshot.Filer,
	sink LogSink,
	tmp *temp.TempDir,
	clk clock.Clock,
	stat stats.StatsReceiver,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NewLogrusSink()
	}
	if clk == nil {
		clk = clock.New()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if tmp == nil {
		var err error
		if tmp, err = temp.TempDirDefault(); err != nil {
			return nil, err
		}
	}
	if cfg.OutputDir == "" {
		out, err := tmp.FixedDir("outputs")
		if err != nil {
			return nil, err
		}
		cfg.OutputDir = out.Dir
	}
	return &Orchestrator{
		cfg:   cfg,
		queue: q,
		store: st,
		exec:  ex,
		filer: filer,
		sink:  sink,
		tmp:   tmp,
		clk:   clk,
		stat:  stat,
	}, nil
}

// Execute runs plan to completion and returns one result per planned job, in plan order.
//
// The only errors are plan-level: a stale plan, a paused or closed queue, or an invalid plan.
// In those cases nothing was reserved and no job changed state. Once jobs are reserved every
// one of them reaches a terminal state, whatever happens to its batch. An empty plan is
// checked the same way and yields no results.
func (o *Orchestrator) Execute(ctx context.Context, plan domain.BatchPlan) (domain.Results, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	// An empty plan still goes through Reserve, so a stale one is refused like any other.
	jobs, err := o.queue.Reserve(plan.QueueGeneration, plan.Batches)
	if err != nil {
		switch {
		case domain.IsStalePlan(err):
			o.stat.Counter(stats.OrchestratorStalePlanCounter).Inc(1)
		case errors.Cause(err) == domain.ErrQueuePaused:
			o.stat.Counter(stats.OrchestratorPausedPlanCounter).Inc(1)
		}
		log.WithFields(log.Fields{"generation": plan.QueueGeneration, "error": err}).Info("Plan refused")
		return nil, err
	}
	if plan.Empty() {
		return domain.Results{}, nil
	}
	log.WithFields(log.Fields{
		"generation": plan.QueueGeneration,
		"batches":    len(plan.Batches),
		"jobs":       len(jobs),
		"slots":      o.cfg.Slots,
	}).Info("Executing plan")
	o.recordRunning(ctx, jobs)
	o.trackBatches(plan.Batches)

	byID := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	work := make([]batchWork, len(plan.Batches))
	for i, b := range plan.Batches {
		w := batchWork{batch: b}
		for _, id := range b.JobIDs {
			w.jobs = append(w.jobs, byID[id])
		}
		work[i] = w
	}

	perBatch := o.runPool(ctx, work)

	var results domain.Results
	for _, rs := range perBatch {
		results = append(results, rs...)
	}
	log.WithFields(log.Fields{
		"generation": plan.QueueGeneration,
		"completed":  results.Count(domain.Completed),
		"failed":     results.Count(domain.Failed),
	}).Info("Plan finished")
	return results, nil
}

// Batches lists the batches of every plan being executed and of the last finished plan,
// with their current status.
func (o *Orchestrator) Batches() []domain.Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.Batch(nil), o.batches...)
}

// trackBatches forgets finished batches and adds the plan's, all Planned.
func (o *Orchestrator) trackBatches(batches []domain.Batch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.batches[:0]
	for _, b := range o.batches {
		if b.Status != domain.BatchDone {
			kept = append(kept, b)
		}
	}
	for _, b := range batches {
		b.Status = domain.BatchPlanned
		b.JobIDs = append([]string(nil), b.JobIDs...)
		kept = append(kept, b)
	}
	o.batches = kept
}

func (o *Orchestrator) setBatchStatus(id string, status domain.BatchStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.batches {
		if o.batches[i].ID == id {
			o.batches[i].Status = status
			return
		}
	}
}

// validatePlan rejects plans the planner could not have produced.
func validatePlan(plan domain.BatchPlan) error {
	seen := map[string]string{}
	for _, b := range plan.Batches {
		if b.ID == "" {
			return errors.New("invalid plan: batch without id")
		}
		if len(b.JobIDs) == 0 {
			return fmt.Errorf("invalid plan: batch %s is empty", b.ID)
		}
		if b.MaxSize > 0 && len(b.JobIDs) > b.MaxSize {
			return fmt.Errorf("invalid plan: batch %s holds %d jobs, cap is %d", b.ID, len(b.JobIDs), b.MaxSize)
		}
		for _, id := range b.JobIDs {
			if other, ok := seen[id]; ok {
				return fmt.Errorf("invalid plan: job %s is in batches %s and %s", id, other, b.ID)
			}
			seen[id] = b.ID
		}
	}
	return nil
}

// recordRunning persists the reservation. Failures are logged; the queue stays authoritative.
func (o *Orchestrator) recordRunning(ctx context.Context, jobs []domain.Job) {
	for _, j := range jobs {
		if err := o.store.UpdateJobStatus(context.WithoutCancel(ctx), store.UpdateFromJob(j)); err != nil {
			o.stat.Counter(stats.StoreUpdateFailureCounter).Inc(1)
			log.WithFields(log.Fields{"jobID": j.ID, "error": err}).Error("Failed to record running job")
		}
	}
}
