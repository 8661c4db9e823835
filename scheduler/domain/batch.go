package domain

import (
	"fmt"
	"time"
)

// BatchStatus tracks a batch through execution.
type BatchStatus int

const (
	BatchPlanned BatchStatus = iota
	BatchExecuting
	BatchDone
)

func (s BatchStatus) String() string {
	switch s {
	case BatchPlanned:
		return "Planned"
	case BatchExecuting:
		return "Executing"
	case BatchDone:
		return "Done"
	}
	return fmt.Sprintf("BatchStatus(%d)", int(s))
}

// Batch is a planned group of jobs that will run in one remote invocation.
type Batch struct {
	ID string

	// Member jobs, oldest first
	JobIDs []string

	// Execution-time signature. For a mixed batch this is the master signature.
	Signature ControlSignature

	// Safe cap for this signature. len(JobIDs) <= MaxSize.
	MaxSize int

	// >= 1.0
	EstimatedSpeedup float64

	// Members have different signatures; unused master modalities run at weight 0.
	Mixed bool

	// Holds a job of a non-batchable kind.
	Singleton bool

	Status BatchStatus
}

func (b Batch) Size() int {
	return len(b.JobIDs)
}

func (b Batch) String() string {
	return fmt.Sprintf("batch:%s, jobs:%d/%d, sig:%s, mixed:%t, speedup:%.2f, status:%s",
		b.ID, len(b.JobIDs), b.MaxSize, b.Signature, b.Mixed, b.EstimatedSpeedup, b.Status)
}

// BatchPlan is the planner output for one analysis pass.
// It is valid for execution only while QueueGeneration is the queue's current generation.
type BatchPlan struct {
	Batches         []Batch
	QueueGeneration uint64
	AllowMixed      bool
	CreatedAt       time.Time

	// Submission time of the oldest planned job. Zero for an empty plan.
	OldestJobAt time.Time
}

func (p BatchPlan) Empty() bool {
	return len(p.Batches) == 0
}

// JobIDs lists every member of every batch, in plan order.
func (p BatchPlan) JobIDs() []string {
	var ids []string
	for _, b := range p.Batches {
		ids = append(ids, b.JobIDs...)
	}
	return ids
}

func (p BatchPlan) NumJobs() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.JobIDs)
	}
	return n
}

// Result is the terminal outcome of one job of an executed plan.
type Result struct {
	JobID       string
	BatchID     string
	Status      Status
	OutputRef   string
	Error       *ErrorInfo
	CompletedAt time.Time
}

func (r Result) String() string {
	if r.Error != nil {
		return fmt.Sprintf("job:%s, batch:%s, status:%s, error:%s", r.JobID, r.BatchID, r.Status, r.Error)
	}
	return fmt.Sprintf("job:%s, batch:%s, status:%s, output:%s", r.JobID, r.BatchID, r.Status, r.OutputRef)
}

// Results are ordered as the plan's jobs.
type Results []Result

func (rs Results) ByJob(id string) (Result, bool) {
	for _, r := range rs {
		if r.JobID == id {
			return r, true
		}
	}
	return Result{}, false
}

func (rs Results) Count(s Status) int {
	n := 0
	for _, r := range rs {
		if r.Status == s {
			n++
		}
	}
	return n
}
