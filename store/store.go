// Package store defines where job state is persisted between runs.
package store

//go:generate mockgen -source=store.go -package=store -destination=store_mock.go

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/gpubatch/gpubatch/scheduler/domain"
)

var ErrNotFound = errors.New("job not found in store")

// StatusUpdate changes the persisted state of one job.
// Status is always written. Empty strings, a nil Error and zero times leave the
// stored value unchanged.
type StatusUpdate struct {
	ID          string
	Status      domain.Status
	BatchID     string
	OutputRef   string
	RetriedAs   string
	Error       *domain.ErrorInfo
	StartedAt   time.Time
	CompletedAt time.Time
}

// UpdateFromJob builds the update that brings the stored copy of job up to date.
func UpdateFromJob(job domain.Job) StatusUpdate {
	return StatusUpdate{
		ID:          job.ID,
		Status:      job.Status,
		BatchID:     job.BatchID,
		OutputRef:   job.OutputRef,
		RetriedAs:   job.RetriedAs,
		Error:       job.Error,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// Apply merges u into job following the StatusUpdate rules.
func (u StatusUpdate) Apply(job *domain.Job) {
	job.Status = u.Status
	if u.BatchID != "" {
		job.BatchID = u.BatchID
	}
	if u.OutputRef != "" {
		job.OutputRef = u.OutputRef
	}
	if u.RetriedAs != "" {
		job.RetriedAs = u.RetriedAs
	}
	if u.Error != nil {
		e := *u.Error
		job.Error = &e
	}
	if !u.StartedAt.IsZero() {
		job.StartedAt = u.StartedAt
	}
	if !u.CompletedAt.IsZero() {
		job.CompletedAt = u.CompletedAt
	}
}

// Store is the durable record of jobs (the run state store).
// Implementations must be safe for concurrent use.
type Store interface {
	// Records a new job. Fails if the id exists.
	CreateJob(ctx context.Context, job domain.Job) error

	// Returns ErrNotFound for unknown ids.
	UpdateJobStatus(ctx context.Context, update StatusUpdate) error

	GetJob(ctx context.Context, id string) (domain.Job, error)

	// Pending jobs, oldest first.
	ListPending(ctx context.Context) ([]domain.Job, error)

	// Jobs recorded as Running, oldest first. After a restart these are orphans.
	ListRunning(ctx context.Context) ([]domain.Job, error)

	Close() error
}
