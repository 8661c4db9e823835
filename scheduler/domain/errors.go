package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// The plan was analyzed against an older queue generation. Re-analyze.
	ErrStalePlan = errors.New("batch plan is stale")

	ErrQueuePaused  = errors.New("queue is paused")
	ErrQueueClosed  = errors.New("queue is closed")
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("duplicate job id")
	ErrUnknownKind  = errors.New("unknown job kind")
	ErrNotRetryable = errors.New("job is not a failed job awaiting retry")
	ErrRetryLimit   = errors.New("job exhausted its retries")
)

// StalePlanError carries both generations. errors.Cause yields ErrStalePlan.
type StalePlanError struct {
	PlanGeneration  uint64
	QueueGeneration uint64
}

func (e *StalePlanError) Error() string {
	return fmt.Sprintf("batch plan is stale: analyzed at generation %d, queue is at %d",
		e.PlanGeneration, e.QueueGeneration)
}

func (e *StalePlanError) Cause() error {
	return ErrStalePlan
}

func IsStalePlan(err error) bool {
	return errors.Cause(err) == ErrStalePlan
}

// TransientTransportError is an upload or download that kept failing after its retry budget.
type TransientTransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientTransportError) Kind() ErrorKind {
	if e.Op == string(KindDownload) {
		return KindDownload
	}
	return KindUpload
}

// RemoteExecutionTimeout means no completion marker appeared before the run deadline.
type RemoteExecutionTimeout struct {
	BatchID string
	Timeout time.Duration
}

func (e *RemoteExecutionTimeout) Error() string {
	return fmt.Sprintf("batch %s: no completion marker after %s", e.BatchID, e.Timeout)
}

func (e *RemoteExecutionTimeout) Kind() ErrorKind { return KindTimeout }

// IndeterminateFailureError means the remote process ended without a trusted completion marker.
// Remote side effects may be incomplete, so it is never retried automatically.
type IndeterminateFailureError struct {
	BatchID  string
	ExitCode int
	Detail   string
}

func (e *IndeterminateFailureError) Error() string {
	msg := fmt.Sprintf("batch %s: process exited %d without a completion marker", e.BatchID, e.ExitCode)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *IndeterminateFailureError) Kind() ErrorKind { return KindIndeterminate }

// RemoteFailureError is an explicit failure marker written by the remote process.
type RemoteFailureError struct {
	BatchID string
	Message string
}

func (e *RemoteFailureError) Error() string {
	return fmt.Sprintf("batch %s: remote reported failure: %s", e.BatchID, e.Message)
}

func (e *RemoteFailureError) Kind() ErrorKind { return KindRemoteFailure }

// PartialOutputError is recorded against a single job whose declared output is missing.
type PartialOutputError struct {
	BatchID string
	JobID   string
	Output  string
}

func (e *PartialOutputError) Error() string {
	return fmt.Sprintf("batch %s: output %s of job %s is missing", e.BatchID, e.Output, e.JobID)
}

func (e *PartialOutputError) Kind() ErrorKind { return KindMissingOutput }

// ExecutionError covers the remaining batch-fatal kinds (launch, aborted).
type ExecutionError struct {
	ErrKind ErrorKind
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.ErrKind, e.Err)
}

func (e *ExecutionError) Kind() ErrorKind { return e.ErrKind }

type kinded interface {
	Kind() ErrorKind
}

// InfoFromError converts an execution error into the form persisted on the job.
// Errors without a known kind are treated as indeterminate.
func InfoFromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := KindIndeterminate
	if k, ok := errors.Cause(err).(kinded); ok {
		kind = k.Kind()
	}
	return &ErrorInfo{Kind: kind, Message: err.Error()}
}
