// Package domain provides definitions for video-generation Jobs, Batches and BatchPlans
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind is the closed set of job kinds the planner knows about.
type Kind int

const (
	// Single inference-style generation, the only batchable kind.
	Inference Kind = iota

	// Post-processing enhancement of an existing output.
	Enhancement

	// Resolution upscale of an existing output.
	Upscale
)

func (k Kind) Valid() bool {
	return k >= Inference && k <= Upscale
}

// Batchable reports whether jobs of this kind may share a batch.
func (k Kind) Batchable() bool {
	switch k {
	case Inference:
		return true
	case Enhancement, Upscale:
		return false
	default:
		panic(fmt.Sprintf("Unexpected Kind %v", int(k)))
	}
}

func (k Kind) String() string {
	switch k {
	case Inference:
		return "inference"
	case Enhancement:
		return "enhancement"
	case Upscale:
		return "upscale"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String. The empty string is Inference.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inference":
		return Inference, nil
	case "enhancement", "enhance":
		return Enhancement, nil
	case "upscale":
		return Upscale, nil
	}
	return Inference, fmt.Errorf("unknown job kind %q", s)
}

// Control is one conditioning modality of a job.
type Control struct {
	// In [0,1]; values outside the range are clamped when deriving signatures.
	Weight float64

	// Whether the job ships its own input for this modality (e.g. a depth video).
	HasAsset bool

	// Local path of the asset, uploaded with the batch. Only meaningful if HasAsset.
	AssetPath string
}

// ClampWeight forces w into [0,1]. NaN is 0.
func ClampWeight(w float64) float64 {
	if math.IsNaN(w) || w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// JobSpec is what a submitter hands us.
type JobSpec struct {
	ID        string
	PromptRef string
	Kind      Kind
	Controls  map[string]Control
}

// Job is one inference request and its lifecycle.
type Job struct {
	ID        string
	PromptRef string
	Kind      Kind
	Controls  map[string]Control
	Status    Status

	// Set while Running, and kept on terminal jobs for audit.
	BatchID string

	// Number of retries that led to this job; 0 for an original submission.
	RetryCount int
	// Failed job this one retries, if any.
	ParentID string
	// Job created to retry this one, if any.
	RetriedAs string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Only valid if Status == Completed
	OutputRef string
	// Only valid if Status == Failed
	Error *ErrorInfo
}

// NewJob creates a Pending job from spec.
func NewJob(spec JobSpec, createdAt time.Time) Job {
	return Job{
		ID:        spec.ID,
		PromptRef: spec.PromptRef,
		Kind:      spec.Kind,
		Controls:  copyControls(spec.Controls),
		Status:    Pending,
		CreatedAt: createdAt,
	}
}

// Clone returns a deep copy, safe to hand out of the queue.
func (j Job) Clone() Job {
	c := j
	c.Controls = copyControls(j.Controls)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return c
}

// EffectiveWeight is the clamped weight the job runs with for modality m, 0 if unused.
func (j Job) EffectiveWeight(m string) float64 {
	c, ok := j.Controls[m]
	if !ok {
		return 0
	}
	return ClampWeight(c.Weight)
}

// Spec returns the submission that would recreate this job.
func (j Job) Spec() JobSpec {
	return JobSpec{ID: j.ID, PromptRef: j.PromptRef, Kind: j.Kind, Controls: copyControls(j.Controls)}
}

func (j Job) String() string {
	return fmt.Sprintf("job:%s, kind:%s, status:%s, batch:%s, retries:%d", j.ID, j.Kind, j.Status, j.BatchID, j.RetryCount)
}

func copyControls(in map[string]Control) map[string]Control {
	if in == nil {
		return nil
	}
	out := make(map[string]Control, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ErrorKind tags why a job failed.
type ErrorKind string

const (
	KindUpload        ErrorKind = "upload"
	KindDownload      ErrorKind = "download"
	KindLaunch        ErrorKind = "launch"
	KindTimeout       ErrorKind = "timeout"
	KindIndeterminate ErrorKind = "indeterminate"
	KindRemoteFailure ErrorKind = "remote_failure"
	KindMissingOutput ErrorKind = "missing_output"
	KindAborted       ErrorKind = "aborted"
)

// Transport failures are safe to retry: no remote computation was lost.
func (k ErrorKind) Retryable() bool {
	return k == KindUpload || k == KindDownload
}

// ErrorInfo is the structured failure persisted with a Failed job.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
}

func (e *ErrorInfo) String() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
