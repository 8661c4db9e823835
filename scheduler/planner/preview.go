package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gpubatch/gpubatch/scheduler/domain"
)

// BatchSummary describes one planned batch.
type BatchSummary struct {
	BatchID          string
	JobIDs           []string
	Size             int
	MaxSize          int
	Signature        string
	Modalities       []string
	Mixed            bool
	Singleton        bool
	EstimatedSpeedup float64
}

// Summary is a read-only view of a plan for display before execution.
type Summary struct {
	QueueGeneration uint64
	CreatedAt       time.Time
	OldestJobAt     time.Time
	Batches         []BatchSummary

	TotalJobs     int
	BatchedJobs   int
	SingletonJobs int
	MixedBatches  int

	// Job-weighted mean of the batch estimates, 1.0 for an empty plan.
	EstimatedSpeedup float64
}

// Preview summarizes plan. It does not touch the queue.
func (p *Planner) Preview(plan domain.BatchPlan) Summary {
	return Preview(plan)
}

func Preview(plan domain.BatchPlan) Summary {
	s := Summary{
		QueueGeneration:  plan.QueueGeneration,
		CreatedAt:        plan.CreatedAt,
		OldestJobAt:      plan.OldestJobAt,
		EstimatedSpeedup: 1.0,
	}
	weighted := 0.0
	for _, b := range plan.Batches {
		s.Batches = append(s.Batches, BatchSummary{
			BatchID:          b.ID,
			JobIDs:           append([]string(nil), b.JobIDs...),
			Size:             b.Size(),
			MaxSize:          b.MaxSize,
			Signature:        b.Signature.String(),
			Modalities:       b.Signature.Modalities(),
			Mixed:            b.Mixed,
			Singleton:        b.Singleton,
			EstimatedSpeedup: b.EstimatedSpeedup,
		})
		s.TotalJobs += b.Size()
		if b.Singleton {
			s.SingletonJobs += b.Size()
		} else {
			s.BatchedJobs += b.Size()
		}
		if b.Mixed {
			s.MixedBatches++
		}
		weighted += b.EstimatedSpeedup * float64(b.Size())
	}
	if s.TotalJobs > 0 {
		s.EstimatedSpeedup = weighted / float64(s.TotalJobs)
	}
	return s
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan at generation %d: %s in %s (%d batched, %d singleton, %d mixed batches), est. speedup %.2fx\n",
		s.QueueGeneration, plural(s.TotalJobs, "job"), plural(len(s.Batches), "batch"),
		s.BatchedJobs, s.SingletonJobs, s.MixedBatches, s.EstimatedSpeedup)
	if !s.OldestJobAt.IsZero() {
		fmt.Fprintf(&b, "oldest job submitted %s\n", humanize.RelTime(s.OldestJobAt, s.CreatedAt, "before analysis", "after analysis"))
	}
	for i, bs := range s.Batches {
		tag := ""
		switch {
		case bs.Singleton:
			tag = " singleton"
		case bs.Mixed:
			tag = " mixed"
		}
		fmt.Fprintf(&b, "  %s batch %s%s: %d/%d jobs, sig %s, est. %.2fx [%s]\n",
			humanize.Ordinal(i+1), bs.BatchID, tag, bs.Size, bs.MaxSize, bs.Signature, bs.EstimatedSpeedup,
			strings.Join(bs.JobIDs, " "))
	}
	return b.String()
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	if strings.HasSuffix(word, "ch") {
		return fmt.Sprintf("%d %ses", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
