package domain

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/leanovate/gopter"
)

// Modalities used by generated jobs.
var GenModalities = []string{"edge", "depth", "seg", "vis", "keypoint"}

// GenRandomJob returns a Pending inference job with random controls.
// Weights are drawn from [-0.25, 1.25] so callers also exercise clamping.
func GenRandomJob(id string, rng *rand.Rand) Job {
	controls := make(map[string]Control)
	for _, m := range GenModalities {
		if rng.Intn(2) == 0 {
			continue
		}
		controls[m] = Control{
			Weight:   rng.Float64()*1.5 - 0.25,
			HasAsset: rng.Intn(2) == 0,
		}
	}
	return Job{
		ID:        id,
		PromptRef: "prompt-" + id,
		Kind:      Inference,
		Controls:  controls,
		Status:    Pending,
		CreatedAt: time.Unix(int64(rng.Intn(1<<20)), 0),
	}
}

// Wrapper function that Generates a Job for Property Based Tests
func GopterGenJob() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		id := fmt.Sprintf("job-%d", genParams.Rng.Int63())
		job := GenRandomJob(id, genParams.Rng)
		return gopter.NewGenResult(job, gopter.NoShrinker)
	}
}

// Wrapper function that Generates a slice of Jobs for Property Based Tests
func GopterGenJobs(max int) gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		n := genParams.Rng.Intn(max + 1)
		jobs := make([]Job, n)
		for i := range jobs {
			jobs[i] = GenRandomJob(fmt.Sprintf("job-%d", i), genParams.Rng)
		}
		return gopter.NewGenResult(jobs, gopter.NoShrinker)
	}
}
