package planner

import (
	"math"

	"github.com/gpubatch/gpubatch/scheduler/domain"
)

// DefaultWeightQuantum is the bucket width for control weights.
const DefaultWeightQuantum = 0.001

// SignatureOf derives the control signature of job.
// Weights are clamped into [0,1]; every modality whose clamped weight is > 0 is
// active and its weight is quantized into buckets of width quantum.
// A non-positive quantum uses DefaultWeightQuantum.
func SignatureOf(job domain.Job, quantum float64) domain.ControlSignature {
	if quantum <= 0 {
		quantum = DefaultWeightQuantum
	}
	pairs := make([]domain.ModalityWeight, 0, len(job.Controls))
	for m, c := range job.Controls {
		w := domain.ClampWeight(c.Weight)
		if w <= 0 {
			continue
		}
		pairs = append(pairs, domain.ModalityWeight{Modality: m, Bucket: bucket(w, quantum)})
	}
	return domain.NewControlSignature(pairs...)
}

func bucket(w, quantum float64) int64 {
	return int64(math.Round(w / quantum))
}
