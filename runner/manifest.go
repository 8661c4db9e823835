// Package runner describes what is shipped to the backend for one batch:
// the manifest, the staged control assets and the remote directory layout.
package runner

import (
	"encoding/json"
	"path"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/gpubatch/gpubatch/runner/execer"
	"github.com/gpubatch/gpubatch/scheduler/domain"
)

// Layout of a batch directory on the backend, relative to the batch dir.
const (
	ManifestFileName = "manifest.json"
	InputsDir        = "inputs"
	OutputsDir       = "outputs"
	MarkerFileName   = execer.MarkerFileName
)

// OutputExt is the extension of generated videos.
const OutputExt = ".mp4"

// Manifest tells the batch process what to generate.
type Manifest struct {
	BatchID string `json:"batch_id"`
	Mixed   bool   `json:"mixed"`
	// Master modality set of the batch, sorted
	Modalities []string      `json:"modalities"`
	Jobs       []ManifestJob `json:"jobs"`
}

type ManifestJob struct {
	JobID     string `json:"job_id"`
	PromptRef string `json:"prompt_ref"`
	Kind      string `json:"kind"`
	// One entry per master modality. Modalities the job does not use run at weight 0.
	Controls map[string]ManifestControl `json:"controls"`
	// Relative to the batch dir
	Output string `json:"output"`
}

type ManifestControl struct {
	Weight float64 `json:"weight"`
	// Relative to the batch dir; empty means none.
	Asset string `json:"asset,omitempty"`
}

// Asset is a local control input that must be uploaded with the batch.
type Asset struct {
	JobID     string
	Modality  string
	LocalPath string
	// Base name under InputsDir
	RemoteName string
}

// OutputName is the file name a job's video is written to under OutputsDir.
func OutputName(jobID string) string {
	return jobID + OutputExt
}

// BuildManifest derives the manifest of batch from its member jobs, in batch order.
// Every job gets an entry for every modality of the batch signature; weights are clamped.
func BuildManifest(batch domain.Batch, jobs []domain.Job) (Manifest, []Asset, error) {
	byID := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	modalities := batch.Signature.Modalities()
	m := Manifest{
		BatchID:    batch.ID,
		Mixed:      batch.Mixed,
		Modalities: modalities,
	}
	var assets []Asset
	for _, id := range batch.JobIDs {
		job, ok := byID[id]
		if !ok {
			return Manifest{}, nil, errors.Errorf("batch %s: job %s not provided", batch.ID, id)
		}
		mj := ManifestJob{
			JobID:     job.ID,
			PromptRef: job.PromptRef,
			Kind:      job.Kind.String(),
			Controls:  make(map[string]ManifestControl, len(modalities)),
			Output:    path.Join(OutputsDir, OutputName(job.ID)),
		}
		for _, mod := range modalities {
			mc := ManifestControl{Weight: job.EffectiveWeight(mod)}
			if c, ok := job.Controls[mod]; ok && c.HasAsset && c.AssetPath != "" && mc.Weight > 0 {
				a := Asset{
					JobID:      job.ID,
					Modality:   mod,
					LocalPath:  c.AssetPath,
					RemoteName: job.ID + "-" + mod + filepath.Ext(c.AssetPath),
				}
				assets = append(assets, a)
				mc.Asset = path.Join(InputsDir, a.RemoteName)
			}
			mj.Controls[mod] = mc
		}
		m.Jobs = append(m.Jobs, mj)
	}
	return m, assets, nil
}

func (m Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "parsing manifest")
	}
	return m, nil
}

// Job returns the entry for jobID.
func (m Manifest) Job(jobID string) (ManifestJob, bool) {
	for _, j := range m.Jobs {
		if j.JobID == jobID {
			return j, true
		}
	}
	return ManifestJob{}, false
}

// Weights returns the effective per-modality weights of one manifest job, keyed by modality.
func (j ManifestJob) Weights() map[string]float64 {
	out := make(map[string]float64, len(j.Controls))
	for m, c := range j.Controls {
		out[m] = c.Weight
	}
	return out
}

// ActiveModalities lists the modalities the job runs with a positive weight, sorted.
func (j ManifestJob) ActiveModalities() []string {
	var out []string
	for m, c := range j.Controls {
		if c.Weight > 0 {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
