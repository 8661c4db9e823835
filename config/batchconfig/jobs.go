package batchconfig

import (
	"bytes"
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gpubatch/gpubatch/scheduler/domain"
)

// JobsFile is the YAML document submitted by "gpubatch run --jobs":
//
//	jobs:
//	  - id: clip-1
//	    prompt: prompts/clip-1.txt
//	    controls:
//	      edge: {weight: 0.5}
//	      depth: {weight: 0.3, asset: inputs/clip-1-depth.mp4}
type JobsFile struct {
	Jobs []JobEntry `yaml:"jobs"`
}

type JobEntry struct {
	// Optional, a generated id is used when empty.
	ID       string                  `yaml:"id"`
	Prompt   string                  `yaml:"prompt"`
	Kind     string                  `yaml:"kind"`
	Controls map[string]ControlEntry `yaml:"controls"`
}

type ControlEntry struct {
	Weight float64 `yaml:"weight"`
	Asset  string  `yaml:"asset"`
}

// Spec converts the entry. Asset paths are used as given.
func (e JobEntry) Spec() (domain.JobSpec, error) {
	kind, err := domain.ParseKind(e.Kind)
	if err != nil {
		return domain.JobSpec{}, err
	}
	spec := domain.JobSpec{ID: e.ID, PromptRef: e.Prompt, Kind: kind}
	if len(e.Controls) > 0 {
		spec.Controls = make(map[string]domain.Control, len(e.Controls))
		for mod, c := range e.Controls {
			spec.Controls[mod] = domain.Control{Weight: c.Weight, HasAsset: c.Asset != "", AssetPath: c.Asset}
		}
	}
	return spec, nil
}

// ParseJobs decodes a jobs document into specs, in file order.
func ParseJobs(data []byte) ([]domain.JobSpec, error) {
	var f JobsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "parsing jobs yaml")
	}
	specs := make([]domain.JobSpec, 0, len(f.Jobs))
	for i, e := range f.Jobs {
		spec, err := e.Spec()
		if err != nil {
			return nil, errors.Wrapf(err, "job %d", i)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func LoadJobs(path string) ([]domain.JobSpec, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading jobs %s", path)
	}
	specs, err := ParseJobs(data)
	if err != nil {
		return nil, errors.Wrapf(err, "jobs %s", path)
	}
	return specs, nil
}
