// Package planner groups pending jobs into batches that can share one remote run.
package planner

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/common"
	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/scheduler/domain"
)

type Config struct {
	// Batch cap by modality count, see SafeBatchSize.
	SizeTable []int

	// Bucket width for signature weights.
	WeightQuantum float64

	Speedup SpeedupModel
}

func DefaultConfig() Config {
	return Config{
		SizeTable:     append([]int(nil), DefaultSizeTable...),
		WeightQuantum: DefaultWeightQuantum,
		Speedup:       DefaultSpeedupModel(),
	}
}

func (c Config) Validate() error {
	if err := ValidateSizeTable(c.SizeTable); err != nil {
		return err
	}
	if c.WeightQuantum <= 0 || c.WeightQuantum > 1 {
		return fmt.Errorf("weight quantum %v not in (0,1]", c.WeightQuantum)
	}
	return c.Speedup.Validate()
}

// Planner is stateless apart from its configuration; it never mutates jobs.
type Planner struct {
	cfg   Config
	clk   clock.Clock
	stat  stats.StatsReceiver
	newID func() string
}

func NewPlanner(cfg Config, clk clock.Clock, stat stats.StatsReceiver) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Planner{
		cfg:   cfg,
		clk:   clk,
		stat:  stat,
		newID: func() string { return common.GenID("batch") },
	}, nil
}

func (p *Planner) SignatureOf(job domain.Job) domain.ControlSignature {
	return SignatureOf(job, p.cfg.WeightQuantum)
}

func (p *Planner) SafeBatchSize(sig domain.ControlSignature) int {
	return SafeBatchSizeFor(p.cfg.SizeTable, sig)
}

func (p *Planner) EstimatedSpeedup(size, modalities int) float64 {
	return p.cfg.Speedup.Estimate(size, modalities)
}

type member struct {
	job domain.Job
	sig domain.ControlSignature
	// Index in submission order
	pos int
}

type chunk struct {
	members   []member
	sig       domain.ControlSignature
	limit     int
	mixed     bool
	singleton bool
}

func (c chunk) first() int {
	return c.members[0].pos
}

// Analyze plans jobs, which must be the Pending jobs read at generation.
//
// Non-batchable kinds become singleton batches. Batchable jobs are grouped by exact
// signature and chunked at the safe size, oldest first. With allowMixed, the
// under-filled chunks left by strict grouping are merged under a master signature
// when that produces fewer batches. Batches are ordered by their oldest member.
func (p *Planner) Analyze(jobs []domain.Job, generation uint64, allowMixed bool) domain.BatchPlan {
	defer p.stat.Latency(stats.PlannerAnalyzeLatency_ms).Time().Stop()
	p.stat.Counter(stats.PlannerAnalyzeCounter).Inc(1)

	plan := domain.BatchPlan{
		QueueGeneration: generation,
		AllowMixed:      allowMixed,
		CreatedAt:       p.clk.Now(),
	}

	ordered := make([]domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status != domain.Pending {
			log.WithFields(log.Fields{"jobID": j.ID, "status": j.Status}).Debug("Skipping non-pending job")
			continue
		}
		ordered = append(ordered, j)
	}
	sort.SliceStable(ordered, func(i, k int) bool { return ordered[i].CreatedAt.Before(ordered[k].CreatedAt) })
	if len(ordered) > 0 {
		plan.OldestJobAt = ordered[0].CreatedAt
	}

	var chunks []chunk
	groups := map[string][]member{}
	var order []string
	for i, job := range ordered {
		m := member{job: job, sig: p.SignatureOf(job), pos: i}
		if !job.Kind.Batchable() {
			chunks = append(chunks, chunk{members: []member{m}, sig: m.sig, limit: 1, singleton: true})
			continue
		}
		key := m.sig.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	var leftovers []chunk
	for _, key := range order {
		members := groups[key]
		sig := members[0].sig
		limit := p.SafeBatchSize(sig)
		for start := 0; start < len(members); start += limit {
			end := start + limit
			if end > len(members) {
				end = len(members)
			}
			c := chunk{members: members[start:end], sig: sig, limit: limit}
			if len(c.members) < limit {
				leftovers = append(leftovers, c)
			} else {
				chunks = append(chunks, c)
			}
		}
	}
	if allowMixed {
		leftovers = p.mix(leftovers)
	}
	chunks = append(chunks, leftovers...)
	sort.SliceStable(chunks, func(i, k int) bool { return chunks[i].first() < chunks[k].first() })

	weighted := 0.0
	for _, c := range chunks {
		b := domain.Batch{
			ID:               p.newID(),
			JobIDs:           make([]string, len(c.members)),
			Signature:        c.sig,
			MaxSize:          c.limit,
			EstimatedSpeedup: p.EstimatedSpeedup(len(c.members), c.sig.Len()),
			Mixed:            c.mixed,
			Singleton:        c.singleton,
			Status:           domain.BatchPlanned,
		}
		for i, m := range c.members {
			b.JobIDs[i] = m.job.ID
		}
		weighted += b.EstimatedSpeedup * float64(b.Size())
		plan.Batches = append(plan.Batches, b)
	}

	p.stat.Gauge(stats.PlannerBatchesGauge).Update(int64(len(plan.Batches)))
	if n := plan.NumJobs(); n > 0 {
		p.stat.GaugeFloat(stats.PlannerSpeedupGauge).Update(weighted / float64(n))
	}
	log.WithFields(log.Fields{
		"generation": generation,
		"jobs":       plan.NumJobs(),
		"batches":    len(plan.Batches),
		"allowMixed": allowMixed,
	}).Info("Analyzed queue")
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Trace(spew.Sdump(plan))
	}
	return plan
}

// mix merges under-filled strict chunks when that reduces the number of batches.
// The cap is the safe size of the union of every leftover signature; each resulting
// batch carries the union of its own members' signatures.
func (p *Planner) mix(leftovers []chunk) []chunk {
	if len(leftovers) < 2 {
		return leftovers
	}
	var master domain.ControlSignature
	var members []member
	for _, c := range leftovers {
		master = master.Union(c.sig)
		members = append(members, c.members...)
	}
	limit := p.SafeBatchSize(master)
	if (len(members)+limit-1)/limit >= len(leftovers) {
		return leftovers
	}
	sort.Slice(members, func(i, k int) bool { return members[i].pos < members[k].pos })

	var mixed []chunk
	for start := 0; start < len(members); start += limit {
		end := start + limit
		if end > len(members) {
			end = len(members)
		}
		ms := members[start:end]
		var sig domain.ControlSignature
		keys := map[string]bool{}
		for _, m := range ms {
			sig = sig.Union(m.sig)
			keys[m.sig.Key()] = true
		}
		c := chunk{members: ms, sig: sig, limit: limit, mixed: len(keys) > 1}
		if c.mixed {
			p.stat.Counter(stats.PlannerMixedCounter).Inc(1)
		}
		mixed = append(mixed, c)
	}
	log.Infof("Merged %d under-filled groups (%d jobs) into %d batches under %s", len(leftovers), len(members), len(mixed), master)
	return mixed
}
