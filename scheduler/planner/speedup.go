package planner

import (
	"fmt"
	"math"
	"time"
)

// SpeedupModel estimates how much faster a batch runs than its jobs run one by one.
//
// A single run costs a fixed setup (container start, model load) plus a per-modality
// load of the control networks, then PerJob of generation work. A batch pays the fixed
// part once and its generation work grows as size^Exponent.
type SpeedupModel struct {
	Setup       time.Duration
	PerModality time.Duration
	PerJob      time.Duration
	// In (0,1]. 1 means no gain beyond the shared setup.
	Exponent float64
	// Estimates plateau here. >= 1.
	Ceiling float64
}

func DefaultSpeedupModel() SpeedupModel {
	return SpeedupModel{
		Setup:       60 * time.Second,
		PerModality: 20 * time.Second,
		PerJob:      90 * time.Second,
		Exponent:    0.85,
		Ceiling:     6.0,
	}
}

func (m SpeedupModel) Validate() error {
	if m.Setup < 0 || m.PerModality < 0 {
		return fmt.Errorf("speedup model: negative overhead")
	}
	if m.PerJob <= 0 {
		return fmt.Errorf("speedup model: per-job time must be positive")
	}
	if m.Exponent <= 0 || m.Exponent > 1 {
		return fmt.Errorf("speedup model: exponent %v not in (0,1]", m.Exponent)
	}
	if m.Ceiling < 1 {
		return fmt.Errorf("speedup model: ceiling %v < 1", m.Ceiling)
	}
	return nil
}

// Estimate returns T_sequential / T_batched for size jobs with the given number of modalities.
// It is exactly 1.0 for size <= 1 and never decreases with size.
func (m SpeedupModel) Estimate(size, modalities int) float64 {
	if size <= 1 {
		return 1.0
	}
	fixed := m.Setup.Seconds() + float64(modalities)*m.PerModality.Seconds()
	work := m.PerJob.Seconds()
	n := float64(size)
	sequential := n * (fixed + work)
	batched := fixed + work*math.Pow(n, m.Exponent)
	s := sequential / batched
	if s < 1 {
		s = 1
	}
	return math.Min(s, m.Ceiling)
}
