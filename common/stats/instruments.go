package stats

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type Counter interface {
	Count() int64
	Inc(int64)
}

type Gauge interface {
	Update(int64)
	Value() int64
}

type GaugeFloat interface {
	Update(float64)
	Value() float64
}

// Latency is a histogram of durations, rendered in Unit().
type Latency interface {
	Count() int64
	Mean() float64
	Min() int64
	Max() int64
	Percentiles(ps []float64) []float64

	// Time starts a stopwatch that records into this histogram when stopped.
	Time() Stopwatch
	Record(time.Duration)
	Unit() time.Duration
}

type Stopwatch interface {
	Stop() time.Duration
}

const latencySampleSize = 1024

var (
	nilCounter    Counter    = metrics.NilCounter{}
	nilGauge      Gauge      = metrics.NilGauge{}
	nilGaugeFloat GaugeFloat = metrics.NilGaugeFloat64{}
)

func newCounter() Counter       { return metrics.NewCounter() }
func newGauge() Gauge           { return metrics.NewGauge() }
func newGaugeFloat() GaugeFloat { return metrics.NewGaugeFloat64() }

type latency struct {
	metrics.Histogram
	unit time.Duration
}

func newLatency(unit time.Duration) Latency {
	return &latency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(latencySampleSize)), unit: unit}
}

func (l *latency) Time() Stopwatch        { return &stopwatch{l: l, start: time.Now()} }
func (l *latency) Record(d time.Duration) { l.Update(int64(d)) }
func (l *latency) Unit() time.Duration    { return l.unit }

type stopwatch struct {
	l     Latency
	start time.Time
}

func (s *stopwatch) Stop() time.Duration {
	d := time.Since(s.start)
	s.l.Record(d)
	return d
}

type nilLatency struct{ metrics.NilHistogram }

func (nilLatency) Time() Stopwatch      { return nilLatency{} }
func (nilLatency) Stop() time.Duration  { return 0 }
func (nilLatency) Record(time.Duration) {}
func (nilLatency) Unit() time.Duration  { return time.Nanosecond }
