// Package stats exposes scoped counters, gauges and latency histograms for the
// scheduler and the batches it runs. Instruments are backed by go-metrics and
// rendered as one flat JSON object keyed by slash-separated names.
package stats

import (
	"strings"
	"time"
)

// StatsReceiver hands out named instruments. Names passed to a scoped receiver
// are prefixed with its scope, so
//
//	stat.Scope("batch").Counter("started")
//
// and stat.Counter("batch", "started") return the same counter.
type StatsReceiver interface {
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	GaugeFloat(name ...string) GaugeFloat

	// Latency renders in the unit named by the final element's suffix:
	// "_ms" for milliseconds, "_us" for microseconds, nanoseconds otherwise.
	Latency(name ...string) Latency

	Remove(name ...string)

	// Render returns the registry as JSON, indented when pretty is set.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver records into a fresh in-process registry.
func DefaultStatsReceiver() StatsReceiver {
	return NewCustomStatsReceiver(nil)
}

// NewCustomStatsReceiver records into the registry returned by makeRegistry,
// which lets tests keep a handle on it for VerifyStats.
func NewCustomStatsReceiver(makeRegistry func() StatsRegistry) StatsReceiver {
	if makeRegistry == nil {
		makeRegistry = NewFlatRegistry
	}
	return &receiver{registry: makeRegistry()}
}

type receiver struct {
	registry StatsRegistry
	prefix   string
}

const slashEscape = "_SLASH_"

func (r *receiver) Scope(scope ...string) StatsReceiver {
	return &receiver{registry: r.registry, prefix: r.name(scope...)}
}

// name joins the prefix with the given elements. A '/' inside an element is
// escaped so dynamic names (error kinds, job ids) can't fake a deeper scope.
func (r *receiver) name(elems ...string) string {
	var b strings.Builder
	b.WriteString(r.prefix)
	for _, e := range elems {
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.WriteString(strings.ReplaceAll(e, "/", slashEscape))
	}
	return b.String()
}

func (r *receiver) Counter(name ...string) Counter {
	return r.registry.GetOrRegister(r.name(name...), newCounter).(Counter)
}

func (r *receiver) Gauge(name ...string) Gauge {
	return r.registry.GetOrRegister(r.name(name...), newGauge).(Gauge)
}

func (r *receiver) GaugeFloat(name ...string) GaugeFloat {
	return r.registry.GetOrRegister(r.name(name...), newGaugeFloat).(GaugeFloat)
}

func (r *receiver) Latency(name ...string) Latency {
	unit := time.Nanosecond
	if len(name) > 0 {
		unit = unitFor(name[len(name)-1])
	}
	return r.registry.GetOrRegister(r.name(name...), func() Latency { return newLatency(unit) }).(Latency)
}

func (r *receiver) Remove(name ...string) {
	r.registry.Unregister(r.name(name...))
}

func (r *receiver) Render(pretty bool) []byte {
	return render(r.registry, pretty)
}

func unitFor(name string) time.Duration {
	switch {
	case strings.HasSuffix(name, "_ms"):
		return time.Millisecond
	case strings.HasSuffix(name, "_us"):
		return time.Microsecond
	}
	return time.Nanosecond
}

// NilStatsReceiver discards everything it is given.
func NilStatsReceiver() StatsReceiver {
	return nilReceiver{}
}

type nilReceiver struct{}

func (n nilReceiver) Scope(...string) StatsReceiver { return n }
func (nilReceiver) Counter(...string) Counter       { return nilCounter }
func (nilReceiver) Gauge(...string) Gauge           { return nilGauge }
func (nilReceiver) GaugeFloat(...string) GaugeFloat { return nilGaugeFloat }
func (nilReceiver) Latency(...string) Latency       { return nilLatency{} }
func (nilReceiver) Remove(...string)                {}
func (nilReceiver) Render(bool) []byte              { return []byte{} }
