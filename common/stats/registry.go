package stats

import (
	"encoding/json"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// StatsRegistry is the subset of metrics.Registry the receivers need.
type StatsRegistry interface {
	// GetOrRegister returns the instrument under name, registering i if absent.
	// i may be a constructor func, called only when registration happens.
	GetOrRegister(name string, i interface{}) interface{}
	Unregister(name string)
	Each(func(string, interface{}))
}

// NewFlatRegistry returns a go-metrics registry that renders every instrument
// as top level keys, latencies expanded into name.count, name.mean and so on.
func NewFlatRegistry() StatsRegistry {
	return metrics.NewRegistry()
}

var latencyQuantiles = []struct {
	label string
	q     float64
}{
	{"p50", 0.5},
	{"p95", 0.95},
	{"p99", 0.99},
}

// Snapshot flattens the registry into name -> value. Counters and gauges map
// to int64, float gauges and latency means and quantiles to float64, latency
// counts and extremes to int64.
func Snapshot(reg StatsRegistry) map[string]interface{} {
	out := map[string]interface{}{}
	reg.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case Latency:
			flattenLatency(out, name, m)
		case Counter:
			out[name] = m.Count()
		case Gauge:
			out[name] = m.Value()
		case GaugeFloat:
			out[name] = m.Value()
		default:
			log.Debugf("Skipping stat %s of type %T", name, i)
		}
	})
	return out
}

func flattenLatency(out map[string]interface{}, name string, l Latency) {
	unit := l.Unit()
	if unit < time.Nanosecond {
		unit = time.Nanosecond
	}
	out[name+".count"] = l.Count()
	out[name+".mean"] = l.Mean() / float64(unit)
	out[name+".min"] = l.Min() / int64(unit)
	out[name+".max"] = l.Max() / int64(unit)

	qs := make([]float64, len(latencyQuantiles))
	for i, q := range latencyQuantiles {
		qs[i] = q.q
	}
	for i, v := range l.Percentiles(qs) {
		out[name+"."+latencyQuantiles[i].label] = v / float64(unit)
	}
}

func render(reg StatsRegistry, pretty bool) []byte {
	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(Snapshot(reg), "", "  ")
	} else {
		b, err = json.Marshal(Snapshot(reg))
	}
	if err != nil {
		// Only numbers go into a snapshot.
		log.Errorf("Rendering stats: %v", err)
		return []byte("{}")
	}
	return b
}
