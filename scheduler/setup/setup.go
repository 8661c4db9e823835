// Package setup builds a complete gpubatch Scheduler from configuration: stats, queue,
// planner, store, backend, log sink and orchestrator.
package setup

import (
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/config/batchconfig"
	"github.com/gpubatch/gpubatch/os/temp"
	"github.com/gpubatch/gpubatch/runner/execer"
	"github.com/gpubatch/gpubatch/runner/execer/execers"
	"github.com/gpubatch/gpubatch/runner/execer/remote"
	"github.com/gpubatch/gpubatch/runner/runners"
	"github.com/gpubatch/gpubatch/scheduler/planner"
	"github.com/gpubatch/gpubatch/scheduler/queue"
	"github.com/gpubatch/gpubatch/scheduler/server"
	"github.com/gpubatch/gpubatch/snapshot"
	"github.com/gpubatch/gpubatch/snapshot/snapshots"
	"github.com/gpubatch/gpubatch/store"
	"github.com/gpubatch/gpubatch/store/stores"
)

// Services is a wired Scheduler and the pieces a caller may want to inspect.
type Services struct {
	Scheduler server.Scheduler
	Store     store.Store
	Stats     stats.StatsReceiver

	// Set when remote.type is sim.
	Sim *execers.SimBackend

	queue *queue.Queue
	tmp   *temp.TempDir
}

// Close stops the queue and releases the store and the staging directory.
func (s *Services) Close() error {
	s.queue.Close()
	err := s.Store.Close()
	return multierr.Append(err, s.tmp.Remove())
}

// Build wires a Scheduler from cfg. A nil clock is the wall clock, a nil stats receiver
// gets a fresh registry.
func Build(cfg batchconfig.Config, clk clock.Clock, stat stats.StatsReceiver) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if stat == nil {
		stat = stats.DefaultStatsReceiver()
	}
	pc, err := cfg.PlannerConfig()
	if err != nil {
		return nil, err
	}
	rc, err := cfg.RunnerConfig()
	if err != nil {
		return nil, err
	}

	st, err := MakeStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	tmp, err := temp.NewTempDir("", "gpubatch")
	if err != nil {
		st.Close()
		return nil, errors.Wrap(err, "creating staging dir")
	}
	svc := &Services{Store: st, Stats: stat, tmp: tmp}

	ex, filer, sim, err := MakeBackend(cfg.Remote)
	if err != nil {
		svc.closePartial()
		return nil, err
	}
	svc.Sim = sim

	p, err := planner.NewPlanner(pc, clk, stat)
	if err != nil {
		svc.closePartial()
		return nil, err
	}
	q := queue.NewQueue(clk, stat)
	svc.queue = q

	orch, err := runners.NewOrchestrator(rc, q, st, ex, filer, MakeLogSink(cfg.LogSink), tmp, clk, stat)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Scheduler = server.NewScheduler(cfg.SchedulerConfig(), q, p, orch, st, clk, stat)
	log.WithFields(log.Fields{
		"backend": cfg.Remote.Type,
		"host":    cfg.Remote.Host,
		"store":   cfg.Store.Type,
		"slots":   rc.Slots,
	}).Info("Scheduler ready")
	return svc, nil
}

func (s *Services) closePartial() {
	if err := s.Store.Close(); err != nil {
		log.Errorf("Closing store: %v", err)
	}
	if err := s.tmp.Remove(); err != nil {
		log.Errorf("Removing %s: %v", s.tmp.Dir, err)
	}
}

func MakeStore(cfg batchconfig.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case batchconfig.SQLiteStore:
		st, err := stores.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "opening store %s", cfg.Path)
		}
		return st, nil
	case batchconfig.MemoryStore, "":
		return stores.NewMemoryStore(), nil
	}
	return nil, errors.Errorf("unknown store type %q", cfg.Type)
}

// MakeBackend returns the execer and filer for the configured backend. Without a host the
// ssh backend runs processes and keeps batch directories on this machine.
func MakeBackend(cfg batchconfig.RemoteConfig) (execer.Execer, snapshot.Filer, *execers.SimBackend, error) {
	switch cfg.Type {
	case batchconfig.SimBackend:
		sim := execers.NewSimBackend()
		return sim, sim, sim, nil
	case batchconfig.SSHBackend, "":
		rc, err := batchconfig.Config{Remote: cfg}.RemoteExecConfig()
		if err != nil {
			return nil, nil, nil, err
		}
		if rc.Local() {
			return remote.NewExecer(rc), snapshots.NewLocalFiler(""), nil, nil
		}
		return remote.NewExecer(rc), remote.NewRsyncFiler(rc), nil, nil
	}
	return nil, nil, nil, errors.Errorf("unknown backend type %q", cfg.Type)
}

func MakeLogSink(cfg batchconfig.LogSinkConfig) runners.LogSink {
	if cfg.Type == batchconfig.HTTPSink {
		tries := cfg.Tries
		if tries <= 0 {
			tries = runners.DefaultHTTPSinkTries
		}
		return runners.NewHTTPSink(cfg.URL, runners.MakePesterClient(tries), cfg.Rate, cfg.Burst)
	}
	return runners.NewLogrusSink()
}
