package setup

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/config/batchconfig"
	"github.com/gpubatch/gpubatch/runner/execer/execers"
	"github.com/gpubatch/gpubatch/runner/execer/remote"
	"github.com/gpubatch/gpubatch/runner/runners"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/snapshot/snapshots"
	"github.com/gpubatch/gpubatch/store/stores"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func simConfig(t *testing.T) batchconfig.Config {
	cfg := batchconfig.DefaultConfig()
	cfg.Remote.Type = batchconfig.SimBackend
	out, err := ioutil.TempDir("", "setup-out")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(out) })
	cfg.Execution.OutputDir = out
	return cfg
}

func TestBuildSimEndToEnd(t *testing.T) {
	cfg := simConfig(t)
	svc, err := Build(cfg, nil, nil)
	require.NoError(t, err)
	defer svc.Close()
	require.NotNil(t, svc.Sim)

	ctx := context.Background()
	for _, w := range []float64{0.5, 0.5} {
		_, err := svc.Scheduler.Submit(ctx, domain.JobSpec{
			PromptRef: "prompts/a.txt",
			Controls:  map[string]domain.Control{"edge": {Weight: w}},
		})
		require.NoError(t, err)
	}
	plan := svc.Scheduler.AnalyzeQueue(false)
	require.Len(t, plan.Batches, 1)

	results, err := svc.Scheduler.ExecutePlan(ctx, plan)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, domain.Completed, r.Status, r.String())
		assert.FileExists(t, r.OutputRef)
	}
	assert.Len(t, svc.Sim.Runs(), 1)

	var st stats.StatsReceiver = svc.Stats
	assert.NotEmpty(t, st.Render(false))
}

func TestBuildSQLiteStore(t *testing.T) {
	cfg := simConfig(t)
	dir, err := ioutil.TempDir("", "setup-db")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfg.Store = batchconfig.StoreConfig{Type: batchconfig.SQLiteStore, Path: filepath.Join(dir, "state.db")}

	svc, err := Build(cfg, nil, nil)
	require.NoError(t, err)
	_, ok := svc.Store.(*stores.SQLiteStore)
	assert.True(t, ok)

	id, err := svc.Scheduler.Submit(context.Background(), domain.JobSpec{PromptRef: "p"})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	// A second process sees the job as pending.
	svc, err = Build(cfg, nil, nil)
	require.NoError(t, err)
	defer svc.Close()
	report, err := svc.Scheduler.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	job, ok := svc.Scheduler.Job(id)
	require.True(t, ok)
	assert.Equal(t, domain.Pending, job.Status)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := simConfig(t)
	cfg.Execution.Slots = 0
	_, err := Build(cfg, nil, nil)
	assert.Error(t, err)
}

func TestMakeBackend(t *testing.T) {
	ex, filer, sim, err := MakeBackend(batchconfig.RemoteConfig{Type: batchconfig.SimBackend})
	require.NoError(t, err)
	assert.IsType(t, &execers.SimBackend{}, ex)
	assert.Equal(t, sim, filer)

	ex, filer, sim, err = MakeBackend(batchconfig.RemoteConfig{Type: batchconfig.SSHBackend})
	require.NoError(t, err)
	assert.NotNil(t, ex)
	assert.IsType(t, &snapshots.LocalFiler{}, filer)
	assert.Nil(t, sim)

	_, filer, _, err = MakeBackend(batchconfig.RemoteConfig{Type: batchconfig.SSHBackend, Host: "gpu-1"})
	require.NoError(t, err)
	assert.IsType(t, &remote.RsyncFiler{}, filer)

	_, _, _, err = MakeBackend(batchconfig.RemoteConfig{Type: batchconfig.SSHBackend, AbortGrace: "soon"})
	assert.Error(t, err)
	_, _, _, err = MakeBackend(batchconfig.RemoteConfig{Type: "k8s"})
	assert.Error(t, err)
}

func TestMakeLogSink(t *testing.T) {
	assert.IsType(t, &runners.LogrusSink{}, MakeLogSink(batchconfig.LogSinkConfig{Type: batchconfig.LogrusSink}))
	assert.IsType(t, &runners.HTTPSink{}, MakeLogSink(batchconfig.LogSinkConfig{
		Type: batchconfig.HTTPSink, URL: "http://localhost:1/logs", Rate: 1, Burst: 1,
	}))
}

func TestMakeStore(t *testing.T) {
	st, err := MakeStore(batchconfig.StoreConfig{Type: batchconfig.MemoryStore})
	require.NoError(t, err)
	assert.IsType(t, &stores.MemoryStore{}, st)

	_, err = MakeStore(batchconfig.StoreConfig{Type: "redis"})
	assert.Error(t, err)
}
