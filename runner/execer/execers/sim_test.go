package execers

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpubatch/gpubatch/runner"
	"github.com/gpubatch/gpubatch/runner/execer"
	"github.com/gpubatch/gpubatch/scheduler/domain"
)

// stage uploads a manifest for jobs into dir and returns the command to run it.
func stage(t *testing.T, b *SimBackend, dir string, mixed bool, jobs ...domain.Job) execer.Command {
	t.Helper()
	batch := domain.Batch{ID: filepath.Base(dir), Mixed: mixed}
	for _, j := range jobs {
		batch.JobIDs = append(batch.JobIDs, j.ID)
		for m, c := range j.Controls {
			batch.Signature = batch.Signature.Union(domain.NewControlSignature(domain.ModalityWeight{Modality: m, Bucket: int64(c.Weight * 1000)}))
		}
	}
	m, _, err := runner.BuildManifest(batch, jobs)
	require.NoError(t, err)
	data, err := m.Marshal()
	require.NoError(t, err)
	local := filepath.Join(t.TempDir(), runner.ManifestFileName)
	require.NoError(t, os.WriteFile(local, data, 0666))
	require.NoError(t, b.Upload(context.Background(), []string{local}, dir))
	return execer.Command{
		Argv:       []string{"generate", "--manifest", dir + "/" + runner.ManifestFileName},
		Dir:        dir,
		MarkerPath: dir + "/" + runner.MarkerFileName,
	}
}

func job(id string, controls map[string]float64) domain.Job {
	spec := domain.JobSpec{ID: id, PromptRef: "prompt-" + id, Controls: map[string]domain.Control{}}
	for m, w := range controls {
		spec.Controls[m] = domain.Control{Weight: w}
	}
	return domain.NewJob(spec, time.Unix(0, 0))
}

func assertRun(t *testing.T, p execer.Process, state execer.ProcessState, marker execer.MarkerState) execer.ProcessStatus {
	t.Helper()
	st := p.Wait()
	assert.Equal(t, state, st.State, st.String())
	assert.Equal(t, marker, st.Marker, st.String())
	return st
}

func TestSimRunWritesOutputsAndMarker(t *testing.T) {
	b := NewSimBackend()
	var stdout bytes.Buffer
	b.LogLines = []string{"loading model", "step 1/30"}
	cmd := stage(t, b, "work/b1", false, job("a", map[string]float64{"edge": .5}), job("b", map[string]float64{"edge": .5}))
	cmd.Stdout = &stdout

	p, err := b.Exec(context.Background(), cmd)
	require.NoError(t, err)
	assertRun(t, p, execer.COMPLETE, execer.MarkerSuccess)
	assert.Equal(t, "loading model\nstep 1/30\n", stdout.String())

	local := t.TempDir()
	names, err := b.Download(context.Background(), "work/b1/outputs", local)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, names)
	data, err := os.ReadFile(filepath.Join(local, "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "video:a", string(data))
}

func TestSimRecordsEffectiveWeights(t *testing.T) {
	b := NewSimBackend()
	cmd := stage(t, b, "work/mixed", true,
		job("a", map[string]float64{"edge": .5}),
		job("b", map[string]float64{"edge": .5, "depth": .3}))
	p, err := b.Exec(context.Background(), cmd)
	require.NoError(t, err)
	p.Wait()

	runs := b.Runs()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Mixed)
	assert.Equal(t, map[string]float64{"edge": .5, "depth": 0}, runs[0].Weights["a"])
	assert.Equal(t, map[string]float64{"edge": .5, "depth": .3}, runs[0].Weights["b"])
}

func TestSimFailureModes(t *testing.T) {
	b := NewSimBackend()
	b.FailureMessage = "CUDA out of memory"
	var stderr bytes.Buffer
	cmd := stage(t, b, "work/f", false, job("a", map[string]float64{"edge": 1}))
	cmd.Stderr = &stderr
	p, err := b.Exec(context.Background(), cmd)
	require.NoError(t, err)
	st := assertRun(t, p, execer.COMPLETE, execer.MarkerFailure)
	assert.Equal(t, "CUDA out of memory", st.MarkerMessage)
	assert.Contains(t, stderr.String(), "out of memory")
	_, ok := b.File("work/f/outputs/a.mp4")
	assert.False(t, ok)

	b.FailureMessage = ""
	b.OmitMarker = true
	b.ExitCode = 137
	cmd = stage(t, b, "work/i", false, job("a", map[string]float64{"edge": 1}))
	p, err = b.Exec(context.Background(), cmd)
	require.NoError(t, err)
	st = assertRun(t, p, execer.COMPLETE, execer.MarkerAbsent)
	assert.Equal(t, 137, st.ExitCode)

	b.OmitMarker = false
	b.ExitCode = 0
	b.DropOutputs["b"] = true
	cmd = stage(t, b, "work/p", false, job("a", map[string]float64{"edge": 1}), job("b", map[string]float64{"edge": 1}))
	p, err = b.Exec(context.Background(), cmd)
	require.NoError(t, err)
	assertRun(t, p, execer.COMPLETE, execer.MarkerSuccess)
	names, err := b.Download(context.Background(), "work/p/outputs", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4"}, names)
}

func TestSimHangUntilAbort(t *testing.T) {
	b := NewSimBackend()
	b.Hang = true
	cmd := stage(t, b, "work/h", false, job("a", nil))
	p, err := b.Exec(context.Background(), cmd)
	require.NoError(t, err)
	st := p.Abort()
	assert.Equal(t, execer.FAILED, st.State)
	assert.Equal(t, execer.MarkerAbsent, st.Marker)
	// Abort after exit keeps the first status.
	assert.Equal(t, st, p.Abort())
}

func TestSimHangResume(t *testing.T) {
	b := NewSimBackend()
	b.Hang = true
	cmd := stage(t, b, "work/r", false, job("a", nil))
	p, err := b.Exec(context.Background(), cmd)
	require.NoError(t, err)
	b.Resume()
	assertRun(t, p, execer.COMPLETE, execer.MarkerSuccess)
}

func TestSimContextCancelAborts(t *testing.T) {
	b := NewSimBackend()
	b.Hang = true
	ctx, cancel := context.WithCancel(context.Background())
	cmd := stage(t, b, "work/c", false, job("a", nil))
	p, err := b.Exec(ctx, cmd)
	require.NoError(t, err)
	cancel()
	assertRun(t, p, execer.FAILED, execer.MarkerAbsent)
}

func TestSimTransferFailures(t *testing.T) {
	b := NewSimBackend()
	b.UploadFailures = 2
	b.DownloadFailures = 1
	local := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0666))

	assert.Error(t, b.Upload(context.Background(), []string{local}, "d"))
	assert.Error(t, b.Upload(context.Background(), []string{local}, "d"))
	assert.NoError(t, b.Upload(context.Background(), []string{local}, "d"))
	assert.Equal(t, 3, b.Uploads())

	_, err := b.Download(context.Background(), "d", t.TempDir())
	assert.Error(t, err)
	names, err := b.Download(context.Background(), "d", t.TempDir())
	assert.NoError(t, err)
	assert.Equal(t, []string{"x"}, names)
	assert.Equal(t, 2, b.Downloads())
}

func TestSimLaunchErrors(t *testing.T) {
	b := NewSimBackend()
	_, err := b.Exec(context.Background(), execer.Command{Dir: "nowhere"})
	assert.Error(t, err)

	b.LaunchError = assert.AnError
	cmd := stage(t, b, "work/l", false, job("a", nil))
	_, err = b.Exec(context.Background(), cmd)
	assert.Equal(t, assert.AnError, err)
	assert.Empty(t, b.Runs())
}
