// Package execers holds execer implementations that do not need a real backend.
package execers

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/runner"
	"github.com/gpubatch/gpubatch/runner/execer"
)

// SimRun is what SimBackend saw for one launched batch.
type SimRun struct {
	BatchID string
	Mixed   bool
	Argv    []string
	// Effective weight per job per modality, as written in the manifest.
	Weights map[string]map[string]float64
	// Manifest entry per job.
	Jobs map[string]runner.ManifestJob
}

// SimBackend is an in-memory backend implementing both execer.Execer and snapshot.Filer.
// Each Exec reads the manifest uploaded to Command.Dir and simulates the batch process:
// it writes one output per job under outputs/ and a completion marker, unless told otherwise.
//
// The exported knobs may be changed between plans; they are read under the backend lock.
type SimBackend struct {
	// Number of Upload/Download calls that fail before transfers start to succeed.
	UploadFailures   int
	DownloadFailures int

	// Job ids whose output is never written.
	DropOutputs map[string]bool

	// No marker at all; the run looks indeterminate.
	OmitMarker bool

	// Non-empty means the run writes a FAILURE marker with this message and no outputs.
	FailureMessage string

	// Exit code reported when the simulated process ends.
	ExitCode int

	// Run blocks until aborted or Resume is called.
	Hang bool

	// How long a run takes.
	RunDelay time.Duration

	// Written to stdout, one per line, before the run does any work.
	LogLines []string

	// Returned by Exec instead of launching.
	LaunchError error

	mu        sync.Mutex
	files     map[string][]byte
	runs      []SimRun
	uploads   int
	downloads int
	resumeCh  chan struct{}
}

func NewSimBackend() *SimBackend {
	return &SimBackend{
		DropOutputs: map[string]bool{},
		files:       map[string][]byte{},
		resumeCh:    make(chan struct{}),
	}
}

// Upload stores the contents of each local file under remoteDir.
func (b *SimBackend) Upload(ctx context.Context, localPaths []string, remoteDir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	if b.UploadFailures > 0 {
		b.UploadFailures--
		return fmt.Errorf("sim: upload to %s refused", remoteDir)
	}
	for _, p := range localPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return errors.Wrapf(err, "sim: reading %s", p)
		}
		b.files[path.Join(remoteDir, filepath.Base(p))] = data
	}
	return nil
}

// Download writes every stored file under remoteDir into localDir.
func (b *SimBackend) Download(ctx context.Context, remoteDir, localDir string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downloads++
	if b.DownloadFailures > 0 {
		b.DownloadFailures--
		return nil, fmt.Errorf("sim: download from %s refused", remoteDir)
	}
	prefix := strings.TrimSuffix(remoteDir, "/") + "/"
	var names []string
	for p, data := range b.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(p, prefix)
		dst := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, data, 0666); err != nil {
			return nil, err
		}
		names = append(names, rel)
	}
	sort.Strings(names)
	return names, nil
}

// Exec starts a simulated batch process for the manifest in command.Dir.
func (b *SimBackend) Exec(ctx context.Context, command execer.Command) (execer.Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.LaunchError != nil {
		return nil, b.LaunchError
	}
	data, ok := b.files[path.Join(command.Dir, runner.ManifestFileName)]
	if !ok {
		return nil, fmt.Errorf("sim: no manifest in %s", command.Dir)
	}
	manifest, err := runner.ParseManifest(data)
	if err != nil {
		return nil, err
	}

	run := SimRun{
		BatchID: manifest.BatchID,
		Mixed:   manifest.Mixed,
		Argv:    append([]string(nil), command.Argv...),
		Weights: map[string]map[string]float64{},
		Jobs:    map[string]runner.ManifestJob{},
	}
	for _, j := range manifest.Jobs {
		run.Weights[j.JobID] = j.Weights()
		run.Jobs[j.JobID] = j
	}
	b.runs = append(b.runs, run)

	p := &simProcess{
		backend: b,
		stdout:  command.Stdout,
		stderr:  command.Stderr,
		marker:  command.MarkerPath,
		doneCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.status.State = execer.RUNNING
	go p.run(b.steps(command.Dir, manifest))
	go func() {
		select {
		case <-ctx.Done():
			p.Abort()
		case <-p.doneCh:
		}
	}()
	log.WithFields(log.Fields{"batchID": manifest.BatchID, "jobs": len(manifest.Jobs)}).Debug("sim: launched")
	return p, nil
}

// steps turns the current knobs into the script of one run. Called with b.mu held.
func (b *SimBackend) steps(dir string, manifest runner.Manifest) []simStep {
	var steps []simStep
	for _, line := range b.LogLines {
		steps = append(steps, &stdoutStep{line + "\n"})
	}
	if b.Hang {
		steps = append(steps, &pauseStep{b.resumeCh})
	}
	if b.RunDelay > 0 {
		steps = append(steps, &sleepStep{b.RunDelay})
	}
	if b.FailureMessage == "" {
		for _, j := range manifest.Jobs {
			if b.DropOutputs[j.JobID] {
				continue
			}
			steps = append(steps, &writeStep{path.Join(dir, j.Output), []byte("video:" + j.JobID)})
		}
	} else {
		steps = append(steps, &stderrStep{b.FailureMessage + "\n"})
	}
	if !b.OmitMarker {
		state := execer.MarkerSuccess
		if b.FailureMessage != "" {
			state = execer.MarkerFailure
		}
		steps = append(steps, &writeStep{path.Join(dir, runner.MarkerFileName), execer.FormatMarker(state, b.FailureMessage)})
	}
	return append(steps, &completeStep{b.ExitCode})
}

// Resume releases one hanging run.
func (b *SimBackend) Resume() {
	b.resumeCh <- struct{}{}
}

// Runs returns every run launched so far, in launch order.
func (b *SimBackend) Runs() []SimRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SimRun(nil), b.runs...)
}

// Uploads and Downloads count transfer attempts, failed ones included.
func (b *SimBackend) Uploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads
}

func (b *SimBackend) Downloads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.downloads
}

// File returns the contents of a remote file.
func (b *SimBackend) File(remotePath string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[remotePath]
	return data, ok
}

func (b *SimBackend) writeFile(remotePath string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[remotePath] = data
}

type simProcess struct {
	backend *SimBackend
	marker  string

	status execer.ProcessStatus
	cond   *sync.Cond
	mu     sync.Mutex
	doneCh chan struct{}

	stdout io.Writer
	stderr io.Writer
}

func (p *simProcess) Wait() execer.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.status.State.IsDone() {
		p.cond.Wait()
	}
	return p.status
}

func (p *simProcess) Abort() execer.ProcessStatus {
	p.setStatus(execer.ProcessStatus{State: execer.FAILED, ExitCode: -1, Error: "aborted"})
	return p.Wait()
}

func (p *simProcess) setStatus(status execer.ProcessStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.State.IsDone() {
		return
	}
	p.status = status
	if p.status.State.IsDone() {
		close(p.doneCh)
		p.cond.Broadcast()
	}
}

func (p *simProcess) getStatus() execer.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *simProcess) run(steps []simStep) {
	for _, step := range steps {
		status := p.getStatus()
		if status.State.IsDone() {
			return
		}
		p.setStatus(step.run(status, p))
	}
}

type simStep interface {
	run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus
}

// completeStep ends the process and picks up the marker, as a real execer does after exit.
type completeStep struct {
	exitCode int
}

func (s *completeStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	status.ExitCode = s.exitCode
	status.State = execer.COMPLETE
	if data, ok := p.backend.File(p.marker); ok {
		status.Marker, status.MarkerMessage = execer.ParseMarker(data)
	}
	return status
}

type pauseStep struct {
	ch chan struct{}
}

func (s *pauseStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	select {
	case <-p.doneCh:
	case <-s.ch:
	}
	return status
}

type sleepStep struct {
	duration time.Duration
}

func (s *sleepStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	select {
	case <-p.doneCh:
	case <-time.After(s.duration):
	}
	return status
}

type writeStep struct {
	path string
	data []byte
}

func (s *writeStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	p.backend.writeFile(s.path, s.data)
	return status
}

type stdoutStep struct {
	output string
}

func (s *stdoutStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	if p.stdout != nil {
		p.stdout.Write([]byte(s.output))
	}
	return status
}

type stderrStep struct {
	output string
}

func (s *stderrStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	if p.stderr != nil {
		p.stderr.Write([]byte(s.output))
	}
	return status
}
