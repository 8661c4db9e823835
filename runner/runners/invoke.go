package runners

import (
	"context"
	"path"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/common/stats"
	"github.com/gpubatch/gpubatch/os/temp"
	"github.com/gpubatch/gpubatch/runner"
	"github.com/gpubatch/gpubatch/runner/execer"
	"github.com/gpubatch/gpubatch/runner/execer/remote"
	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/snapshot/snapshots"
)

// runBatch takes one batch through upload, run, monitor and collect. It returns a result
// per member, not yet finalized. It does not return before the remote process is gone.
func (o *Orchestrator) runBatch(ctx context.Context, slot int, w batchWork) []domain.Result {
	b := w.batch
	fields := log.Fields{"batchID": b.ID, "slot": slot, "jobs": b.Size(), "mixed": b.Mixed}
	log.WithFields(fields).Infof("Starting batch %s", b.Signature)
	o.stat.Counter(stats.BatchStartedCounter).Inc(1)
	o.stat.Gauge(stats.BatchRunningGauge).Update(atomic.AddInt64(&o.running, 1))
	defer func() { o.stat.Gauge(stats.BatchRunningGauge).Update(atomic.AddInt64(&o.running, -1)) }()

	staging, err := o.tmp.TempDir("batch-" + b.ID + "-")
	if err != nil {
		return o.batchFailed(w, &domain.ExecutionError{ErrKind: domain.KindUpload, Err: errors.Wrap(err, "staging")})
	}
	defer staging.Remove()

	remoteDir := path.Join(o.cfg.RemoteWorkdir, b.ID)
	if err := o.upload(ctx, w, staging, remoteDir); err != nil {
		return o.batchFailed(w, o.abortedOr(ctx, err))
	}

	st, err := o.run(ctx, b, remoteDir)
	if err != nil {
		return o.batchFailed(w, err)
	}
	switch st.Marker {
	case execer.MarkerSuccess:
	case execer.MarkerFailure:
		return o.batchFailed(w, &domain.RemoteFailureError{BatchID: b.ID, Message: st.MarkerMessage})
	default:
		return o.batchFailed(w, &domain.IndeterminateFailureError{BatchID: b.ID, ExitCode: st.ExitCode, Detail: st.Error})
	}

	results, err := o.collect(ctx, w, remoteDir)
	if err != nil {
		return o.batchFailed(w, o.abortedOr(ctx, err))
	}
	o.stat.Counter(stats.BatchSucceededCounter).Inc(1)
	log.WithFields(fields).Info("Batch done")
	return results
}

func (o *Orchestrator) batchFailed(w batchWork, err error) []domain.Result {
	o.stat.Counter(stats.BatchFailedCounter).Inc(1)
	log.WithFields(log.Fields{"batchID": w.batch.ID, "error": err}).Error("Batch failed")
	return failAll(w, err)
}

// abortedOr reports a cancelled context as an abort rather than whatever the stage saw.
func (o *Orchestrator) abortedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &domain.ExecutionError{ErrKind: domain.KindAborted, Err: ctx.Err()}
	}
	return err
}

// upload writes the manifest and stages control assets under their remote names, then ships both.
func (o *Orchestrator) upload(ctx context.Context, w batchWork, staging *temp.TempDir, remoteDir string) error {
	defer o.stat.Latency(stats.BatchUploadLatency_ms).Time().Stop()

	manifest, assets, err := runner.BuildManifest(w.batch, w.jobs)
	if err != nil {
		return &domain.ExecutionError{ErrKind: domain.KindUpload, Err: err}
	}
	data, err := manifest.Marshal()
	if err != nil {
		return &domain.ExecutionError{ErrKind: domain.KindUpload, Err: err}
	}
	manifestPath, err := staging.WriteFile(runner.ManifestFileName, data)
	if err != nil {
		return &domain.ExecutionError{ErrKind: domain.KindUpload, Err: err}
	}

	var inputs []string
	if len(assets) > 0 {
		inputsDir, err := staging.FixedDir(runner.InputsDir)
		if err != nil {
			return &domain.ExecutionError{ErrKind: domain.KindUpload, Err: err}
		}
		for _, a := range assets {
			dst := filepath.Join(inputsDir.Dir, a.RemoteName)
			if err := snapshots.CopyFile(a.LocalPath, dst); err != nil {
				return &domain.ExecutionError{ErrKind: domain.KindUpload, Err: errors.Wrapf(err, "staging %s input of job %s", a.Modality, a.JobID)}
			}
			inputs = append(inputs, dst)
		}
	}

	retries := o.stat.Counter(stats.UploadRetriesCounter)
	return transfer(ctx, domain.KindUpload, w.batch.ID, o.cfg.Transfer, retries, func() error {
		if err := o.filer.Upload(ctx, []string{manifestPath}, remoteDir); err != nil {
			return err
		}
		if len(inputs) == 0 {
			return nil
		}
		return o.filer.Upload(ctx, inputs, path.Join(remoteDir, runner.InputsDir))
	})
}

// run launches the batch process, streams its output to the sink and enforces the run timeout.
// A nil error means the process ended on its own; the caller judges it by its marker.
func (o *Orchestrator) run(ctx context.Context, b domain.Batch, remoteDir string) (execer.ProcessStatus, error) {
	defer o.stat.Latency(stats.BatchRunLatency_ms).Time().Stop()

	vars := map[string]string{
		WorkdirVar:  remoteDir,
		ManifestVar: path.Join(remoteDir, runner.ManifestFileName),
		MarkerVar:   path.Join(remoteDir, runner.MarkerFileName),
		BatchVar:    b.ID,
	}
	pump := newLogPump(context.WithoutCancel(ctx), b.ID, o.sink, o.cfg.LogBuffer, o.clk.Now, o.stat)
	stdout, stderr := pump.writer(StdoutStream), pump.writer(StderrStream)
	defer func() {
		stdout.Flush()
		stderr.Flush()
		pump.close()
	}()

	p, err := o.exec.Exec(ctx, execer.Command{
		Argv:       remote.ExpandTemplate(o.cfg.CommandTemplate, vars),
		Env:        map[string]string{"GPUBATCH_BATCH_ID": b.ID},
		Dir:        remoteDir,
		MarkerPath: vars[MarkerVar],
		Stdout:     stdout,
		Stderr:     stderr,
	})
	if err != nil {
		return execer.ProcessStatus{}, o.abortedOr(ctx, &domain.ExecutionError{ErrKind: domain.KindLaunch, Err: err})
	}

	timeout := o.clk.Timer(o.cfg.RunTimeout)
	defer timeout.Stop()
	processCh := make(chan execer.ProcessStatus, 1)
	go func() { processCh <- p.Wait() }()

	select {
	case <-ctx.Done():
		st := p.Abort()
		log.WithFields(log.Fields{"batchID": b.ID, "status": st}).Info("Batch aborted")
		return st, &domain.ExecutionError{ErrKind: domain.KindAborted, Err: ctx.Err()}
	case <-timeout.C:
		st := p.Abort()
		log.WithFields(log.Fields{"batchID": b.ID, "status": st, "timeout": o.cfg.RunTimeout}).Info("Batch timed out")
		return st, &domain.RemoteExecutionTimeout{BatchID: b.ID, Timeout: o.cfg.RunTimeout}
	case st := <-processCh:
		if ctx.Err() != nil {
			return st, &domain.ExecutionError{ErrKind: domain.KindAborted, Err: ctx.Err()}
		}
		log.WithFields(log.Fields{"batchID": b.ID, "status": st}).Info("Batch process exited")
		return st, nil
	}
}

// collect downloads the outputs directory and settles each job by whether its output arrived.
func (o *Orchestrator) collect(ctx context.Context, w batchWork, remoteDir string) ([]domain.Result, error) {
	defer o.stat.Latency(stats.BatchDownloadLatency_ms).Time().Stop()

	out := &temp.TempDir{Dir: o.cfg.OutputDir}
	local, err := out.FixedDir(w.batch.ID)
	if err != nil {
		return nil, &domain.ExecutionError{ErrKind: domain.KindDownload, Err: err}
	}
	localDir := local.Dir

	var names []string
	retries := o.stat.Counter(stats.DownloadRetriesCounter)
	err = transfer(ctx, domain.KindDownload, w.batch.ID, o.cfg.Transfer, retries, func() error {
		var err error
		names, err = o.filer.Download(ctx, path.Join(remoteDir, runner.OutputsDir), localDir)
		return err
	})
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	results := make([]domain.Result, len(w.batch.JobIDs))
	for i, id := range w.batch.JobIDs {
		name := runner.OutputName(id)
		res := domain.Result{JobID: id, BatchID: w.batch.ID}
		if present[name] {
			res.Status = domain.Completed
			res.OutputRef = filepath.Join(localDir, name)
		} else {
			err := &domain.PartialOutputError{BatchID: w.batch.ID, JobID: id, Output: path.Join(runner.OutputsDir, name)}
			log.WithFields(log.Fields{"batchID": w.batch.ID, "jobID": id}).Error(err)
			res.Status = domain.Failed
			res.Error = domain.InfoFromError(err)
		}
		results[i] = res
	}
	return results, nil
}
