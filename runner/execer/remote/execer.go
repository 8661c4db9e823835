// Package remote runs batch processes on a GPU host over ssh, or on this host when no
// host is configured, and moves batch files there with rsync.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gpubatch/gpubatch/runner/execer"
)

const DefaultAbortGrace = 10 * time.Second

type Config struct {
	// Empty runs everything on this host.
	Host string
	User string

	// Extra ssh arguments, shell syntax, e.g. "-p 2222 -o BatchMode=yes".
	SSHOptions string

	// Defaults to "ssh" on the PATH.
	SSHBinary string

	// Time between SIGTERM and SIGKILL when aborting.
	AbortGrace time.Duration
}

// Target is the ssh destination, user@host or host.
func (c Config) Target() string {
	if c.User == "" {
		return c.Host
	}
	return c.User + "@" + c.Host
}

func (c Config) Local() bool {
	return c.Host == ""
}

// sshArgv is the ssh invocation running remoteCmd on the target.
func (c Config) sshArgv(remoteCmd string) ([]string, error) {
	bin := c.SSHBinary
	if bin == "" {
		bin = "ssh"
	}
	opts, err := shellwords.Parse(c.SSHOptions)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing ssh options %q", c.SSHOptions)
	}
	argv := append([]string{bin}, opts...)
	return append(argv, c.Target(), "--", remoteCmd), nil
}

// PIDFileName is written in the remote working directory with the pid of the remote
// shell. sshd makes that shell a session leader, so the pid is also the process group
// every remote child inherits.
const PIDFileName = ".gpubatch.pid"

// remoteCommand is the remote shell line running argv inside dir. The shell records its
// pid and execs argv, so the recorded group is the one to signal on abort.
func remoteCommand(dir string, argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return cdPrefix(dir) + "echo $$ > " + PIDFileName + " && exec " + strings.Join(quoted, " ")
}

// remoteKillCommand signals the process group recorded by remoteCommand in dir.
func remoteKillCommand(dir, sig string) string {
	return cdPrefix(dir) + "kill -" + sig + " -\"$(cat " + PIDFileName + ")\""
}

func cdPrefix(dir string) string {
	if dir == "" {
		return ""
	}
	return "cd " + shellQuote(dir) + " && "
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.Replace(s, "'", `'"'"'`, -1) + "'"
}

// Implements runner/execer.Execer
type remoteExecer struct {
	cfg Config
}

func NewExecer(cfg Config) execer.Execer {
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = DefaultAbortGrace
	}
	return &remoteExecer{cfg: cfg}
}

// Exec starts command in its own process group. Over ssh that group only holds the ssh
// client; Abort reaches the remote group through the pid file.
func (e *remoteExecer) Exec(ctx context.Context, command execer.Command) (execer.Process, error) {
	if len(command.Argv) == 0 {
		return nil, fmt.Errorf("No command specified.")
	}
	var cmd *exec.Cmd
	if e.cfg.Local() {
		cmd = exec.Command(command.Argv[0], command.Argv[1:]...)
		cmd.Dir = command.Dir
	} else {
		argv, err := e.cfg.sshArgv(remoteCommand(command.Dir, command.Argv))
		if err != nil {
			return nil, err
		}
		cmd = exec.Command(argv[0], argv[1:]...)
	}
	cmd.Env = os.Environ()
	for k, v := range command.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr := command.Stdout, command.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	// Pipes rather than direct writers so Wait does not hang on grandchildren holding the fds.
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", cmd.Path)
	}

	p := &process{
		cmd:    cmd,
		cfg:    e.cfg,
		dir:    command.Dir,
		marker: command.MarkerPath,
		doneCh: make(chan struct{}),
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(stderr, stderrPipe)
	}()
	go p.wait(&wg)
	go func() {
		select {
		case <-ctx.Done():
			p.Abort()
		case <-p.doneCh:
		}
	}()
	log.WithFields(log.Fields{"pid": cmd.Process.Pid, "dir": command.Dir, "target": e.cfg.Target()}).Info("Started batch process")
	return p, nil
}

// Implements runner/execer.Process
type process struct {
	cmd    *exec.Cmd
	cfg    Config
	dir    string
	marker string

	mu      sync.Mutex
	aborted bool
	// Last signal sent by Abort
	signal string
	// Set once the process has exited.
	exit   execer.ProcessStatus
	doneCh chan struct{}

	markerOnce sync.Once
	result     execer.ProcessStatus
}

func (p *process) wait(wg *sync.WaitGroup) {
	wg.Wait()
	err := p.cmd.Wait()

	var st execer.ProcessStatus
	if err == nil {
		st.State = execer.COMPLETE
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			st.State = execer.COMPLETE
			st.ExitCode = ws.ExitStatus()
			if ws.Signaled() {
				st.ExitCode = 128 + int(ws.Signal())
			}
		} else {
			st.State = execer.FAILED
			st.Error = "Could not find WaitStatus from exiterr.Sys()"
		}
	} else {
		st.State = execer.FAILED
		st.Error = err.Error()
	}

	p.mu.Lock()
	if p.aborted {
		st = execer.ProcessStatus{State: execer.FAILED, ExitCode: -1, Error: "Aborted (" + p.signal + ")"}
	}
	p.exit = st
	p.mu.Unlock()
	log.WithFields(log.Fields{"pid": p.cmd.Process.Pid, "status": st}).Info("Finished waiting for process")
	close(p.doneCh)
}

// Wait blocks until exit, then reads the completion marker once.
func (p *process) Wait() execer.ProcessStatus {
	<-p.doneCh
	p.markerOnce.Do(func() {
		p.mu.Lock()
		p.result = p.exit
		aborted := p.aborted
		p.mu.Unlock()
		if aborted {
			return
		}
		data, err := p.readMarker()
		if err != nil {
			log.WithFields(log.Fields{"marker": p.marker, "error": err}).Info("No completion marker")
			return
		}
		p.result.Marker, p.result.MarkerMessage = execer.ParseMarker(data)
	})
	return p.result
}

// Abort sends SIGTERM to the process group, and SIGKILL after the grace period.
// Over ssh the remote group is signalled first, then the local ssh client.
func (p *process) Abort() execer.ProcessStatus {
	p.mu.Lock()
	select {
	case <-p.doneCh:
		p.mu.Unlock()
		return p.Wait()
	default:
	}
	first := !p.aborted
	p.aborted = true
	p.signal = "SIGTERM"
	p.mu.Unlock()
	if !first {
		return p.Wait()
	}

	p.kill(unix.SIGTERM)
	select {
	case <-p.doneCh:
	case <-time.After(p.cfg.AbortGrace):
		p.mu.Lock()
		p.signal = "SIGKILL"
		p.mu.Unlock()
		log.WithFields(log.Fields{"pid": p.cmd.Process.Pid, "grace": p.cfg.AbortGrace}).Info("Grace period over")
		p.kill(unix.SIGKILL)
	}
	return p.Wait()
}

func (p *process) kill(sig unix.Signal) {
	pid := p.cmd.Process.Pid
	fields := log.Fields{"pid": pid, "signal": unix.SignalName(sig), "target": p.cfg.Target()}
	log.WithFields(fields).Info("Aborting process group")
	if !p.cfg.Local() {
		if err := p.killRemote(sig); err != nil {
			log.WithFields(fields).WithError(err).Error("Error signalling remote process group")
		}
	}
	if err := unix.Kill(-pid, sig); err != nil {
		log.WithFields(fields).WithError(err).Error("Error signalling process group")
	}
}

// killRemote runs kill on the backend over a fresh ssh session, bounded by the grace period.
func (p *process) killRemote(sig unix.Signal) error {
	argv, err := p.cfg.sshArgv(remoteKillCommand(p.dir, strings.TrimPrefix(unix.SignalName(sig), "SIG")))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AbortGrace)
	defer cancel()
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "remote kill: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *process) readMarker() ([]byte, error) {
	if p.marker == "" {
		return nil, errors.New("no marker path")
	}
	if p.cfg.Local() {
		return os.ReadFile(p.marker)
	}
	argv, err := p.cfg.sshArgv("cat " + shellQuote(p.marker))
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "reading marker: %s", strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
