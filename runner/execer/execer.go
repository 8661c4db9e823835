// Package execer runs one remote batch process. It does not know about batches or
// manifests; it only launches a command, streams its output and reports how it ended,
// including the completion marker the process left behind.
package execer

import (
	"context"
	"fmt"
	"io"
)

type Command struct {
	Argv []string

	// Extra environment for the process
	Env map[string]string

	// Working directory on the backend
	Dir string

	// Path on the backend of the completion marker. Read once the process has exited.
	MarkerPath string

	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	return fmt.Sprintf("argv:%q, dir:%s, marker:%s", c.Argv, c.Dir, c.MarkerPath)
}

type ProcessState int

const (
	UNKNOWN ProcessState = iota
	RUNNING
	COMPLETE
	FAILED
)

func (s ProcessState) IsDone() bool {
	return s == COMPLETE || s == FAILED
}

func (s ProcessState) String() string {
	switch s {
	case RUNNING:
		return "RUNNING"
	case COMPLETE:
		return "COMPLETE"
	case FAILED:
		return "FAILED"
	}
	return "UNKNOWN"
}

type Execer interface {
	// Starts the command. An error means nothing was launched.
	Exec(ctx context.Context, command Command) (Process, error)
}

type Process interface {
	// Blocks until the process is done.
	Wait() ProcessStatus

	// Stops the process and returns its final status. Safe to call after exit.
	Abort() ProcessStatus
}

// ProcessStatus is how a process ended.
// COMPLETE means the process exited on its own with ExitCode; FAILED means it
// could not be waited on or was aborted, with Error describing why.
type ProcessStatus struct {
	State    ProcessState
	ExitCode int
	Error    string

	Marker        MarkerState
	MarkerMessage string
}

func (s ProcessStatus) String() string {
	return fmt.Sprintf("state:%s, exit:%d, marker:%s, error:%q", s.State, s.ExitCode, s.Marker, s.Error)
}
