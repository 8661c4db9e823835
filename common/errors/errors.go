// Package errors attaches process exit codes to errors returned by the CLI.
package errors

type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

// Cause lets pkg/errors see through the exit code wrapper.
func (e *ExitCodeError) Cause() error {
	return e.error
}

// ExitCodeOf returns the exit code carried by err, 1 for other non-nil errors.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	if e, ok := err.(*ExitCodeError); ok {
		return e.GetExitCode()
	}
	return 1
}
