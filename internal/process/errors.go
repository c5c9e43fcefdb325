package process

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProcessNotFound is returned when a handle is not in the process table.
var ErrProcessNotFound = errors.New("process not found")

// ErrStreamClaimed is returned when the output stream of a process has
// already been handed out.
var ErrStreamClaimed = errors.New("output stream already claimed")

// ErrOutputNotCaptured is returned by Lines for processes started without
// CaptureOutput.
var ErrOutputNotCaptured = errors.New("output not captured")

// LaunchError is returned when an executable cannot be started.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitError describes a process that exited with a non-zero code. Tail holds
// the last stderr lines; callers redact it before it reaches a user.
type ExitError struct {
	Code int
	Tail []string
}

func (e *ExitError) Error() string {
	if len(e.Tail) == 0 {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Code, strings.Join(e.Tail, "\n"))
}
