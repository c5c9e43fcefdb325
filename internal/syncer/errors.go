package syncer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when no live run has the given ID.
var ErrRunNotFound = errors.New("sync run not found")

// AlreadyRunningError is returned when a task is triggered while one of its
// runs is still live. The trigger is rejected, never queued.
type AlreadyRunningError struct {
	Task  string
	RunID uuid.UUID
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("sync task %s is already running (run %s)", e.Task, e.RunID)
}
