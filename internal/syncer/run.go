package syncer

import (
	"context"
	"sync"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/google/uuid"
)

// Run is a handle on one execution of a sync task.
type Run struct {
	task *models.SyncTaskDefinition

	mu        sync.Mutex
	run       models.SyncRun
	procID    uuid.UUID
	cancelled bool

	done chan struct{}
}

func newRun(task *models.SyncTaskDefinition, trigger string) *Run {
	return &Run{
		task: task,
		run:  *models.NewSyncRun(task, trigger),
		done: make(chan struct{}),
	}
}

// ID returns the run ID.
func (r *Run) ID() uuid.UUID {
	return r.run.ID
}

// Task returns the definition the run was started with.
func (r *Run) Task() models.SyncTaskDefinition {
	return *r.task
}

// Snapshot returns the current state of the run.
func (r *Run) Snapshot() models.SyncRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

// Done is closed once the run has a terminal outcome.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its final state.
func (r *Run) Wait(ctx context.Context) (models.SyncRun, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}
