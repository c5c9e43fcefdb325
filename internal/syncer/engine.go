// Package syncer runs rclone sync, copy, move and bisync jobs and tracks
// their progress.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/events"
	"github.com/GamblerIX/RCloneGUI/internal/metrics"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/process"
	"github.com/GamblerIX/RCloneGUI/internal/progress"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// EventKind says what happened to a run.
type EventKind string

const (
	// EventStarted is published once the rclone process is running.
	EventStarted EventKind = "started"
	// EventProgress is published for every parsed stats line.
	EventProgress EventKind = "progress"
	// EventFinished is published once with the terminal outcome.
	EventFinished EventKind = "finished"
)

// Event is a run state change.
type Event struct {
	Kind EventKind      `json:"kind"`
	Run  models.SyncRun `json:"run"`
}

// History persists runs. *store.SQLiteStore implements it.
type History interface {
	RecordRun(ctx context.Context, run *models.SyncRun) error
}

// Config holds engine settings.
type Config struct {
	// StatsInterval is passed to rclone as --stats.
	StatsInterval time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{StatsInterval: rclone.DefaultStatsInterval}
}

// Engine starts sync runs and enforces at most one live run per task.
type Engine struct {
	cfg     Config
	builder *rclone.Builder
	sup     *process.Supervisor
	history History
	metrics *metrics.PrometheusMetrics

	mu     sync.Mutex
	active map[string]*Run
	byID   map[uuid.UUID]*Run

	bus    *events.Bus[Event]
	logger zerolog.Logger
}

// NewEngine creates an Engine. history may be nil.
func NewEngine(cfg Config, builder *rclone.Builder, sup *process.Supervisor, history History, logger zerolog.Logger) *Engine {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = rclone.DefaultStatsInterval
	}
	return &Engine{
		cfg:     cfg,
		builder: builder,
		sup:     sup,
		history: history,
		active:  make(map[string]*Run),
		byID:    make(map[uuid.UUID]*Run),
		bus:     events.NewBus[Event](0),
		logger:  logger.With().Str("component", "sync_engine").Logger(),
	}
}

// SetMetrics enables Prometheus metrics.
func (e *Engine) SetMetrics(m *metrics.PrometheusMetrics) {
	e.metrics = m
}

// Subscribe returns a channel receiving run events.
func (e *Engine) Subscribe() chan Event {
	return e.bus.Subscribe()
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch chan Event) {
	e.bus.Unsubscribe(ch)
}

// Close closes every subscriber channel.
func (e *Engine) Close() {
	e.bus.Close()
}

// Run starts a manual run of task.
func (e *Engine) Run(ctx context.Context, task models.SyncTaskDefinition) (*Run, error) {
	return e.Start(ctx, task, TriggerManual)
}

// Trigger starts a manual run of task and returns its first snapshot.
func (e *Engine) Trigger(ctx context.Context, task models.SyncTaskDefinition) (models.SyncRun, error) {
	r, err := e.Run(ctx, task)
	if err != nil {
		return models.SyncRun{}, err
	}
	return r.Snapshot(), nil
}

// Start starts a run of task and returns once rclone is running. The run
// continues in the background; use Run.Wait to block until it finishes.
func (e *Engine) Start(ctx context.Context, task models.SyncTaskDefinition, trigger string) (*Run, error) {
	task.Excludes = append([]string(nil), task.Excludes...)
	r := newRun(&task, trigger)

	e.mu.Lock()
	if cur, ok := e.active[task.Name]; ok {
		e.mu.Unlock()
		return nil, &AlreadyRunningError{Task: task.Name, RunID: cur.ID()}
	}
	e.active[task.Name] = r
	e.mu.Unlock()

	logger := e.logger.With().
		Str("task", task.Name).
		Str("run_id", r.ID().String()).
		Str("trigger", trigger).
		Logger()

	inv, err := e.builder.Sync(&task, e.cfg.StatsInterval)
	if err != nil {
		e.abort(ctx, r, err, logger)
		return nil, fmt.Errorf("build sync command: %w", err)
	}

	proc, err := e.sup.Start(ctx, process.Spec{
		Binary:        inv.Binary,
		Args:          inv.Args,
		LogArgs:       inv.Redacted(),
		CaptureOutput: true,
	})
	if err != nil {
		e.abort(ctx, r, err, logger)
		return nil, fmt.Errorf("start sync: %w", err)
	}
	lines, err := e.sup.Lines(proc.ID)
	if err != nil {
		_ = e.sup.Terminate(context.WithoutCancel(ctx), proc.ID, false)
		e.abort(ctx, r, err, logger)
		return nil, fmt.Errorf("claim sync output: %w", err)
	}

	r.mu.Lock()
	r.procID = proc.ID
	r.run.PID = int32(proc.PID)
	snapshot := r.run
	e.bus.Publish(Event{Kind: EventStarted, Run: snapshot})
	r.mu.Unlock()

	e.mu.Lock()
	e.byID[r.ID()] = r
	e.mu.Unlock()

	e.record(context.WithoutCancel(ctx), &snapshot, logger)
	logger.Info().Int("pid", proc.PID).Str("mode", string(task.Mode)).Msg("sync started")

	go e.supervise(r, proc, lines, logger)
	return r, nil
}

// abort finishes a run that never got a process.
func (e *Engine) abort(ctx context.Context, r *Run, cause error, logger zerolog.Logger) {
	r.mu.Lock()
	r.run.Fail(-1, rclone.RedactText(cause.Error()))
	final := r.run
	e.bus.Publish(Event{Kind: EventFinished, Run: final})
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.active, r.task.Name)
	e.mu.Unlock()

	logger.Error().Err(cause).Msg("sync failed to start")
	e.record(context.WithoutCancel(ctx), &final, logger)
	e.metrics.RecordRun(string(final.Outcome))
	close(r.done)
}

// supervise feeds output to the parser and records the outcome.
func (e *Engine) supervise(r *Run, proc *process.Process, lines <-chan process.Line, logger zerolog.Logger) {
	parser := progress.NewParser()
	for line := range lines {
		snap, ok := parser.Feed(line.Text)
		if !ok {
			if line.Stream == process.Stderr {
				logger.Debug().Msg(rclone.RedactText(rclone.LogMessage(line.Text)))
			}
			continue
		}
		r.mu.Lock()
		r.run.Progress = snap
		e.bus.Publish(Event{Kind: EventProgress, Run: r.run})
		r.mu.Unlock()
	}

	<-proc.Done()
	code, _ := proc.ExitCode()
	defer e.sup.Forget(proc.ID)

	r.mu.Lock()
	switch {
	case r.cancelled:
		r.run.Cancel()
		r.run.ExitCode = code
	case code == 0:
		r.run.Progress = parser.Complete()
		r.run.Succeed()
	default:
		tail := make([]string, 0, len(proc.Tail()))
		for _, l := range proc.Tail() {
			tail = append(tail, rclone.LogMessage(l))
		}
		exitErr := &process.ExitError{Code: code, Tail: rclone.RedactLines(tail)}
		r.run.Fail(code, exitErr.Error())
	}
	final := r.run
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.active, r.task.Name)
	delete(e.byID, r.ID())
	e.mu.Unlock()

	e.record(context.Background(), &final, logger)

	e.metrics.RecordRun(string(final.Outcome))
	e.metrics.RecordRunDuration(final.Task, final.Duration().Seconds())
	e.metrics.AddRunBytes(final.Task, final.Progress.BytesTransferred)

	event := logger.Info()
	if final.Outcome == models.RunOutcomeFailed {
		event = logger.Warn().Str("error", final.Error)
	}
	event.
		Str("outcome", string(final.Outcome)).
		Int("exit_code", final.ExitCode).
		Dur("duration", final.Duration()).
		Int64("bytes", final.Progress.BytesTransferred).
		Msg("sync finished")

	r.mu.Lock()
	e.bus.Publish(Event{Kind: EventFinished, Run: final})
	r.mu.Unlock()
	close(r.done)
}

func (e *Engine) record(ctx context.Context, run *models.SyncRun, logger zerolog.Logger) {
	if e.history == nil {
		return
	}
	if err := e.history.RecordRun(ctx, run); err != nil {
		logger.Error().Err(err).Msg("failed to record sync run")
	}
}

// Cancel stops a live run and waits until its outcome is recorded.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	r, ok := e.byID[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return e.cancel(ctx, r)
}

// CancelTask stops the live run of a task.
func (e *Engine) CancelTask(ctx context.Context, name string) error {
	e.mu.Lock()
	r, ok := e.active[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no live run for task %s", ErrRunNotFound, name)
	}
	return e.cancel(ctx, r)
}

// CancelAll stops every live run. It is used on shutdown.
func (e *Engine) CancelAll(ctx context.Context) error {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.byID))
	for _, r := range e.byID {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	var lastErr error
	for _, r := range runs {
		if err := e.cancel(ctx, r); err != nil {
			e.logger.Error().Err(err).Str("task", r.task.Name).Msg("failed to cancel sync run")
			lastErr = err
		}
	}
	return lastErr
}

func (e *Engine) cancel(ctx context.Context, r *Run) error {
	r.mu.Lock()
	if r.run.Outcome.Terminal() {
		r.mu.Unlock()
		return nil
	}
	if r.procID == uuid.Nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: run %s has not started", ErrRunNotFound, r.ID())
	}
	r.cancelled = true
	procID := r.procID
	r.mu.Unlock()

	e.logger.Info().Str("task", r.task.Name).Str("run_id", r.ID().String()).Msg("cancelling sync")
	if err := e.sup.Terminate(ctx, procID, true); err != nil {
		return fmt.Errorf("terminate sync %s: %w", r.task.Name, err)
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive reports whether task has a live run.
func (e *Engine) IsActive(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[name]
	return ok
}

// Get returns a live run by ID.
func (e *Engine) Get(id uuid.UUID) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.byID[id]
	return r, ok
}

// Active returns snapshots of every live run, sorted by task.
func (e *Engine) Active() []models.SyncRun {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.byID))
	for _, r := range e.byID {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]models.SyncRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}
