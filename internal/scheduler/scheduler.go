// Package scheduler fires sync tasks on their cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/events"
	"github.com/GamblerIX/RCloneGUI/internal/metrics"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/syncer"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultTick is how often due entries are checked. It must stay well
// under a minute so no minute boundary is skipped.
const DefaultTick = 15 * time.Second

// ErrUnknownTask is returned for a task that is not registered.
var ErrUnknownTask = errors.New("unknown scheduled task")

// ErrNotScheduled is returned by Register for a task without an expression.
var ErrNotScheduled = errors.New("task has no cron expression")

// Runner starts sync runs. *syncer.Engine implements it.
type Runner interface {
	Start(ctx context.Context, task models.SyncTaskDefinition, trigger string) (*syncer.Run, error)
	IsActive(name string) bool
}

// EventKind says what happened to a scheduled slot.
type EventKind string

const (
	// EventFired means a run was started for the slot.
	EventFired EventKind = "fired"
	// EventMissed means the slot was skipped because the previous run of
	// the task was still active.
	EventMissed EventKind = "missed"
	// EventFailed means the run could not be started.
	EventFailed EventKind = "failed"
)

// Event reports the outcome of one due slot.
type Event struct {
	Kind      EventKind            `json:"kind"`
	Task      string               `json:"task"`
	Slot      time.Time            `json:"slot"`
	RunID     uuid.UUID            `json:"run_id,omitempty"`
	Error     string               `json:"error,omitempty"`
	Coalesced int                  `json:"coalesced,omitempty"`
	Entry     models.ScheduleEntry `json:"entry"`
}

// Config holds scheduler settings.
type Config struct {
	Tick time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{Tick: DefaultTick}
}

type entry struct {
	task     models.SyncTaskDefinition
	schedule cron.Schedule
	next     time.Time
	last     time.Time
	missed   int
}

func (e *entry) snapshot() models.ScheduleEntry {
	return models.ScheduleEntry{
		Task:       e.task.Name,
		Expression: e.task.Cron,
		NextFire:   e.next,
		LastFire:   e.last,
		Missed:     e.missed,
	}
}

type due struct {
	task      models.SyncTaskDefinition
	slot      time.Time
	coalesced int
}

// Scheduler keeps one entry per scheduled task and fires due entries from
// a single ticker loop.
type Scheduler struct {
	cfg     Config
	runner  Runner
	metrics *metrics.PrometheusMetrics

	mu       sync.Mutex
	entries  map[string]*entry
	lastTick time.Time
	cancel   context.CancelFunc
	stopped  chan struct{}

	bus    *events.Bus[Event]
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Scheduler.
func New(cfg Config, runner Runner, logger zerolog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		entries: make(map[string]*entry),
		bus:     events.NewBus[Event](0),
		now:     time.Now,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// SetMetrics enables Prometheus metrics.
func (s *Scheduler) SetMetrics(m *metrics.PrometheusMetrics) {
	s.metrics = m
}

// Subscribe returns a channel receiving scheduler events.
func (s *Scheduler) Subscribe() chan Event {
	return s.bus.Subscribe()
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (s *Scheduler) Unsubscribe(ch chan Event) {
	s.bus.Unsubscribe(ch)
}

// Register adds a task or updates a registered one. The next fire is
// only recomputed when the expression changes.
func (s *Scheduler) Register(task models.SyncTaskDefinition) error {
	if !task.Scheduled() {
		return fmt.Errorf("%w: %s", ErrNotScheduled, task.Name)
	}
	sched, err := Parse(task.Cron)
	if err != nil {
		return fmt.Errorf("register %s: %w", task.Name, err)
	}
	task.Excludes = append([]string(nil), task.Excludes...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[task.Name]; ok {
		changed := e.task.Cron != task.Cron
		e.task = task
		if changed {
			e.schedule = sched
			e.next = sched.Next(s.now())
			s.logger.Info().Str("task", task.Name).Str("cron", task.Cron).Time("next_fire", e.next).Msg("schedule updated")
		}
		return nil
	}

	e := &entry{task: task, schedule: sched, next: sched.Next(s.now())}
	s.entries[task.Name] = e
	s.logger.Info().Str("task", task.Name).Str("cron", task.Cron).Time("next_fire", e.next).Msg("schedule registered")
	return nil
}

// Unregister removes a task. Unknown names return ErrUnknownTask.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	delete(s.entries, name)
	s.logger.Info().Str("task", name).Msg("schedule removed")
	return nil
}

// Reschedule replaces the expression of a registered task.
func (s *Scheduler) Reschedule(name, expr string) error {
	sched, err := Parse(expr)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	e.task.Cron = expr
	e.schedule = sched
	e.next = sched.Next(s.now())
	s.logger.Info().Str("task", name).Str("cron", expr).Time("next_fire", e.next).Msg("schedule updated")
	return nil
}

// Sync makes the registered set match tasks: scheduled tasks are
// registered or updated, everything else is removed. Invalid expressions
// are skipped and returned joined.
func (s *Scheduler) Sync(tasks []models.SyncTaskDefinition) error {
	keep := make(map[string]bool, len(tasks))
	var errs []error
	for _, task := range tasks {
		if !task.Scheduled() {
			continue
		}
		if err := s.Register(task); err != nil {
			errs = append(errs, err)
			continue
		}
		keep[task.Name] = true
	}

	s.mu.Lock()
	for name := range s.entries {
		if !keep[name] {
			delete(s.entries, name)
			s.logger.Info().Str("task", name).Msg("schedule removed")
		}
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}

// SetLastFire records when a task last ran, e.g. from run history.
func (s *Scheduler) SetLastFire(name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	e.last = at
	return nil
}

// Entries returns every entry sorted by next fire, then name.
func (s *Scheduler) Entries() []models.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].NextFire.Before(out[j].NextFire)
		}
		return out[i].Task < out[j].Task
	})
	return out
}

// Entry returns the entry of one task.
func (s *Scheduler) Entry(name string) (models.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return models.ScheduleEntry{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return e.snapshot(), nil
}

// Start runs the ticker loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()

	s.logger.Info().Dur("tick", s.cfg.Tick).Msg("starting scheduler")
	go s.loop(ctx, stopped)
	return nil
}

// Stop stops the ticker loop. Runs already started are not affected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	s.logger.Info().Msg("scheduler stopped")
}

// Close stops the loop and closes every subscriber channel.
func (s *Scheduler) Close() {
	s.Stop()
	s.bus.Close()
}

func (s *Scheduler) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick fires every entry due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if !s.lastTick.IsZero() && now.Before(s.lastTick) {
		s.logger.Warn().
			Time("last_tick", s.lastTick).
			Time("now", now).
			Msg("clock moved backwards, recomputing schedules")
		for _, e := range s.entries {
			e.next = e.schedule.Next(now)
		}
	}
	s.lastTick = now

	var fire []due
	for _, e := range s.entries {
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}
		slot := e.next
		next := e.schedule.Next(slot)
		coalesced := 0
		for !next.IsZero() && !next.After(now) {
			next = e.schedule.Next(next)
			coalesced++
		}
		e.next = next
		fire = append(fire, due{task: e.task, slot: slot, coalesced: coalesced})
	}
	s.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].task.Name < fire[j].task.Name })
	for _, d := range fire {
		s.fire(ctx, d, now)
	}
}

// fire starts a run for a due slot and returns without waiting for it.
func (s *Scheduler) fire(ctx context.Context, d due, now time.Time) {
	logger := s.logger.With().Str("task", d.task.Name).Time("slot", d.slot).Logger()
	if d.coalesced > 0 {
		logger.Warn().Int("coalesced", d.coalesced).Msg("skipped slots coalesced into one fire")
	}

	ev := Event{Task: d.task.Name, Slot: d.slot, Coalesced: d.coalesced}

	var run *syncer.Run
	var err error
	if s.runner.IsActive(d.task.Name) {
		err = &syncer.AlreadyRunningError{Task: d.task.Name}
	} else {
		run, err = s.runner.Start(ctx, d.task, syncer.TriggerSchedule)
	}

	var already *syncer.AlreadyRunningError
	switch {
	case err == nil:
		ev.Kind = EventFired
		if run != nil {
			ev.RunID = run.ID()
		}
		s.metrics.RecordScheduleFire(d.task.Name)
		logger.Info().Str("run_id", ev.RunID.String()).Msg("scheduled sync started")
	case errors.As(err, &already):
		ev.Kind = EventMissed
		s.metrics.RecordScheduleMissed(d.task.Name)
		logger.Warn().Msg("scheduled sync skipped, previous run still active")
	default:
		ev.Kind = EventFailed
		ev.Error = err.Error()
		logger.Error().Err(err).Msg("scheduled sync failed to start")
	}

	s.mu.Lock()
	if e, ok := s.entries[d.task.Name]; ok {
		if ev.Kind == EventMissed {
			e.missed++
		} else {
			e.last = now
		}
		ev.Entry = e.snapshot()
	}
	s.bus.Publish(ev)
	s.mu.Unlock()
}
