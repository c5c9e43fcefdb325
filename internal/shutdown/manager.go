// Package shutdown coordinates graceful shutdown and restart recovery of the
// RCloneGUI daemon.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/mount"
	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the daemon is running normally.
	StateRunning State = "running"
	// StateDraining indicates the API and scheduler are being stopped.
	StateDraining State = "draining"
	// StateCancelling indicates live sync runs are being cancelled.
	StateCancelling State = "cancelling"
	// StateUnmounting indicates self-started mounts are being unmounted.
	StateUnmounting State = "unmounting"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// HTTPServer is the API server. *http.Server implements it.
type HTTPServer interface {
	Shutdown(ctx context.Context) error
}

// Stopper stops a background loop such as the scheduler.
type Stopper interface {
	Stop()
}

// RunCanceller cancels live sync runs. *syncer.Engine implements it.
type RunCanceller interface {
	Active() []models.SyncRun
	CancelAll(ctx context.Context) error
}

// MountReleaser unmounts the mounts this process started. *mount.Manager
// implements it.
type MountReleaser interface {
	UnmountOwned(ctx context.Context) []mount.Result
}

// Closer releases a resource once everything else has stopped.
type Closer struct {
	Name  string
	Close func() error
}

// Targets are the components stopped during shutdown. Nil targets are skipped.
type Targets struct {
	HTTP      HTTPServer
	Scheduler Stopper
	Runs      RunCanceller
	Mounts    MountReleaser
	// Closers run last, in order.
	Closers []Closer
}

// Status represents the current shutdown status.
type Status struct {
	State            State         `json:"state"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	TimeRemaining    time.Duration `json:"time_remaining,omitempty"`
	ActiveRuns       int           `json:"active_runs"`
	UnmountedCount   int           `json:"unmounted_count"`
	AcceptingNewJobs bool          `json:"accepting_new_jobs"`
	Message          string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for graceful shutdown.
	Timeout time.Duration

	// DrainTimeout bounds the HTTP server shutdown.
	DrainTimeout time.Duration

	// UnmountOnExit unmounts self-started mounts. External mounts are never
	// touched.
	UnmountOnExit bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		DrainTimeout:  5 * time.Second,
		UnmountOnExit: true,
	}
}

// Manager coordinates graceful shutdown of the daemon.
type Manager struct {
	config        Config
	targets       Targets
	logger        zerolog.Logger
	mu            sync.RWMutex
	state         State
	startedAt     *time.Time
	unmounted     int32
	acceptingJobs atomic.Bool
	doneCh        chan struct{}
	shutdownOnce  sync.Once
	err           error
}

// NewManager creates a new shutdown manager.
func NewManager(config Config, targets Targets, logger zerolog.Logger) *Manager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DrainTimeout <= 0 || config.DrainTimeout > config.Timeout {
		config.DrainTimeout = min(DefaultConfig().DrainTimeout, config.Timeout)
	}
	m := &Manager{
		config:  config,
		targets: targets,
		logger:  logger.With().Str("component", "shutdown_manager").Logger(),
		state:   StateRunning,
		doneCh:  make(chan struct{}),
	}
	m.acceptingJobs.Store(true)
	return m
}

// IsAcceptingJobs returns true until shutdown starts. The API refuses
// state-changing requests once it returns false.
func (m *Manager) IsAcceptingJobs() bool {
	return m.acceptingJobs.Load()
}

// GetStatus returns the current shutdown status. It is reported by the
// lifecycle health check.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:            m.state,
		StartedAt:        m.startedAt,
		UnmountedCount:   int(atomic.LoadInt32(&m.unmounted)),
		AcceptingNewJobs: m.acceptingJobs.Load(),
	}

	if m.targets.Runs != nil {
		status.ActiveRuns = len(m.targets.Runs.Active())
	}

	if m.startedAt != nil {
		remaining := m.config.Timeout - time.Since(*m.startedAt)
		if remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Daemon is running normally"
	case StateDraining:
		status.Message = "Stopping the API and scheduler"
	case StateCancelling:
		status.Message = "Cancelling live sync runs"
	case StateUnmounting:
		status.Message = "Unmounting self-started mounts"
	case StateComplete:
		status.Message = "Shutdown complete"
	}

	return status
}

// Shutdown stops every target and blocks until complete or until ctx or the
// configured timeout expires. Later calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.err = m.doShutdown(ctx)
		close(m.doneCh)
	})
	<-m.doneCh
	return m.err
}

func (m *Manager) doShutdown(parent context.Context) error {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Bool("unmount_on_exit", m.config.UnmountOnExit).
		Msg("initiating graceful shutdown")

	now := time.Now()
	m.mu.Lock()
	m.startedAt = &now
	m.mu.Unlock()
	m.setState(StateDraining)
	m.acceptingJobs.Store(false)

	ctx, cancel := context.WithTimeout(parent, m.config.Timeout)
	defer cancel()

	var errs []error

	// Phase 1: no new work
	if m.targets.Scheduler != nil {
		m.targets.Scheduler.Stop()
		m.logger.Debug().Msg("scheduler stopped")
	}
	if m.targets.HTTP != nil {
		drainCtx, drainCancel := context.WithTimeout(ctx, m.config.DrainTimeout)
		if err := m.targets.HTTP.Shutdown(drainCtx); err != nil {
			m.logger.Warn().Err(err).Msg("API server did not drain cleanly")
			errs = append(errs, fmt.Errorf("shutdown API server: %w", err))
		}
		drainCancel()
	}

	// Phase 2: live sync runs
	if m.targets.Runs != nil {
		m.setState(StateCancelling)
		if n := len(m.targets.Runs.Active()); n > 0 {
			m.logger.Info().Int("active_runs", n).Msg("cancelling live sync runs")
		}
		if err := m.targets.Runs.CancelAll(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("failed to cancel every sync run")
			errs = append(errs, fmt.Errorf("cancel sync runs: %w", err))
		}
	}

	// Phase 3: self-started mounts
	if m.config.UnmountOnExit && m.targets.Mounts != nil {
		m.setState(StateUnmounting)
		for _, res := range m.targets.Mounts.UnmountOwned(ctx) {
			if res.Err != nil {
				m.logger.Warn().Err(res.Err).Str("mount", res.Name).Msg("failed to unmount")
				errs = append(errs, res.Err)
				continue
			}
			atomic.AddInt32(&m.unmounted, 1)
		}
	}

	if ctx.Err() != nil {
		m.logger.Warn().Msg("shutdown timeout reached, releasing resources anyway")
	}

	m.logger.Info().
		Dur("duration", time.Since(now)).
		Int("unmounted", int(atomic.LoadInt32(&m.unmounted))).
		Msg("graceful shutdown complete")

	// Phase 4: release resources; the logger may be one of them
	for _, c := range m.targets.Closers {
		if c.Close == nil {
			continue
		}
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Str("resource", c.Name).Msg("failed to close")
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
		}
	}

	m.setState(StateComplete)
	return errors.Join(errs...)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
