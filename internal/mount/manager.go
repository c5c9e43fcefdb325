// Package mount owns the lifecycle of every configured rclone mount and
// reconciles it with the rclone processes actually running on the system.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/discovery"
	"github.com/GamblerIX/RCloneGUI/internal/events"
	"github.com/GamblerIX/RCloneGUI/internal/metrics"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/process"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultReadyTimeout bounds how long Mount waits for rclone to serve the mount.
const DefaultReadyTimeout = 30 * time.Second

const probeInterval = 250 * time.Millisecond

// DefaultReadyMarkers are log fragments rclone prints once a mount is served.
var DefaultReadyMarkers = []string{
	"The service rclone has been started",
	"Mount daemon started",
}

// Scanner finds rclone mount processes running on the system.
type Scanner interface {
	Scan(ctx context.Context) ([]discovery.Found, error)
}

// cachingScanner is a Scanner that may return a cached snapshot.
// *discovery.Discoverer implements it.
type cachingScanner interface {
	Invalidate()
}

// endedPIDTTL is how long a pid this manager terminated is ignored in scan
// results. It outlives any cached or in-flight scan.
const endedPIDTTL = time.Minute

// DefinitionSource provides the configured mounts.
type DefinitionSource interface {
	Mounts() []models.MountDefinition
}

// KnownExternalStore persists the external mounts seen so far.
type KnownExternalStore interface {
	LoadKnownExternal(ctx context.Context) ([]models.KnownExternalMount, error)
	SaveKnownExternal(ctx context.Context, mounts []models.KnownExternalMount) error
}

// Config holds mount manager settings.
type Config struct {
	ReadyTimeout time.Duration
	ReadyMarkers []string
	// CacheDir is the parent of per-mount caches for the default cache policy.
	CacheDir string
	// MountRoot is where "auto" mounts are placed outside Windows.
	MountRoot string
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout: DefaultReadyTimeout,
		ReadyMarkers: DefaultReadyMarkers,
	}
}

// Event is published on every state change of a mount. Removed is set when
// the mount disappears from the state table.
type Event struct {
	State    models.MountRuntimeState `json:"state"`
	Previous models.MountStatus       `json:"previous"`
	Removed  bool                     `json:"removed,omitempty"`
}

// Result is the outcome for one mount of a batch operation.
type Result struct {
	Name string
	Err  error
}

var transitions = map[models.MountStatus][]models.MountStatus{
	models.MountStatusUnmounted:  {models.MountStatusMounting, models.MountStatusMounted, models.MountStatusError},
	models.MountStatusMounting:   {models.MountStatusMounted, models.MountStatusError, models.MountStatusUnmounting},
	models.MountStatusMounted:    {models.MountStatusUnmounting, models.MountStatusError},
	models.MountStatusUnmounting: {models.MountStatusUnmounted, models.MountStatusError},
	models.MountStatusError:      {models.MountStatusMounting, models.MountStatusMounted, models.MountStatusUnmounted},
}

func validTransition(from, to models.MountStatus, origin models.MountOrigin) bool {
	if from == to {
		return true
	}
	// discovery may attribute a live process from any state
	if to == models.MountStatusMounted && origin == models.MountOriginExternal {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type entry struct {
	// op serializes Mount and Unmount on this entry.
	op sync.Mutex

	// guarded by Manager.mu
	def       models.MountDefinition
	synthetic bool
	orphaned  bool
	busy      bool
	drive     string
	procID    uuid.UUID
	state     models.MountRuntimeState
}

// Manager owns one MountRuntimeState per definition plus one per external
// mount found without a definition. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	defs    DefinitionSource
	builder *rclone.Builder
	sup     *process.Supervisor
	scanner Scanner
	known   KnownExternalStore

	mu          sync.Mutex
	entries     map[string]*entry
	drives      *driveTable
	knownMounts map[string]models.KnownExternalMount
	knownLoaded bool
	// ended holds pids stopped by Unmount or seen exiting, with the time.
	ended map[int32]time.Time

	bus     *events.Bus[Event]
	metrics *metrics.PrometheusMetrics
	probe   func(target string) bool
	now     func() time.Time
	logger  zerolog.Logger
}

// NewManager creates a Manager with every definition in the Unmounted
// state. Callers run Reconcile right after construction. known may be nil.
func NewManager(cfg Config, defs DefinitionSource, builder *rclone.Builder, sup *process.Supervisor, scanner Scanner, known KnownExternalStore, logger zerolog.Logger) *Manager {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if len(cfg.ReadyMarkers) == 0 {
		cfg.ReadyMarkers = DefaultReadyMarkers
	}
	if cfg.MountRoot == "" {
		cfg.MountRoot = filepath.Join(os.TempDir(), "rclonegui", "mnt")
	}

	m := &Manager{
		cfg:         cfg,
		defs:        defs,
		builder:     builder,
		sup:         sup,
		scanner:     scanner,
		known:       known,
		entries:     make(map[string]*entry),
		drives:      newDriveTable(),
		knownMounts: make(map[string]models.KnownExternalMount),
		ended:       make(map[int32]time.Time),
		bus:         events.NewBus[Event](0),
		probe:       mountpointReady,
		now:         time.Now,
		logger:      logger.With().Str("component", "mount_manager").Logger(),
	}
	for _, def := range defs.Mounts() {
		m.entries[def.Name] = &entry{def: def, state: *models.NewMountRuntimeState(&def)}
	}
	return m
}

// SetMetrics enables Prometheus metrics.
func (m *Manager) SetMetrics(pm *metrics.PrometheusMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = pm
	m.updateGaugesLocked()
}

// Subscribe returns a channel receiving every state change.
func (m *Manager) Subscribe() chan Event {
	return m.bus.Subscribe()
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.bus.Unsubscribe(ch)
}

// Close closes every subscriber channel.
func (m *Manager) Close() {
	m.bus.Close()
}

// States returns a snapshot of every mount, sorted by name.
func (m *Manager) States() []models.MountRuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MountRuntimeState, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// State returns the state of one mount.
func (m *Manager) State(name string) (models.MountRuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return models.MountRuntimeState{}, fmt.Errorf("%w: %s", ErrUnknownMount, name)
	}
	return e.state, nil
}

func (m *Manager) lookup(name string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMount, name)
	}
	return e, nil
}

// Mount starts rclone for a definition and waits until the mount is served,
// the process exits, or the ready timeout elapses.
func (m *Manager) Mount(ctx context.Context, name string) error {
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()

	m.mu.Lock()
	if s := e.state.Status; s != models.MountStatusUnmounted && s != models.MountStatusError {
		m.mu.Unlock()
		return &AlreadyMountedError{Name: name, Status: s}
	}
	if e.synthetic || e.orphaned {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s has no definition", ErrUnknownMount, name)
	}
	def := e.def
	drive, err := m.drives.resolve(&def, m.cfg.MountRoot)
	if err == nil {
		err = m.drives.reserve(drive, name)
	}
	if err != nil {
		m.setLocked(e, func(s *models.MountRuntimeState) {
			s.Status = models.MountStatusError
			s.LastError = err.Error()
		})
		m.mu.Unlock()
		return fmt.Errorf("mount %s: %w", name, err)
	}
	e.drive = drive
	e.busy = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		e.busy = false
		m.mu.Unlock()
	}()

	logger := m.logger.With().Str("mount", name).Str("drive", drive).Logger()
	logger.Info().Str("remote", def.Target()).Msg("mounting")

	proc, lines, err := m.start(ctx, &def, drive)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start mount")
		m.mu.Lock()
		m.releaseDriveLocked(e)
		m.setLocked(e, func(s *models.MountRuntimeState) {
			s.Status = models.MountStatusError
			s.LastError = rclone.RedactText(err.Error())
		})
		m.mu.Unlock()
		return fmt.Errorf("mount %s: %w", name, err)
	}

	m.mu.Lock()
	e.procID = proc.ID
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusMounting
		s.Origin = models.MountOriginSelf
		s.PID = int32(proc.PID)
		s.Drive = drive
		s.LastError = ""
	})
	m.mu.Unlock()

	if err := m.awaitReady(ctx, e, proc, lines, drive); err != nil {
		logger.Warn().Err(err).Msg("mount failed")
		return fmt.Errorf("mount %s: %w", name, err)
	}

	logger.Info().Int("pid", proc.PID).Msg("mount ready")
	m.invalidateScan()
	go m.watch(e, proc, lines)
	return nil
}

// start builds the rclone invocation and launches it.
func (m *Manager) start(ctx context.Context, def *models.MountDefinition, drive string) (*process.Process, <-chan process.Line, error) {
	cacheDir, err := m.cacheDir(def)
	if err != nil {
		return nil, nil, err
	}
	if runtime.GOOS != "windows" {
		if err := os.MkdirAll(drive, 0755); err != nil {
			return nil, nil, fmt.Errorf("create mount point: %w", err)
		}
	}

	inv, err := m.builder.Mount(def, drive, cacheDir)
	if err != nil {
		return nil, nil, err
	}

	proc, err := m.sup.Start(ctx, process.Spec{
		Binary:        inv.Binary,
		Args:          inv.Args,
		LogArgs:       inv.Redacted(),
		CaptureOutput: true,
	})
	if err != nil {
		return nil, nil, err
	}

	lines, err := m.sup.Lines(proc.ID)
	if err != nil {
		_ = m.sup.Terminate(context.WithoutCancel(ctx), proc.ID, false)
		return nil, nil, fmt.Errorf("claim output: %w", err)
	}
	return proc, lines, nil
}

func (m *Manager) cacheDir(def *models.MountDefinition) (string, error) {
	var dir string
	switch def.CacheDir.Mode {
	case models.CacheDirSystem:
		return "", nil
	case models.CacheDirCustom:
		dir = def.CacheDir.Path
	default:
		if m.cfg.CacheDir == "" {
			return "", nil
		}
		dir = filepath.Join(m.cfg.CacheDir, def.Name)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}
	return dir, nil
}

// awaitReady waits for a ready marker or a served mount point. On failure
// the entry ends in Error and its drive is released.
func (m *Manager) awaitReady(ctx context.Context, e *entry, proc *process.Process, lines <-chan process.Line, drive string) error {
	timer := time.NewTimer(m.cfg.ReadyTimeout)
	defer timer.Stop()
	probe := time.NewTicker(probeInterval)
	defer probe.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				<-proc.Done()
				code, _ := proc.ExitCode()
				exitErr := &process.ExitError{Code: code, Tail: m.redactedTail(proc)}
				m.failStart(e, proc, exitErr.Error())
				return exitErr
			}
			m.logOutput(e, line)
			if m.isReadyMarker(line.Text) {
				return m.markMounted(e, proc)
			}

		case <-probe.C:
			if m.probe(drive) {
				return m.markMounted(e, proc)
			}

		case <-timer.C:
			m.abortStart(ctx, e, proc, lines)
			tail := m.redactedTail(proc)
			msg := fmt.Sprintf("not ready after %s", m.cfg.ReadyTimeout)
			if len(tail) > 0 {
				msg += ": " + strings.Join(tail, "\n")
			}
			m.failStart(e, proc, msg)
			return &TimeoutError{Name: e.def.Name, Timeout: m.cfg.ReadyTimeout, Tail: tail}

		case <-ctx.Done():
			m.abortStart(ctx, e, proc, lines)
			m.failStart(e, proc, "mount cancelled")
			return ctx.Err()
		}
	}
}

// abortStart terminates a process that never became ready. The output
// stream is drained meanwhile so the readers can finish.
func (m *Manager) abortStart(ctx context.Context, e *entry, proc *process.Process, lines <-chan process.Line) {
	go func() {
		for range lines {
		}
	}()
	if err := m.sup.Terminate(context.WithoutCancel(ctx), proc.ID, true); err != nil {
		m.logger.Error().Err(err).Str("mount", e.def.Name).Msg("failed to terminate mount process")
	}
}

func (m *Manager) markMounted(e *entry, proc *process.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.procID != proc.ID {
		return fmt.Errorf("mount process replaced during start")
	}
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusMounted
	})
	return nil
}

func (m *Manager) failStart(e *entry, proc *process.Process, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.procID == proc.ID {
		e.procID = uuid.Nil
	}
	m.releaseDriveLocked(e)
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusError
		s.Origin = models.MountOriginNone
		s.PID = 0
		s.LastError = msg
	})
	if proc.Exited() {
		m.sup.Forget(proc.ID)
	}
}

// watch drains the output of a mounted process and handles an exit that
// was not requested by Unmount.
func (m *Manager) watch(e *entry, proc *process.Process, lines <-chan process.Line) {
	for line := range lines {
		m.logOutput(e, line)
	}
	<-proc.Done()
	code, _ := proc.ExitCode()
	defer m.sup.Forget(proc.ID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.procID != proc.ID {
		return
	}
	e.procID = uuid.Nil
	if e.state.Status == models.MountStatusUnmounting {
		return
	}

	msg := fmt.Sprintf("mount process exited unexpectedly with code %d", code)
	if tail := m.redactedTail(proc); len(tail) > 0 {
		msg += ": " + strings.Join(tail, "\n")
	}
	m.logger.Warn().Str("mount", e.def.Name).Int("exit_code", code).Msg("mount process exited unexpectedly")
	m.markEndedLocked(int32(proc.PID))
	m.vanishLocked(e, msg)
}

// Unmount stops the process serving a mount, whether this application
// started it or it was discovered.
func (m *Manager) Unmount(ctx context.Context, name string) error {
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()

	m.mu.Lock()
	st := e.state
	if st.Status == models.MountStatusUnmounted {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMounted, name)
	}
	if st.Status == models.MountStatusError && e.procID == uuid.Nil && st.PID == 0 {
		m.releaseDriveLocked(e)
		m.setLocked(e, func(s *models.MountRuntimeState) {
			s.Status = models.MountStatusUnmounted
			s.Origin = models.MountOriginNone
			s.Drive = ""
		})
		m.dropIfGoneLocked(e)
		m.mu.Unlock()
		return nil
	}
	procID := e.procID
	e.busy = true
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusUnmounting
	})
	m.mu.Unlock()

	logger := m.logger.With().Str("mount", name).Str("origin", string(st.Origin)).Logger()
	logger.Info().Int32("pid", st.PID).Msg("unmounting")

	var termErr error
	switch {
	case st.Origin == models.MountOriginSelf && procID != uuid.Nil:
		termErr = m.sup.Terminate(ctx, procID, true)
	case st.PID > 0:
		termErr = m.sup.TerminatePID(ctx, st.PID, true)
	}

	m.mu.Lock()
	e.busy = false
	if termErr != nil {
		m.setLocked(e, func(s *models.MountRuntimeState) {
			s.Status = models.MountStatusError
			s.LastError = "unmount failed: " + termErr.Error()
		})
		m.mu.Unlock()
		logger.Error().Err(termErr).Msg("unmount failed")
		return fmt.Errorf("unmount %s: %w", name, termErr)
	}

	e.procID = uuid.Nil
	m.markEndedLocked(st.PID)
	m.releaseDriveLocked(e)
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusUnmounted
		s.Origin = models.MountOriginNone
		s.PID = 0
		s.Drive = ""
		s.LastError = ""
	})
	m.dropIfGoneLocked(e)
	changed := m.refreshKnownLocked()
	known := m.knownListLocked()
	m.mu.Unlock()

	m.invalidateScan()

	if procID != uuid.Nil {
		m.sup.Forget(procID)
	}
	if changed {
		m.saveKnown(ctx, known)
	}
	logger.Info().Msg("unmounted")
	return nil
}

// MountAll mounts every definition that is Unmounted or in Error.
func (m *Manager) MountAll(ctx context.Context) []Result {
	return m.batch(ctx, m.namesWhere(func(e *entry) bool {
		return !e.synthetic && !e.orphaned && !e.state.Status.Busy()
	}), m.Mount)
}

// AutoMount mounts every definition flagged for mounting on startup.
func (m *Manager) AutoMount(ctx context.Context) []Result {
	return m.batch(ctx, m.namesWhere(func(e *entry) bool {
		return !e.synthetic && !e.orphaned && e.def.AutoMount && !e.state.Status.Busy()
	}), m.Mount)
}

// UnmountAll unmounts every mounted entry, including external mounts.
func (m *Manager) UnmountAll(ctx context.Context) []Result {
	return m.batch(ctx, m.namesWhere(func(e *entry) bool {
		return e.state.Status == models.MountStatusMounted || e.state.Status == models.MountStatusMounting
	}), m.Unmount)
}

// UnmountOwned unmounts only the mounts this application started.
func (m *Manager) UnmountOwned(ctx context.Context) []Result {
	return m.batch(ctx, m.namesWhere(func(e *entry) bool {
		return e.state.Origin == models.MountOriginSelf &&
			(e.state.Status == models.MountStatusMounted || e.state.Status == models.MountStatusMounting)
	}), m.Unmount)
}

func (m *Manager) namesWhere(pred func(*entry) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, e := range m.entries {
		if pred(e) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// batch runs op for every name concurrently. A failure never stops the
// other operations.
func (m *Manager) batch(ctx context.Context, names []string, op func(context.Context, string) error) []Result {
	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Result{Name: name, Err: op(ctx, name)}
		}()
	}
	wg.Wait()
	return results
}

// AwaitSettled blocks until the mount is no longer Mounting or Unmounting.
func (m *Manager) AwaitSettled(ctx context.Context, name string) (models.MountRuntimeState, error) {
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	st, err := m.State(name)
	if err != nil {
		return st, err
	}
	for settling(st.Status) {
		select {
		case ev, ok := <-ch:
			if !ok {
				return m.State(name)
			}
			if ev.State.Name == name {
				st = ev.State
				if ev.Removed {
					return st, nil
				}
			}
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
	return st, nil
}

func settling(s models.MountStatus) bool {
	return s == models.MountStatusMounting || s == models.MountStatusUnmounting
}

func (m *Manager) isReadyMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range m.cfg.ReadyMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (m *Manager) logOutput(e *entry, line process.Line) {
	m.logger.Debug().
		Str("mount", e.def.Name).
		Str("stream", string(line.Stream)).
		Msg(rclone.RedactText(rclone.LogMessage(line.Text)))
}

func (m *Manager) redactedTail(proc *process.Process) []string {
	raw := proc.Tail()
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		out = append(out, rclone.LogMessage(l))
	}
	return rclone.RedactLines(out)
}

// setLocked applies a change to the entry's state and publishes it. Changes
// that alter nothing publish nothing. m.mu must be held.
func (m *Manager) setLocked(e *entry, mutate func(*models.MountRuntimeState)) bool {
	prev := e.state
	next := prev
	mutate(&next)
	if sameState(prev, next) {
		return false
	}
	if !validTransition(prev.Status, next.Status, next.Origin) {
		m.logger.Error().
			Str("mount", prev.Name).
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Msg("rejected invalid state transition")
		return false
	}
	next.UpdatedAt = m.now()
	e.state = next

	if prev.Status != next.Status {
		m.metrics.RecordMountTransition(string(next.Status))
		m.updateGaugesLocked()
		m.logger.Debug().
			Str("mount", next.Name).
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Msg("state changed")
	}
	m.bus.Publish(Event{State: next, Previous: prev.Status})
	return true
}

func sameState(a, b models.MountRuntimeState) bool {
	return a.Status == b.Status &&
		a.Origin == b.Origin &&
		a.PID == b.PID &&
		a.Drive == b.Drive &&
		a.Remote == b.Remote &&
		a.LastError == b.LastError
}

func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, e := range m.entries {
		counts[string(e.state.Status)]++
	}
	m.metrics.SetMountCounts(counts)
}

func (m *Manager) invalidateScan() {
	if c, ok := m.scanner.(cachingScanner); ok {
		c.Invalidate()
	}
}

func (m *Manager) markEndedLocked(pid int32) {
	if pid > 0 {
		m.ended[pid] = m.now()
	}
}

// dropEndedLocked removes scan results for processes this manager already
// saw stop, and forgets pids older than endedPIDTTL so a reused pid is
// discovered again.
func (m *Manager) dropEndedLocked(found []discovery.Found) []discovery.Found {
	now := m.now()
	for pid, at := range m.ended {
		if now.Sub(at) > endedPIDTTL {
			delete(m.ended, pid)
		}
	}
	if len(m.ended) == 0 {
		return found
	}
	live := found[:0:0]
	for _, f := range found {
		if _, gone := m.ended[f.PID]; gone {
			m.logger.Debug().Int32("pid", f.PID).Str("drive", f.Drive).Msg("ignoring stopped mount process in scan")
			continue
		}
		live = append(live, f)
	}
	return live
}

func (m *Manager) releaseDriveLocked(e *entry) {
	m.drives.release(e.drive, e.def.Name)
	e.drive = ""
}

// vanishLocked handles a process that disappeared without an unmount
// request: Error, then Unmounted with the error kept.
func (m *Manager) vanishLocked(e *entry, reason string) {
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusError
		s.LastError = reason
	})
	m.releaseDriveLocked(e)
	e.procID = uuid.Nil
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusUnmounted
		s.Origin = models.MountOriginNone
		s.PID = 0
		s.Drive = ""
	})
	m.dropIfGoneLocked(e)
}

// dropIfGoneLocked removes unmounted entries that have no definition.
func (m *Manager) dropIfGoneLocked(e *entry) {
	if !e.synthetic && !e.orphaned {
		return
	}
	if e.state.Status != models.MountStatusUnmounted {
		return
	}
	m.removeLocked(e)
}

func (m *Manager) removeLocked(e *entry) {
	if m.entries[e.def.Name] != e {
		return
	}
	m.releaseDriveLocked(e)
	delete(m.entries, e.def.Name)
	m.updateGaugesLocked()
	m.bus.Publish(Event{State: e.state, Previous: e.state.Status, Removed: true})
}

func (m *Manager) saveKnown(ctx context.Context, known []models.KnownExternalMount) {
	if m.known == nil {
		return
	}
	if err := m.known.SaveKnownExternal(ctx, known); err != nil {
		m.logger.Error().Err(err).Msg("failed to save known external mounts")
	}
}
