// Package process supervises child processes: start, stream output, wait,
// and terminate gracefully with escalation.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stream identifies which pipe a line came from.
type Stream string

const (
	// Stdout is the child's standard output.
	Stdout Stream = "stdout"
	// Stderr is the child's standard error.
	Stderr Stream = "stderr"
)

// Line is one line of child output.
type Line struct {
	Stream Stream
	Text   string
}

// Spec describes a process to start.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	// LogArgs is what gets logged in place of Args, usually a redacted copy.
	LogArgs []string
	// CaptureOutput makes output available through Lines. The caller must
	// then drain the stream, or the child blocks once the buffer fills.
	CaptureOutput bool
}

// ExitEvent is published whenever a supervised process exits.
type ExitEvent struct {
	ID       uuid.UUID
	PID      int
	Code     int
	Err      error
	ExitedAt time.Time
}

// Config holds supervisor settings.
type Config struct {
	// GracePeriod is how long a graceful termination waits before killing.
	GracePeriod time.Duration
	// TailLines is how many stderr lines are kept per process.
	TailLines int
	// LineBuffer is the capacity of a captured output stream.
	LineBuffer int
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		GracePeriod: 5 * time.Second,
		TailLines:   20,
		LineBuffer:  256,
	}
}

// Process is a supervised child process.
type Process struct {
	ID        uuid.UUID
	PID       int
	Binary    string
	StartedAt time.Time

	cmd     *exec.Cmd
	lines   chan Line
	claimed atomic.Bool
	done    chan struct{}
	tail    *tail

	mu       sync.Mutex
	exitCode int
	exitErr  error
	exitedAt time.Time
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code and whether the process has exited. A
// process killed by a signal reports -1.
func (p *Process) ExitCode() (int, bool) {
	if !p.Exited() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// Tail returns the last stderr lines.
func (p *Process) Tail() []string {
	return p.tail.lines()
}

// Supervisor starts and tracks child processes. Every process stays in its
// table, keyed by handle, until Forget or Prune removes it after exit.
type Supervisor struct {
	cfg    Config
	mu     sync.RWMutex
	procs  map[uuid.UUID]*Process
	exits  *events.Bus[ExitEvent]
	logger zerolog.Logger
}

// NewSupervisor creates a new Supervisor.
func NewSupervisor(cfg Config, logger zerolog.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = def.TailLines
	}
	if cfg.LineBuffer <= 0 {
		cfg.LineBuffer = def.LineBuffer
	}
	return &Supervisor{
		cfg:    cfg,
		procs:  make(map[uuid.UUID]*Process),
		exits:  events.NewBus[ExitEvent](0),
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// GracePeriod returns the configured graceful termination window.
func (s *Supervisor) GracePeriod() time.Duration {
	return s.cfg.GracePeriod
}

// Start launches a process. The child is not bound to ctx; it runs until it
// exits or is terminated.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	configure(cmd)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Binary: spec.Binary, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Binary: spec.Binary, Err: err}
	}

	if err := cmd.Start(); err != nil {
		s.logger.Error().
			Err(err).
			Str("binary", spec.Binary).
			Msg("failed to start process")
		return nil, &LaunchError{Binary: spec.Binary, Err: err}
	}

	p := &Process{
		ID:        uuid.New(),
		PID:       cmd.Process.Pid,
		Binary:    spec.Binary,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		tail:      newTail(s.cfg.TailLines),
	}
	if spec.CaptureOutput {
		p.lines = make(chan Line, s.cfg.LineBuffer)
	}

	s.mu.Lock()
	s.procs[p.ID] = p
	s.mu.Unlock()

	s.logger.Info().
		Str("process_id", p.ID.String()).
		Int("pid", p.PID).
		Str("binary", spec.Binary).
		Strs("args", spec.LogArgs).
		Msg("process started")

	var readers sync.WaitGroup
	readers.Add(2)
	go s.read(p, stdout, Stdout, &readers)
	go s.read(p, stderr, Stderr, &readers)
	go s.wait(p, &readers)

	return p, nil
}

// read forwards lines from one pipe until EOF.
func (s *Supervisor) read(p *Process, r io.Reader, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if stream == Stderr {
			p.tail.add(text)
		}
		if p.lines != nil {
			p.lines <- Line{Stream: stream, Text: text}
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug().
			Err(err).
			Str("process_id", p.ID.String()).
			Str("stream", string(stream)).
			Msg("output stream ended with error")
		// keep the pipe drained so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// wait records the exit once both pipes are drained.
func (s *Supervisor) wait(p *Process, readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.mu.Lock()
	p.exitCode = code
	p.exitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()

	if p.lines != nil {
		close(p.lines)
	}
	close(p.done)

	level := zerolog.InfoLevel
	if code != 0 {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).
		Str("process_id", p.ID.String()).
		Int("pid", p.PID).
		Int("exit_code", code).
		Dur("runtime", p.exitedAt.Sub(p.StartedAt)).
		Msg("process exited")

	s.exits.Publish(ExitEvent{ID: p.ID, PID: p.PID, Code: code, Err: err, ExitedAt: p.exitedAt})
}

// Get returns the process for a handle.
func (s *Supervisor) Get(id uuid.UUID) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[id]
	return p, ok
}

// IsAlive reports whether the process for id is still running.
func (s *Supervisor) IsAlive(id uuid.UUID) bool {
	p, ok := s.Get(id)
	return ok && !p.Exited()
}

// Live returns all processes that have not exited.
func (s *Supervisor) Live() []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		if !p.Exited() {
			live = append(live, p)
		}
	}
	return live
}

// FindByPID returns a live supervised process with the given OS pid.
func (s *Supervisor) FindByPID(pid int) (*Process, bool) {
	for _, p := range s.Live() {
		if p.PID == pid {
			return p, true
		}
	}
	return nil, false
}

// Lines returns the output stream of a process. The stream ends when the
// process exits and can be claimed only once.
func (s *Supervisor) Lines(id uuid.UUID) (<-chan Line, error) {
	p, ok := s.Get(id)
	if !ok {
		return nil, ErrProcessNotFound
	}
	if p.lines == nil {
		return nil, ErrOutputNotCaptured
	}
	if !p.claimed.CompareAndSwap(false, true) {
		return nil, ErrStreamClaimed
	}
	return p.lines, nil
}

// Wait blocks until the process exits and returns its exit code.
func (s *Supervisor) Wait(ctx context.Context, id uuid.UUID) (int, error) {
	p, ok := s.Get(id)
	if !ok {
		return 0, ErrProcessNotFound
	}
	select {
	case <-p.done:
		code, _ := p.ExitCode()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Terminate stops a process. A graceful termination asks the process to
// exit and kills it if it is still running after the grace period.
// Terminating an exited process is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, id uuid.UUID, graceful bool) error {
	p, ok := s.Get(id)
	if !ok {
		return ErrProcessNotFound
	}
	if p.Exited() {
		return nil
	}

	logger := s.logger.With().Str("process_id", id.String()).Int("pid", p.PID).Logger()

	if graceful {
		logger.Debug().Dur("grace_period", s.cfg.GracePeriod).Msg("requesting graceful exit")
		if err := interrupt(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Warn().Err(err).Msg("interrupt failed, waiting out the grace period")
		}
		timer := time.NewTimer(s.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
			logger.Warn().Msg("process ignored graceful exit, killing")
		case <-ctx.Done():
			logger.Warn().Msg("context cancelled during grace period, killing")
		}
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", p.PID, err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for process %d: %w", p.PID, ctx.Err())
	}
}

// TerminateAll terminates every live process and returns the last error.
func (s *Supervisor) TerminateAll(ctx context.Context, graceful bool) error {
	var lastErr error
	for _, p := range s.Live() {
		if err := s.Terminate(ctx, p.ID, graceful); err != nil {
			s.logger.Error().
				Err(err).
				Str("process_id", p.ID.String()).
				Msg("failed to terminate during cleanup")
			lastErr = err
		}
	}
	return lastErr
}

// Forget removes an exited process from the table.
func (s *Supervisor) Forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok && p.Exited() {
		delete(s.procs, id)
	}
}

// Prune removes all exited processes and returns how many were removed.
func (s *Supervisor) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.procs {
		if p.Exited() {
			delete(s.procs, id)
			n++
		}
	}
	return n
}

// OnExit subscribes to exit events.
func (s *Supervisor) OnExit() chan ExitEvent {
	return s.exits.Subscribe()
}

// Unsubscribe stops delivery to a channel returned by OnExit.
func (s *Supervisor) Unsubscribe(ch chan ExitEvent) {
	s.exits.Unsubscribe(ch)
}

// scanLines splits on \n, \r\n and bare \r so progress redraws become lines.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && advance < len(data) && data[advance] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n lines.
type tail struct {
	mu  sync.Mutex
	n   int
	buf []string
}

func newTail(n int) *tail {
	return &tail{n: n, buf: make([]string, 0, n)}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == t.n {
		copy(t.buf, t.buf[1:])
		t.buf = t.buf[:t.n-1]
	}
	t.buf = append(t.buf, line)
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.buf))
	copy(out, t.buf)
	return out
}
