package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const pidPollInterval = 100 * time.Millisecond

// PIDAlive reports whether an OS process with the given pid exists.
func (s *Supervisor) PIDAlive(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	if p, ok := s.FindByPID(int(pid)); ok {
		return !p.Exited()
	}
	exists, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && exists
}

// TerminatePID stops a process this supervisor did not start. It follows
// the same graceful-then-forceful path as Terminate. A pid that no longer
// exists is a no-op.
func (s *Supervisor) TerminatePID(ctx context.Context, pid int32, graceful bool) error {
	if p, ok := s.FindByPID(int(pid)); ok {
		return s.Terminate(ctx, p.ID, graceful)
	}

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	logger := s.logger.With().Int32("pid", pid).Logger()

	if graceful {
		logger.Debug().Dur("grace_period", s.cfg.GracePeriod).Msg("requesting graceful exit of external process")
		if err := requestExit(ctx, proc); err != nil {
			if !s.pidRunning(ctx, proc) {
				return nil
			}
			logger.Warn().Err(err).Msg("exit request failed, waiting out the grace period")
		}
		if s.waitPIDExit(ctx, proc, s.cfg.GracePeriod) {
			return nil
		}
		logger.Warn().Msg("external process ignored graceful exit, killing")
	}

	if err := proc.KillWithContext(ctx); err != nil {
		if !s.pidRunning(ctx, proc) {
			return nil
		}
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	if !s.waitPIDExit(ctx, proc, s.cfg.GracePeriod) {
		return fmt.Errorf("process %d still running after kill", pid)
	}
	return nil
}

// waitPIDExit polls until the process is gone or the timeout elapses.
func (s *Supervisor) waitPIDExit(ctx context.Context, proc *process.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pidPollInterval)
	defer ticker.Stop()

	for {
		if !s.pidRunning(ctx, proc) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) pidRunning(ctx context.Context, proc *process.Process) bool {
	running, err := proc.IsRunningWithContext(ctx)
	return err == nil && running
}
