//go:build !windows

package process

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	gops "github.com/shirou/gopsutil/v3/process"
)

// configure prepares a command before it starts.
func configure(cmd *exec.Cmd) {}

// interrupt asks a child process to exit.
func interrupt(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// requestExit asks a process this supervisor did not start to exit.
func requestExit(ctx context.Context, proc *gops.Process) error {
	return proc.TerminateWithContext(ctx)
}
