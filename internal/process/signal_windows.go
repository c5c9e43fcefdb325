//go:build windows

package process

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	gops "github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/windows"
)

// configure starts every child in its own process group so it can receive
// CTRL_BREAK without the daemon receiving it too.
func configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

// interrupt sends CTRL_BREAK to the child's process group. rclone treats it
// like SIGINT and unmounts cleanly.
func interrupt(p *os.Process) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.Pid))
}

// requestExit asks a process in another console to close. taskkill without
// /F posts a close request instead of terminating it.
func requestExit(ctx context.Context, proc *gops.Process) error {
	return exec.CommandContext(ctx, "taskkill", "/PID", strconv.Itoa(int(proc.Pid))).Run()
}
