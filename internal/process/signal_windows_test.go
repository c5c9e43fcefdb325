//go:build windows

package process

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/windows"
)

func TestConfigure_NewProcessGroup(t *testing.T) {
	cmd := exec.Command("cmd", "/c", "exit")
	configure(cmd)
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.CreationFlags&windows.CREATE_NEW_PROCESS_GROUP == 0 {
		t.Fatal("expected child to start in its own process group")
	}
}

func TestSupervisor_TerminateWaitsGracePeriod(t *testing.T) {
	s := newTestSupervisor(300 * time.Millisecond)

	// ping ignores CTRL_BREAK, so only the kill after the grace period stops it
	p, err := s.Start(context.Background(), Spec{Binary: "ping", Args: []string{"-n", "30", "127.0.0.1"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Terminate(ctx, p.ID, true); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("killed after %v, before the grace period ended", elapsed)
	}
	if s.IsAlive(p.ID) {
		t.Error("expected process to be dead")
	}
}
