package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/mount"
	"github.com/rs/zerolog"
)

type mockHistory struct {
	interrupted  int
	pruned       int
	markErr      error
	gotRetention time.Duration
}

func (m *mockHistory) MarkInterrupted(ctx context.Context) (int, error) {
	return m.interrupted, m.markErr
}

func (m *mockHistory) PruneRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	m.gotRetention = olderThan
	return m.pruned, nil
}

type mockStarter struct {
	reconcileErr error
	reconciled   bool
	autoMounted  bool
	results      []mount.Result
}

func (m *mockStarter) Reconcile(ctx context.Context) error {
	m.reconciled = true
	return m.reconcileErr
}

func (m *mockStarter) AutoMount(ctx context.Context) []mount.Result {
	m.autoMounted = true
	return m.results
}

func TestStartupService_Run(t *testing.T) {
	history := &mockHistory{interrupted: 2, pruned: 5}
	failure := errors.New("mount b2 not ready after 30s")
	mounts := &mockStarter{results: []mount.Result{{Name: "gdrive"}, {Name: "b2", Err: failure}}}

	svc := NewStartupService(DefaultStartupConfig(), history, mounts, zerolog.Nop())
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Interrupted != 2 || report.Pruned != 5 {
		t.Errorf("unexpected history counts %+v", report)
	}
	if history.gotRetention != 90*24*time.Hour {
		t.Errorf("unexpected retention %v", history.gotRetention)
	}
	if !mounts.reconciled || !mounts.autoMounted {
		t.Error("expected reconcile followed by auto-mount")
	}
	if len(report.Mounted) != 1 || report.Mounted[0] != "gdrive" {
		t.Errorf("unexpected mounted %v", report.Mounted)
	}
	if !errors.Is(report.Failed["b2"], failure) {
		t.Errorf("expected b2 failure, got %v", report.Failed)
	}
}

func TestStartupService_AutoMountDisabled(t *testing.T) {
	mounts := &mockStarter{}
	cfg := DefaultStartupConfig()
	cfg.AutoMount = false
	cfg.HistoryRetention = 0
	history := &mockHistory{}

	if _, err := NewStartupService(cfg, history, mounts, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !mounts.reconciled {
		t.Error("expected reconcile even without auto-mount")
	}
	if mounts.autoMounted {
		t.Error("auto-mount should be skipped")
	}
	if history.gotRetention != 0 {
		t.Error("pruning should be skipped without retention")
	}
}

func TestStartupService_ReconcileError(t *testing.T) {
	mounts := &mockStarter{reconcileErr: errors.New("scan mounts: access denied")}

	_, err := NewStartupService(DefaultStartupConfig(), nil, mounts, zerolog.Nop()).Run(context.Background())
	if err == nil {
		t.Fatal("expected reconcile error")
	}
	if mounts.autoMounted {
		t.Error("auto-mount must not run after a failed reconcile")
	}
}

func TestStartupService_HistoryErrorIsNotFatal(t *testing.T) {
	history := &mockHistory{markErr: errors.New("database is locked")}
	report, err := NewStartupService(DefaultStartupConfig(), history, nil, zerolog.Nop()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Interrupted != 0 {
		t.Errorf("expected no interrupted count, got %d", report.Interrupted)
	}
}
