package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/process"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memHistory struct {
	mu      sync.Mutex
	records []models.SyncRun
}

func (h *memHistory) RecordRun(ctx context.Context, run *models.SyncRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *run)
	return nil
}

func (h *memHistory) all() []models.SyncRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.SyncRun(nil), h.records...)
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rclone")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestEngine(t *testing.T, binary string) (*Engine, *memHistory) {
	t.Helper()
	sup := process.NewSupervisor(process.Config{GracePeriod: 2 * time.Second}, zerolog.Nop())
	t.Cleanup(func() { _ = sup.TerminateAll(context.Background(), false) })

	history := &memHistory{}
	e := NewEngine(DefaultConfig(), rclone.NewBuilder(binary, ""), sup, history, zerolog.Nop())
	t.Cleanup(e.Close)
	return e, history
}

func testTask(name string) models.SyncTaskDefinition {
	return models.SyncTaskDefinition{
		Name:        name,
		Source:      "/data/photos",
		Destination: "gdrive:backup/photos",
		Mode:        models.SyncModeSync,
	}
}

func waitRun(t *testing.T, r *Run) models.SyncRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return final
}

func TestEngine_RunSucceeds(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, `echo '{"level":"notice","msg":"stats","stats":{"bytes":256,"totalBytes":1024,"speed":128,"eta":6,"transfers":0,"totalTransfers":2}}' >&2
echo '{"level":"notice","msg":"stats","stats":{"bytes":768,"totalBytes":1024,"speed":128,"eta":2,"transfers":1,"totalTransfers":2}}' >&2
exit 0`)
	e, history := newTestEngine(t, script)
	events := e.Subscribe()

	r, err := e.Run(context.Background(), testTask("photos"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	final := waitRun(t, r)

	if final.Outcome != models.RunOutcomeSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", final.Outcome, final.Error)
	}
	if final.Progress.Percent != 100 {
		t.Errorf("expected percent 100, got %v", final.Progress.Percent)
	}
	if final.Progress.FilesTransferred != 2 {
		t.Errorf("expected 2 files, got %d", final.Progress.FilesTransferred)
	}
	if final.Trigger != TriggerManual {
		t.Errorf("expected manual trigger, got %s", final.Trigger)
	}
	if final.FinishedAt == nil {
		t.Error("expected finish time")
	}
	if e.IsActive("photos") {
		t.Error("run should no longer be active")
	}

	var kinds []EventKind
	var lastPercent float64
	for len(kinds) == 0 || kinds[len(kinds)-1] != EventFinished {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			if ev.Run.Progress.Percent < lastPercent {
				t.Errorf("percent regressed from %v to %v", lastPercent, ev.Run.Progress.Percent)
			}
			lastPercent = ev.Run.Progress.Percent
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	if kinds[0] != EventStarted {
		t.Errorf("expected started first, got %v", kinds)
	}
	if len(kinds) != 4 {
		t.Errorf("expected started, 2 progress and finished, got %v", kinds)
	}

	records := history.all()
	if len(records) != 2 {
		t.Fatalf("expected pending and final records, got %d", len(records))
	}
	if records[0].Outcome != models.RunOutcomePending || records[1].Outcome != models.RunOutcomeSucceeded {
		t.Errorf("unexpected outcomes %s, %s", records[0].Outcome, records[1].Outcome)
	}
}

func TestEngine_RunFailsWithRedactedTail(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, `echo "ERROR : Failed to sync: token=abc123 was rejected" >&2
exit 2`)
	e, _ := newTestEngine(t, script)

	r, err := e.Run(context.Background(), testTask("photos"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	final := waitRun(t, r)

	if final.Outcome != models.RunOutcomeFailed {
		t.Fatalf("expected failed, got %s", final.Outcome)
	}
	if final.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", final.ExitCode)
	}
	if !strings.Contains(final.Error, "Failed to sync") {
		t.Errorf("expected stderr tail in error, got %q", final.Error)
	}
	if strings.Contains(final.Error, "abc123") {
		t.Errorf("secret leaked into error: %q", final.Error)
	}
}

func TestEngine_AlreadyRunningAndCancel(t *testing.T) {
	skipOnWindows(t)
	e, _ := newTestEngine(t, writeScript(t, "exec sleep 30"))
	ctx := context.Background()

	first, err := e.Run(ctx, testTask("photos"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	_, err = e.Run(ctx, testTask("photos"))
	var already *AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}
	if already.RunID != first.ID() {
		t.Errorf("expected run id %s, got %s", first.ID(), already.RunID)
	}

	// other tasks are independent
	other, err := e.Run(ctx, testTask("music"))
	if err != nil {
		t.Fatalf("run other task: %v", err)
	}
	if active := e.Active(); len(active) != 2 || active[0].Task != "music" {
		t.Errorf("unexpected active runs %+v", active)
	}

	if err := e.Cancel(ctx, first.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := first.Snapshot().Outcome; got != models.RunOutcomeCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
	if e.IsActive("photos") {
		t.Error("cancelled run should not be active")
	}

	if err := e.CancelTask(ctx, "music"); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if got := other.Snapshot().Outcome; got != models.RunOutcomeCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}

	// a new trigger is accepted once the previous run is gone
	again, err := e.Run(ctx, testTask("photos"))
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if err := e.CancelAll(ctx); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if got := again.Snapshot().Outcome; got != models.RunOutcomeCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
}

func TestEngine_CancelUnknown(t *testing.T) {
	e, _ := newTestEngine(t, "rclone")
	if err := e.Cancel(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if err := e.CancelTask(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestEngine_LaunchError(t *testing.T) {
	e, history := newTestEngine(t, filepath.Join(t.TempDir(), "missing-rclone"))

	_, err := e.Run(context.Background(), testTask("photos"))
	var launchErr *process.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if e.IsActive("photos") {
		t.Error("failed launch must not leave the task active")
	}

	records := history.all()
	if len(records) != 1 || records[0].Outcome != models.RunOutcomeFailed {
		t.Fatalf("expected one failed record, got %+v", records)
	}
}

func TestEngine_InvalidTask(t *testing.T) {
	e, _ := newTestEngine(t, "rclone")
	task := testTask("bad")
	task.Mode = "mirror"

	_, err := e.Run(context.Background(), task)
	if !errors.Is(err, rclone.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestEngine_Arguments(t *testing.T) {
	skipOnWindows(t)
	out := filepath.Join(t.TempDir(), "args.txt")
	e, _ := newTestEngine(t, writeScript(t, `printf '%s\n' "$@" > "`+out+`"`))

	task := testTask("photos")
	task.Mode = models.SyncModeCopy
	task.BandwidthLimit = "10M"
	task.Excludes = []string{"*.tmp", "cache/**"}
	task.DryRun = true
	task.DeleteExcluded = true

	r, err := e.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	waitRun(t, r)

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	args := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{
		"copy", "/data/photos", "gdrive:backup/photos",
		"--use-json-log", "--stats=1s", "--stats-log-level=NOTICE",
		"--bwlimit=10M", "--dry-run", "--delete-excluded",
		"--exclude=*.tmp", "--exclude=cache/**",
	}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("unexpected args\n got: %v\nwant: %v", args, want)
	}
}
