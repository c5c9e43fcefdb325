package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/process"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/GamblerIX/RCloneGUI/internal/syncer"
	"github.com/rs/zerolog"
)

var jan1 = time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
}

func newTestEngine(t *testing.T, body string) *syncer.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rclone")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	sup := process.NewSupervisor(process.Config{GracePeriod: time.Second}, zerolog.Nop())
	t.Cleanup(func() { _ = sup.TerminateAll(context.Background(), false) })
	e := syncer.NewEngine(syncer.DefaultConfig(), rclone.NewBuilder(path, ""), sup, nil, zerolog.Nop())
	t.Cleanup(e.Close)
	return e
}

func newTestScheduler(runner Runner, now time.Time) *Scheduler {
	s := New(DefaultConfig(), runner, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s
}

func scheduledTask(name, expr string) models.SyncTaskDefinition {
	return models.SyncTaskDefinition{
		Name:        name,
		Source:      "/data",
		Destination: "remote:backup",
		Mode:        models.SyncModeCopy,
		Cron:        expr,
	}
}

func nextEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNextFire(t *testing.T) {
	tests := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"0 */6 * * *", jan1, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)},
		{"0 */6 * * *", time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2024, 1, 1, 5, 7, 30, 0, time.UTC), time.Date(2024, 1, 1, 5, 15, 0, 0, time.UTC)},
		{"0 0 * * 0", jan1, time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)},
		{"@daily", jan1, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"@every 90m", jan1, jan1.Add(90 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := NextFire(tt.expr, tt.from)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			again, _ := NextFire(tt.expr, tt.from)
			if !again.Equal(got) {
				t.Errorf("not deterministic: %v then %v", got, again)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 2 * * *", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"", true},
		{"61 * * * *", true},
		{"* * * *", true},
		{"0 0 0 * * *", true},
		{"not a cron", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := Validate(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	tests := map[string]string{
		"0 */6 * * *":   "Every 6 hours",
		" 0  2 * * * ":  "Every day at 02:00",
		"@daily":        "Every day at midnight",
		"@every 30m":    "Every 30m0s",
		"7 3 * * 1-5":   "7 3 * * 1-5",
		"*/15 * * * *":  "Every 15 minutes",
		"0 0 1 1 *":     "Every year on January 1st",
		"@every banana": "@every banana",
	}
	for expr, want := range tests {
		if got := Describe(expr); got != want {
			t.Errorf("Describe(%q) = %q, want %q", expr, got, want)
		}
	}
}

func TestScheduler_RegisterAndEntries(t *testing.T) {
	s := newTestScheduler(nil, jan1)

	if err := s.Register(scheduledTask("b", "0 */6 * * *")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(scheduledTask("a", "*/30 * * * *")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(scheduledTask("bad", "nope")); err == nil {
		t.Error("expected error for invalid expression")
	}
	if err := s.Register(scheduledTask("manual", "")); !errors.Is(err, ErrNotScheduled) {
		t.Errorf("expected ErrNotScheduled, got %v", err)
	}

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Task != "a" || !entries[0].NextFire.Equal(jan1.Add(30*time.Minute)) {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Task != "b" || !entries[1].NextFire.Equal(jan1.Add(time.Hour)) {
		t.Errorf("unexpected second entry %+v", entries[1])
	}

	if err := s.Reschedule("b", "0 8 * * *"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	e, _ := s.Entry("b")
	if !e.NextFire.Equal(jan1.Add(3*time.Hour)) || e.Expression != "0 8 * * *" {
		t.Errorf("unexpected entry after reschedule %+v", e)
	}

	if err := s.Reschedule("missing", "@daily"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
	if err := s.Unregister("missing"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
	if err := s.Unregister("a"); err != nil {
		t.Errorf("unregister: %v", err)
	}
	if _, err := s.Entry("a"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestScheduler_Sync(t *testing.T) {
	s := newTestScheduler(nil, jan1)
	_ = s.Register(scheduledTask("old", "@hourly"))
	_ = s.Register(scheduledTask("keep", "0 */6 * * *"))

	err := s.Sync([]models.SyncTaskDefinition{
		scheduledTask("keep", "0 */6 * * *"),
		scheduledTask("new", "@daily"),
		scheduledTask("unscheduled", ""),
		scheduledTask("broken", "99 * * * *"),
	})
	if err == nil {
		t.Error("expected error for the broken expression")
	}

	entries := s.Entries()
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Task] = true
	}
	if len(entries) != 2 || !names["keep"] || !names["new"] {
		t.Errorf("unexpected entries %+v", entries)
	}
}

func TestScheduler_FireRecomputesFromSlot(t *testing.T) {
	skipOnWindows(t)
	engine := newTestEngine(t, "exit 0")
	s := newTestScheduler(engine, jan1)
	events := s.Subscribe()

	if err := s.Register(scheduledTask("photos", "0 */6 * * *")); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.tick(context.Background(), jan1.Add(59*time.Minute))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event before the slot: %+v", ev)
	default:
	}

	firedAt := time.Date(2024, 1, 1, 6, 0, 10, 0, time.UTC)
	s.tick(context.Background(), firedAt)

	ev := nextEvent(t, events)
	if ev.Kind != EventFired {
		t.Fatalf("expected fired, got %s (%s)", ev.Kind, ev.Error)
	}
	if !ev.Slot.Equal(time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected slot %v", ev.Slot)
	}
	if !ev.Entry.NextFire.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("expected next fire at 12:00, got %v", ev.Entry.NextFire)
	}
	if !ev.Entry.LastFire.Equal(firedAt) {
		t.Errorf("expected last fire %v, got %v", firedAt, ev.Entry.LastFire)
	}
}

func TestScheduler_MissedWhileActive(t *testing.T) {
	skipOnWindows(t)
	engine := newTestEngine(t, "exec sleep 30")
	s := newTestScheduler(engine, jan1)
	events := s.Subscribe()

	if err := s.Register(scheduledTask("photos", "*/15 * * * *")); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.tick(context.Background(), jan1.Add(15*time.Minute))
	if ev := nextEvent(t, events); ev.Kind != EventFired {
		t.Fatalf("expected fired, got %s", ev.Kind)
	}
	if !engine.IsActive("photos") {
		t.Fatal("expected an active run")
	}

	s.tick(context.Background(), jan1.Add(30*time.Minute))
	ev := nextEvent(t, events)
	if ev.Kind != EventMissed {
		t.Fatalf("expected missed, got %s", ev.Kind)
	}
	if ev.Entry.Missed != 1 {
		t.Errorf("expected one missed occurrence, got %d", ev.Entry.Missed)
	}
	if !ev.Entry.NextFire.Equal(jan1.Add(45 * time.Minute)) {
		t.Errorf("expected next fire at 05:45, got %v", ev.Entry.NextFire)
	}
	if active := engine.Active(); len(active) != 1 {
		t.Errorf("expected exactly one process, got %d runs", len(active))
	}

	// the same tick again fires nothing
	s.tick(context.Background(), jan1.Add(30*time.Minute))
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestScheduler_CoalescesSkippedSlots(t *testing.T) {
	skipOnWindows(t)
	engine := newTestEngine(t, "exit 0")
	s := newTestScheduler(engine, jan1)
	events := s.Subscribe()
	_ = s.Register(scheduledTask("photos", "0 */6 * * *"))

	// wake up at 23:00 after sleeping through 06:00, 12:00 and 18:00
	s.tick(context.Background(), time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC))

	ev := nextEvent(t, events)
	if ev.Kind != EventFired {
		t.Fatalf("expected fired, got %s", ev.Kind)
	}
	if ev.Coalesced != 2 {
		t.Errorf("expected 2 coalesced slots, got %d", ev.Coalesced)
	}
	if !ev.Entry.NextFire.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected next fire %v", ev.Entry.NextFire)
	}
	select {
	case extra := <-events:
		t.Errorf("expected a single fire, got %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScheduler_ClockRollback(t *testing.T) {
	s := newTestScheduler(nil, jan1)
	_ = s.Register(scheduledTask("photos", "0 */6 * * *"))

	// no fire is due at 05:30, so the runner is never called
	s.tick(context.Background(), jan1.Add(30*time.Minute))

	s.mu.Lock()
	s.entries["photos"].next = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	s.mu.Unlock()

	s.tick(context.Background(), time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC))

	e, _ := s.Entry("photos")
	if !e.NextFire.Equal(time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("expected next fire recomputed to 06:00, got %v", e.NextFire)
	}
}

func TestScheduler_StartFailure(t *testing.T) {
	sup := process.NewSupervisor(process.Config{GracePeriod: time.Second}, zerolog.Nop())
	engine := syncer.NewEngine(syncer.DefaultConfig(), rclone.NewBuilder(filepath.Join(t.TempDir(), "missing"), ""), sup, nil, zerolog.Nop())
	s := newTestScheduler(engine, jan1)
	events := s.Subscribe()
	_ = s.Register(scheduledTask("photos", "@hourly"))

	s.tick(context.Background(), jan1.Add(time.Hour))

	ev := nextEvent(t, events)
	if ev.Kind != EventFailed || ev.Error == "" {
		t.Errorf("expected failed event with error, got %+v", ev)
	}
	if ev.Entry.Missed != 0 {
		t.Errorf("a failed start is not a missed occurrence")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(Config{Tick: 10 * time.Millisecond}, nil, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error on second start")
	}
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Close()
}
