package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/config"
	"github.com/GamblerIX/RCloneGUI/internal/models"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"daemon", "discover", "status", "mount", "unmount", "reconcile", "sync", "runs", "schedule", "logs", "remotes", "config", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("subcommand %q not registered", name)
		}
	}

	cmd, _, err := root.Find([]string{"start"})
	if err != nil || cmd.Name() != "daemon" {
		t.Errorf("expected start to alias daemon, got %v", err)
	}
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	root := newRootCmd()
	root.SetArgs([]string{"config", "init", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("expected data dir %s, got %s", dir, cfg.DataDir)
	}
	if _, err := config.LoadDefinitions(cfg.DefinitionsFile); err != nil {
		t.Errorf("load written definitions: %v", err)
	}

	// a second init without --force must not overwrite
	root = newRootCmd()
	root.SetArgs([]string{"config", "init", "--config", path})
	if err := root.Execute(); err == nil {
		t.Error("expected error when config already exists")
	}
}

func TestMountCmd_RequiresNameOrAll(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"mount", "--addr", "127.0.0.1:1"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--all") {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestStatusCmd_WaitRequiresName(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"status", "--wait", "5s", "--addr", "127.0.0.1:1"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--wait") {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatProgress(t *testing.T) {
	got := formatProgress(models.ProgressSnapshot{
		Percent:          42,
		BytesTransferred: 1024,
		BytesTotal:       4096,
		Speed:            512,
		ETA:              90 * time.Second,
		ETAKnown:         true,
		FilesTransferred: 1,
		FilesTotal:       3,
	})
	for _, want := range []string{" 42%", "1.0 KiB / 4.0 KiB", "512 B/s", "files 1/3", "eta 1m30s"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}

	got = formatProgress(models.ProgressSnapshot{Indeterminate: true})
	if !strings.Contains(got, "?%") || !strings.Contains(got, "eta -") {
		t.Errorf("unexpected indeterminate progress %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("photos", 10); got != "photos" {
		t.Errorf("got %q", got)
	}
	if got := truncate("gdrive:backup/photos", 10); got != "gdrive:..." {
		t.Errorf("got %q", got)
	}
	if got := truncate("abcdef", 2); got != "ab" {
		t.Errorf("got %q", got)
	}
}

func TestFormatTime(t *testing.T) {
	if got := formatTime(time.Time{}); got != "-" {
		t.Errorf("expected -, got %q", got)
	}
}
