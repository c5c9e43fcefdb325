package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_WritesToAllOutputs(t *testing.T) {
	var console bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "logs", "rclonegui.log")

	l, err := Init(Config{
		Level:      "debug",
		File:       logFile,
		MaxSizeMB:  1,
		MaxBackups: 1,
		JSON:       true,
		Console:    &console,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	l.Logger.Info().Str("component", "mount_manager").Str("mount", "photos").Msg("mount ready")
	l.Logger.Debug().Msg("debug detail")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !strings.Contains(console.String(), `"message":"mount ready"`) {
		t.Errorf("console output missing entry: %s", console.String())
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "mount ready") {
		t.Errorf("log file missing entry: %s", data)
	}

	recent := l.Buffer.Recent(Filter{})
	if len(recent) != 2 {
		t.Fatalf("expected 2 buffered entries, got %d", len(recent))
	}
	if recent[0].Message != "debug detail" {
		t.Errorf("expected newest first, got %q", recent[0].Message)
	}
	if recent[1].Component != "mount_manager" || recent[1].Fields["mount"] != "photos" {
		t.Errorf("unexpected entry %+v", recent[1])
	}
}

func TestInit_LevelFilters(t *testing.T) {
	var console bytes.Buffer
	l, err := Init(Config{Level: "warn", JSON: true, Console: &console})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	l.Logger.Info().Msg("hidden")
	l.Logger.Warn().Msg("shown")

	if strings.Contains(console.String(), "hidden") {
		t.Error("info entry should be filtered at warn level")
	}
	if l.Buffer.Len() != 1 {
		t.Errorf("expected 1 buffered entry, got %d", l.Buffer.Len())
	}
}

func TestInit_InvalidLevel(t *testing.T) {
	if _, err := Init(Config{Level: "chatty"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestBuffer_RingAndFilter(t *testing.T) {
	b := NewBuffer(3)
	lines := []string{
		`{"level":"info","component":"scheduler","message":"tick"}`,
		`{"level":"warn","component":"mount_manager","message":"mount timed out"}`,
		`{"level":"error","component":"sync_engine","message":"run failed"}`,
		`{"level":"info","component":"scheduler","message":"fired"}`,
		`not json`,
	}
	for _, l := range lines {
		b.Write([]byte(l))
	}

	if b.Len() != 3 {
		t.Fatalf("expected ring of 3, got %d", b.Len())
	}

	all := b.Recent(Filter{})
	if all[0].Message != "not json" || all[2].Message != "run failed" {
		t.Errorf("unexpected order: %+v", all)
	}

	warn := b.Recent(Filter{Level: "warn"})
	if len(warn) != 1 || warn[0].Message != "run failed" {
		t.Errorf("level filter = %+v", warn)
	}

	comp := b.Recent(Filter{Component: "scheduler"})
	if len(comp) != 1 || comp[0].Message != "fired" {
		t.Errorf("component filter = %+v", comp)
	}

	search := b.Recent(Filter{Search: "FAIL"})
	if len(search) != 1 {
		t.Errorf("search filter = %+v", search)
	}

	limited := b.Recent(Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit = %d", len(limited))
	}
}
