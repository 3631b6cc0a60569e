package stream

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestOutput(t *testing.T) *OutputManager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := NewOutputManager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("new output manager: %v", err)
	}
	return m
}

func TestPrepareDistinctChannels(t *testing.T) {
	m := newTestOutput(t)
	a, err := m.Prepare(1)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	b, err := m.Prepare(2)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if a == b {
		t.Fatalf("channels share a directory: %s", a)
	}
	for _, dir := range []string{a, b} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory at %s: %v", dir, err)
		}
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	m := newTestOutput(t)
	a, err := m.Prepare(3)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	b, err := m.Prepare(3)
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if a != b {
		t.Fatalf("same channel mapped to %s and %s", a, b)
	}
}

func TestCleanupRemovesOnlyStreamFiles(t *testing.T) {
	m := newTestOutput(t)
	dir, err := m.Prepare(5)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	files := map[string]bool{
		"stream.m3u8":       false,
		"seg_ab12_000.ts":   false,
		"seg_ab12_001.ts":   false,
		"notes.txt":         true,
		"thumbnail.jpg":     true,
		"stream.m3u8.posix": true,
	}
	for name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	if err := m.Cleanup(dir); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	for name, shouldSurvive := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		if shouldSurvive && err != nil {
			t.Errorf("%s was removed", name)
		}
		if !shouldSurvive && err == nil {
			t.Errorf("%s survived cleanup", name)
		}
	}
}

func TestCleanupMissingDirIsNoop(t *testing.T) {
	m := newTestOutput(t)
	if err := m.Cleanup(filepath.Join(m.Root(), "channel-404")); err != nil {
		t.Fatalf("cleanup of missing dir: %v", err)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m := newTestOutput(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "keep.m3u8"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Cleanup(outside); err == nil {
		t.Fatal("cleanup outside the root succeeded")
	}
	if _, err := os.Stat(filepath.Join(outside, "keep.m3u8")); err != nil {
		t.Fatalf("file outside root was touched: %v", err)
	}
	if err := m.Cleanup(filepath.Join(m.Root(), "..")); err == nil {
		t.Fatal("cleanup of parent directory succeeded")
	}
}
