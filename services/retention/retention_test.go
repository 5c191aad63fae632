package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMonthEnd(t *testing.T) {
	t.Parallel()

	end, ok := monthEnd("2026-02")
	if !ok {
		t.Fatal("monthEnd(2026-02) not recognized")
	}
	if want := time.Date(2026, time.February, 28, 23, 59, 59, 0, time.UTC); !end.Equal(want) {
		t.Errorf("monthEnd(2026-02) = %v, want %v", end, want)
	}

	end, ok = monthEnd("2026-12")
	if !ok {
		t.Fatal("monthEnd(2026-12) not recognized")
	}
	if want := time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC); !end.Equal(want) {
		t.Errorf("monthEnd(2026-12) = %v, want %v", end, want)
	}

	for _, name := range []string{"2026-13", "2026-00", "202613", "notamonth", "2026-1", "2026-02-03"} {
		if _, ok := monthEnd(name); ok {
			t.Errorf("monthEnd(%q) recognized, want rejected", name)
		}
	}
}

func TestSweepMonthDirs(t *testing.T) {
	t.Parallel()
	logDir := t.TempDir()

	for _, name := range []string{"2025-11", "2025-12", "2026-01", "not-a-month"} {
		if err := os.MkdirAll(filepath.Join(logDir, name), 0755); err != nil {
			t.Fatalf("MkdirAll(%s) error = %v", name, err)
		}
	}
	// stray files survive regardless of name
	if err := os.WriteFile(filepath.Join(logDir, "2025-10"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cutoff := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	sweepMonthDirs(logDir, cutoff)

	entries, err := os.ReadDir(logDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}

	remaining := make(map[string]bool)
	for _, entry := range entries {
		remaining[entry.Name()] = true
	}

	for _, gone := range []string{"2025-11", "2025-12"} {
		if remaining[gone] {
			t.Errorf("%s survived, want removed", gone)
		}
	}
	for _, kept := range []string{"2026-01", "not-a-month", "2025-10"} {
		if !remaining[kept] {
			t.Errorf("%s removed, want kept", kept)
		}
	}
}

func TestSweepMonthDirsMissingDir(t *testing.T) {
	t.Parallel()

	// a missing log directory is not an error
	sweepMonthDirs(filepath.Join(t.TempDir(), "absent"), time.Now())
}
