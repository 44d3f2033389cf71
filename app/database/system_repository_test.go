package database

import (
	"testing"
	"time"
)

func TestSystemConfigDefaultsAndOverride(t *testing.T) {
	repo := NewSystemConfigRepository(newTestDB(t))

	if err := repo.InitializeDefaults(); err != nil {
		t.Fatalf("Failed to initialize defaults: %v", err)
	}

	value, err := repo.GetConfig("max_retries", "")
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if value != "5" {
		t.Errorf("Expected default max_retries 5, got %q", value)
	}

	if err := repo.SetConfig("max_retries", "7", ""); err != nil {
		t.Fatalf("Failed to set config: %v", err)
	}

	// Re-running defaults must not clobber operator overrides.
	if err := repo.InitializeDefaults(); err != nil {
		t.Fatalf("Failed to re-initialize defaults: %v", err)
	}
	value, _ = repo.GetConfig("max_retries", "")
	if value != "7" {
		t.Errorf("Expected override preserved, got %q", value)
	}

	if value, _ := repo.GetConfig("missing-key", "fallback"); value != "fallback" {
		t.Errorf("Expected fallback for missing key, got %q", value)
	}
}

func TestSystemLogs(t *testing.T) {
	repo := NewSystemLogRepository(newTestDB(t))

	if err := repo.AddLog("window_skip", "skipped run", map[string]string{"schedule": "nightly"}); err != nil {
		t.Fatalf("Failed to add log: %v", err)
	}
	if err := repo.AddLog("dispatch", "dispatched 2 models", nil); err != nil {
		t.Fatalf("Failed to add log: %v", err)
	}

	logs, err := repo.RecentLogs(10, "")
	if err != nil {
		t.Fatalf("Failed to list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 logs, got %d", len(logs))
	}

	filtered, err := repo.RecentLogs(10, "window_skip")
	if err != nil {
		t.Fatalf("Failed to filter logs: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Details["schedule"] != "nightly" {
		t.Errorf("Expected one window_skip log with details, got %+v", filtered)
	}

	n, err := repo.PruneBefore(time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("Failed to prune logs: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 pruned logs, got %d", n)
	}
}
