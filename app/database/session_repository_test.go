package database

import (
	"errors"
	"testing"
	"time"
)

func newSessionFixture(t *testing.T) (*SQLSessionRepository, *Model) {
	t.Helper()
	db := newTestDB(t)
	models := NewModelRepository(db)
	model, err := models.CreateModel("org/session-model", ModelPending, nil, ModelMeta{})
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	return NewSessionRepository(db), model
}

func TestSessionLifecycle(t *testing.T) {
	repo, model := newSessionFixture(t)

	session, err := repo.CreateSession(model.ID, nil, SessionMeta{Trigger: "manual"})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if session.Status != SessionStarted {
		t.Errorf("Expected started, got %s", session.Status)
	}
	if session.Meta.Trigger != "manual" {
		t.Errorf("Expected trigger round-trip, got %+v", session.Meta)
	}

	total := int64(1000)
	if err := repo.UpdateProgress(session.ID, 250, &total); err != nil {
		t.Fatalf("Failed to update progress: %v", err)
	}

	current, _ := repo.GetSession(session.ID)
	if current.Status != SessionInProgress {
		t.Errorf("Expected first progress update to move to in_progress, got %s", current.Status)
	}
	if current.BytesDownloaded != 250 || current.TotalBytes == nil || *current.TotalBytes != 1000 {
		t.Errorf("Expected progress persisted, got %d/%v", current.BytesDownloaded, current.TotalBytes)
	}

	if err := repo.CompleteSession(session.ID); err != nil {
		t.Fatalf("Failed to complete session: %v", err)
	}
	current, _ = repo.GetSession(session.ID)
	if current.Status != SessionCompleted || current.CompletedAt == nil {
		t.Errorf("Expected completed with timestamp, got %s / %v", current.Status, current.CompletedAt)
	}
}

func TestProgressRejectedOnTerminalSession(t *testing.T) {
	repo, model := newSessionFixture(t)

	session, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	repo.CompleteSession(session.ID)

	err := repo.UpdateProgress(session.ID, 10, nil)
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) {
		t.Errorf("Expected InvalidStateError, got %v", err)
	}
}

func TestTerminateIdempotentAndConflicting(t *testing.T) {
	repo, model := newSessionFixture(t)

	session, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	if err := repo.FailSession(session.ID, "network unreachable"); err != nil {
		t.Fatalf("Failed to fail session: %v", err)
	}

	// Same terminal status again is tolerated.
	if err := repo.FailSession(session.ID, "duplicate signal"); err != nil {
		t.Errorf("Expected repeated terminal transition to be a no-op, got %v", err)
	}

	// A conflicting terminal status is rejected.
	err := repo.CompleteSession(session.ID)
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) {
		t.Errorf("Expected InvalidStateError for conflicting terminal transition, got %v", err)
	}

	current, _ := repo.GetSession(session.ID)
	if current.ErrorMessage != "network unreachable" {
		t.Errorf("Expected original error message kept, got %q", current.ErrorMessage)
	}
}

func TestRetrySessionCreatesNewRow(t *testing.T) {
	repo, model := newSessionFixture(t)

	source, _ := repo.CreateSession(model.ID, nil, SessionMeta{Trigger: "scheduled"})
	total := int64(5000)
	repo.UpdateProgress(source.ID, 100, &total)
	repo.FailSession(source.ID, "timeout")

	retry, err := repo.RetrySession(source.ID, nil)
	if err != nil {
		t.Fatalf("Failed to retry session: %v", err)
	}

	if retry.ID == source.ID {
		t.Error("Expected retry to be a new session row")
	}
	if retry.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", retry.RetryCount)
	}
	if retry.Status != SessionStarted {
		t.Errorf("Expected retry to start fresh, got %s", retry.Status)
	}
	if retry.TotalBytes == nil || *retry.TotalBytes != 5000 {
		t.Errorf("Expected total_bytes inherited, got %v", retry.TotalBytes)
	}
	if retry.Meta.Trigger != "scheduled" {
		t.Errorf("Expected metadata inherited, got %+v", retry.Meta)
	}

	// Source stays failed and untouched.
	original, _ := repo.GetSession(source.ID)
	if original.Status != SessionFailed || original.RetryCount != 0 {
		t.Errorf("Expected source unchanged, got %s retry_count=%d", original.Status, original.RetryCount)
	}

	// Only failed sessions can be retried.
	if _, err := repo.RetrySession(retry.ID, nil); err == nil {
		t.Error("Expected retry of a started session to be rejected")
	}
}

func TestCleanupOnlyPurgesOldTerminalSessions(t *testing.T) {
	db := newTestDB(t)
	models := NewModelRepository(db)
	repo := NewSessionRepository(db)
	model, _ := models.CreateModel("org/cleanup", ModelPending, nil, ModelMeta{})

	oldDone, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	repo.CompleteSession(oldDone.ID)
	oldActive, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	recentDone, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	repo.CompleteSession(recentDone.ID)

	// Backdate two sessions past the cutoff.
	backdate := time.Now().UTC().AddDate(0, 0, -40)
	for _, id := range []string{oldDone.ID, oldActive.ID} {
		if _, err := db.Exec(`UPDATE download_sessions SET started_at = ? WHERE id = ?`, backdate, id); err != nil {
			t.Fatalf("Failed to backdate session: %v", err)
		}
	}

	n, err := repo.CleanupOlderThan(30)
	if err != nil {
		t.Fatalf("Failed to clean up: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected exactly the old terminal session purged, got %d", n)
	}

	if s, _ := repo.GetSession(oldActive.ID); s == nil {
		t.Error("Expected old active session to survive cleanup")
	}
	if s, _ := repo.GetSession(recentDone.ID); s == nil {
		t.Error("Expected recent terminal session to survive cleanup")
	}
	if s, _ := repo.GetSession(oldDone.ID); s != nil {
		t.Error("Expected old terminal session to be purged")
	}
}

func TestGetStatistics(t *testing.T) {
	repo, model := newSessionFixture(t)

	total := int64(1000)

	completed, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	repo.UpdateProgress(completed.ID, 1000, &total)
	repo.CompleteSession(completed.ID)

	failed, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	repo.UpdateProgress(failed.ID, 200, &total)
	repo.FailSession(failed.ID, "broken pipe")

	repo.CreateSession(model.ID, nil, SessionMeta{})

	// Give the completed session a measurable duration.
	if _, err := repo.db.Exec(`UPDATE download_sessions SET started_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-10*time.Second), completed.ID); err != nil {
		t.Fatalf("Failed to backdate session: %v", err)
	}

	stats, err := repo.GetStatistics(SessionFilter{ModelID: model.ID})
	if err != nil {
		t.Fatalf("Failed to get statistics: %v", err)
	}

	if stats.TotalSessions != 3 {
		t.Errorf("Expected 3 sessions, got %d", stats.TotalSessions)
	}
	if stats.CompletedSessions != 1 || stats.FailedSessions != 1 || stats.ActiveSessions != 1 {
		t.Errorf("Unexpected breakdown: %+v", stats)
	}
	if stats.TotalBytesDownloaded != 1200 {
		t.Errorf("Expected 1200 bytes downloaded, got %d", stats.TotalBytesDownloaded)
	}
	if stats.TotalBytesRequested != 2000 {
		t.Errorf("Expected 2000 bytes requested, got %d", stats.TotalBytesRequested)
	}
	wantRate := float64(1) / 3 * 100
	if stats.SuccessRate < wantRate-0.01 || stats.SuccessRate > wantRate+0.01 {
		t.Errorf("Expected success rate ~%.2f, got %.2f", wantRate, stats.SuccessRate)
	}
	if stats.CompletionRate != 60 {
		t.Errorf("Expected completion rate 60, got %.2f", stats.CompletionRate)
	}
	if stats.AverageSpeedBps <= 0 {
		t.Errorf("Expected positive average speed, got %.2f", stats.AverageSpeedBps)
	}
}

func TestRepairInterruptedSessions(t *testing.T) {
	repo, model := newSessionFixture(t)

	open, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	inProgress, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	repo.UpdateProgress(inProgress.ID, 10, nil)
	done, _ := repo.CreateSession(model.ID, nil, SessionMeta{})
	repo.CompleteSession(done.ID)

	n, err := repo.RepairInterruptedSessions()
	if err != nil {
		t.Fatalf("Failed to repair sessions: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 repaired sessions, got %d", n)
	}

	for _, id := range []string{open.ID, inProgress.ID} {
		s, _ := repo.GetSession(id)
		if s.Status != SessionFailed {
			t.Errorf("Expected interrupted session failed, got %s", s.Status)
		}
		if s.ErrorMessage != "interrupted by process shutdown" {
			t.Errorf("Unexpected error message %q", s.ErrorMessage)
		}
	}

	s, _ := repo.GetSession(done.ID)
	if s.Status != SessionCompleted {
		t.Errorf("Expected completed session untouched, got %s", s.Status)
	}
}
