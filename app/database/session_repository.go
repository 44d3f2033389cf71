package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type SQLSessionRepository struct {
	db *DB
}

var _ SessionRepository = (*SQLSessionRepository)(nil)

func NewSessionRepository(db *DB) *SQLSessionRepository {
	return &SQLSessionRepository{db: db}
}

// CreateSession records the start of one download attempt for a model.
func (r *SQLSessionRepository) CreateSession(modelID string, scheduleID *string, meta SessionMeta) (*DownloadSession, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	id := uuid.New().String()
	_, err = r.db.Exec(`
		INSERT INTO download_sessions (id, model_id, schedule_id, status, started_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, modelID, scheduleID, string(SessionStarted), time.Now().UTC(), string(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create session for model %s: %w", modelID, err)
	}

	return r.GetSession(id)
}

func (r *SQLSessionRepository) GetSession(id string) (*DownloadSession, error) {
	row := r.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (r *SQLSessionRepository) GetActiveSessions() ([]DownloadSession, error) {
	return r.querySessions(sessionSelect+` WHERE status IN (?, ?) ORDER BY started_at`,
		string(SessionStarted), string(SessionInProgress))
}

func (r *SQLSessionRepository) GetSessionHistory(modelID string, limit int) ([]DownloadSession, error) {
	return r.querySessions(sessionSelect+` WHERE model_id = ? ORDER BY started_at DESC LIMIT ?`,
		modelID, limit)
}

func (r *SQLSessionRepository) querySessions(query string, args ...any) ([]DownloadSession, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []DownloadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// UpdateProgress records transferred bytes. Only non-terminal sessions accept
// progress; the first update moves a started session to in_progress.
func (r *SQLSessionRepository) UpdateProgress(id string, bytesDownloaded int64, totalBytes *int64) error {
	s, err := r.GetSession(id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("update progress for %s: %w", id, ErrSessionNotFound)
	}
	if s.Status != SessionStarted && s.Status != SessionInProgress {
		return &InvalidStateError{EntityID: id, Op: "update progress for", Current: string(s.Status)}
	}

	query := `UPDATE download_sessions SET status = ?, bytes_downloaded = ? WHERE id = ?`
	args := []any{string(SessionInProgress), bytesDownloaded, id}
	if totalBytes != nil {
		query = `UPDATE download_sessions SET status = ?, bytes_downloaded = ?, total_bytes = ? WHERE id = ?`
		args = []any{string(SessionInProgress), bytesDownloaded, *totalBytes, id}
	}

	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update session %s progress: %w", id, err)
	}
	return nil
}

func (r *SQLSessionRepository) CompleteSession(id string) error {
	return r.terminate(id, SessionCompleted, "")
}

func (r *SQLSessionRepository) FailSession(id string, errorMessage string) error {
	return r.terminate(id, SessionFailed, errorMessage)
}

func (r *SQLSessionRepository) CancelSession(id string, reason string) error {
	return r.terminate(id, SessionCancelled, reason)
}

// terminate moves a session into a terminal status and stamps completed_at.
// Repeating the same terminal transition is a no-op so duplicate signals from
// a flaky executor are tolerated; conflicting terminal transitions are
// rejected.
func (r *SQLSessionRepository) terminate(id string, status SessionStatus, message string) error {
	s, err := r.GetSession(id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("terminate %s: %w", id, ErrSessionNotFound)
	}
	if s.Status == status {
		slog.Debug("Session already in terminal status, ignoring", "session", id, "status", status)
		return nil
	}
	if s.Status.Terminal() {
		return &InvalidStateError{EntityID: id, Op: "terminate", Current: string(s.Status)}
	}

	_, err = r.db.Exec(`
		UPDATE download_sessions SET status = ?, completed_at = ?, error_message = ? WHERE id = ?
	`, string(status), time.Now().UTC(), message, id)
	if err != nil {
		return fmt.Errorf("failed to terminate session %s: %w", id, err)
	}
	return nil
}

// RetrySession spawns a fresh attempt from a failed session. The new row
// carries retry_count+1 and inherits total_bytes and metadata; the source
// session is left untouched in its failed state.
func (r *SQLSessionRepository) RetrySession(id string, newScheduleID *string) (*DownloadSession, error) {
	source, err := r.GetSession(id)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("retry %s: %w", id, ErrSessionNotFound)
	}
	if source.Status != SessionFailed {
		return nil, &InvalidStateError{EntityID: id, Op: "retry", Current: string(source.Status)}
	}

	scheduleID := source.ScheduleID
	if newScheduleID != nil {
		scheduleID = newScheduleID
	}

	metaJSON, err := json.Marshal(source.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	newID := uuid.New().String()
	_, err = r.db.Exec(`
		INSERT INTO download_sessions (id, model_id, schedule_id, status, started_at, total_bytes, retry_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, newID, source.ModelID, scheduleID, string(SessionStarted), time.Now().UTC(),
		source.TotalBytes, source.RetryCount+1, string(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry session for %s: %w", id, err)
	}

	slog.Info("Created retry session", "source", id, "session", newID, "retry_count", source.RetryCount+1)
	return r.GetSession(newID)
}

// CleanupOlderThan deletes terminal sessions started before the cutoff.
// Active sessions are never purged regardless of age.
func (r *SQLSessionRepository) CleanupOlderThan(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	res, err := r.db.Exec(`
		DELETE FROM download_sessions WHERE started_at < ? AND status IN (?, ?, ?)
	`, cutoff, string(SessionCompleted), string(SessionFailed), string(SessionCancelled))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}

	n, err := res.RowsAffected()
	return int(n), err
}

// GetStatistics aggregates sessions matching the filter. Average throughput
// covers only completed sessions with positive duration and positive bytes,
// so instantaneous completions cannot skew the mean.
func (r *SQLSessionRepository) GetStatistics(filter SessionFilter) (*SessionStatistics, error) {
	query := sessionSelect + ` WHERE 1=1`
	var args []any
	if filter.ModelID != "" {
		query += ` AND model_id = ?`
		args = append(args, filter.ModelID)
	}
	if filter.ScheduleID != "" {
		query += ` AND schedule_id = ?`
		args = append(args, filter.ScheduleID)
	}
	if filter.TimeRangeDays > 0 {
		query += ` AND started_at >= ?`
		args = append(args, time.Now().UTC().AddDate(0, 0, -filter.TimeRangeDays))
	}

	sessions, err := r.querySessions(query, args...)
	if err != nil {
		return nil, err
	}

	stats := &SessionStatistics{TotalSessions: len(sessions)}
	var speeds []float64
	for _, s := range sessions {
		switch s.Status {
		case SessionCompleted:
			stats.CompletedSessions++
		case SessionFailed:
			stats.FailedSessions++
		case SessionCancelled:
			stats.CancelledSessions++
		default:
			stats.ActiveSessions++
		}
		stats.TotalBytesDownloaded += s.BytesDownloaded
		if s.TotalBytes != nil {
			stats.TotalBytesRequested += *s.TotalBytes
		}
		if s.Status == SessionCompleted && s.CompletedAt != nil && s.BytesDownloaded > 0 {
			if duration := s.CompletedAt.Sub(s.StartedAt).Seconds(); duration > 0 {
				speeds = append(speeds, float64(s.BytesDownloaded)/duration)
			}
		}
	}

	if stats.TotalSessions > 0 {
		stats.SuccessRate = float64(stats.CompletedSessions) / float64(stats.TotalSessions) * 100
	}
	if stats.TotalBytesRequested > 0 {
		stats.CompletionRate = float64(stats.TotalBytesDownloaded) / float64(stats.TotalBytesRequested) * 100
	}
	if len(speeds) > 0 {
		var sum float64
		for _, speed := range speeds {
			sum += speed
		}
		stats.AverageSpeedBps = sum / float64(len(speeds))
	}

	return stats, nil
}

// RepairInterruptedSessions fails sessions left open by an unclean shutdown.
// Called at startup before any worker exists, so every open session is a
// crash artifact.
func (r *SQLSessionRepository) RepairInterruptedSessions() (int, error) {
	res, err := r.db.Exec(`
		UPDATE download_sessions SET status = ?, completed_at = ?, error_message = ?
		WHERE status IN (?, ?)
	`, string(SessionFailed), time.Now().UTC(), "interrupted by process shutdown",
		string(SessionStarted), string(SessionInProgress))
	if err != nil {
		return 0, fmt.Errorf("failed to repair interrupted sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const sessionSelect = `SELECT id, model_id, schedule_id, status, started_at, completed_at,
	bytes_downloaded, total_bytes, error_message, retry_count, metadata
	FROM download_sessions`

func scanSession(row rowScanner) (*DownloadSession, error) {
	var s DownloadSession
	var status, metaJSON string
	var scheduleID sql.NullString
	var completedAt sql.NullTime
	var totalBytes sql.NullInt64

	err := row.Scan(&s.ID, &s.ModelID, &scheduleID, &status, &s.StartedAt, &completedAt,
		&s.BytesDownloaded, &totalBytes, &s.ErrorMessage, &s.RetryCount, &metaJSON)
	if err != nil {
		return nil, err
	}

	s.Status = SessionStatus(status)
	if scheduleID.Valid {
		s.ScheduleID = &scheduleID.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if totalBytes.Valid {
		s.TotalBytes = &totalBytes.Int64
	}
	if err := json.Unmarshal([]byte(metaJSON), &s.Meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
	}
	return &s, nil
}
