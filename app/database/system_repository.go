package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SQLSystemConfigRepository struct {
	db *DB
}

var _ SystemConfigRepository = (*SQLSystemConfigRepository)(nil)

func NewSystemConfigRepository(db *DB) *SQLSystemConfigRepository {
	return &SQLSystemConfigRepository{db: db}
}

func (r *SQLSystemConfigRepository) GetConfig(key string, fallback string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM system_configurations WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system config %s: %w", key, err)
	}
	return value, nil
}

func (r *SQLSystemConfigRepository) SetConfig(key, value, description string) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		INSERT INTO system_configurations (key, value, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, description, now, now)
	if err != nil {
		return fmt.Errorf("failed to set system config %s: %w", key, err)
	}
	return nil
}

func (r *SQLSystemConfigRepository) InitializeDefaults() error {
	defaults := []SystemConfig{
		{Key: "download_directory", Value: "./models", Description: "Directory for downloaded models"},
		{Key: "log_level", Value: "INFO", Description: "Logging level"},
		{Key: "max_retries", Value: "5", Description: "Maximum number of download retries"},
		{Key: "timeout_seconds", Value: "3600", Description: "Download timeout in seconds"},
	}

	for _, d := range defaults {
		existing, err := r.GetConfig(d.Key, "")
		if err != nil {
			return err
		}
		if existing != "" {
			continue
		}
		if err := r.SetConfig(d.Key, d.Value, d.Description); err != nil {
			return err
		}
	}
	return nil
}

type SQLSystemLogRepository struct {
	db *DB
}

var _ SystemLogRepository = (*SQLSystemLogRepository)(nil)

func NewSystemLogRepository(db *DB) *SQLSystemLogRepository {
	return &SQLSystemLogRepository{db: db}
}

func (r *SQLSystemLogRepository) AddLog(logType, message string, details map[string]string) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal log details: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO system_logs (id, log_type, message, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), logType, message, string(detailsJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add system log: %w", err)
	}
	return nil
}

func (r *SQLSystemLogRepository) RecentLogs(limit int, logType string) ([]SystemLog, error) {
	query := `SELECT id, log_type, message, details, created_at FROM system_logs`
	var args []any
	if logType != "" {
		query += ` WHERE log_type = ?`
		args = append(args, logType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query system logs: %w", err)
	}
	defer rows.Close()

	var logs []SystemLog
	for rows.Next() {
		var l SystemLog
		var detailsJSON string
		if err := rows.Scan(&l.ID, &l.LogType, &l.Message, &detailsJSON, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan system log: %w", err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &l.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log details: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *SQLSystemLogRepository) PruneBefore(cutoff time.Time) (int, error) {
	res, err := r.db.Exec(`DELETE FROM system_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune system logs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
