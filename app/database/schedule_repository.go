package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var validWeekendDays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// ValidateTimeString checks the HH:MM 24-hour format shared by schedule times
// and time window bounds.
func ValidateTimeString(field, value string) error {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not in HH:MM format", value)}
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not in HH:MM format", value)}
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not in HH:MM format", value)}
	}
	if hour < 0 || hour > 23 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("hour must be between 00-23, got %d", hour)}
	}
	if minute < 0 || minute > 59 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("minute must be between 00-59, got %d", minute)}
	}
	return nil
}

func validateSchedule(s *ScheduleConfiguration) error {
	if s.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if s.Type != ScheduleDaily && s.Type != ScheduleWeekly {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("must be daily or weekly, got %q", s.Type)}
	}
	if err := ValidateTimeString("time", s.Time); err != nil {
		return err
	}
	if s.Type == ScheduleWeekly {
		if s.DayOfWeek == nil {
			return &ValidationError{Field: "day_of_week", Reason: "required for weekly schedules"}
		}
		if *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return &ValidationError{Field: "day_of_week", Reason: fmt.Sprintf("must be between 0 and 6, got %d", *s.DayOfWeek)}
		}
	}
	if s.MaxConcurrentDownloads < 1 || s.MaxConcurrentDownloads > 10 {
		return &ValidationError{Field: "max_concurrent_downloads", Reason: fmt.Sprintf("must be between 1 and 10, got %d", s.MaxConcurrentDownloads)}
	}
	if s.TimeWindowEnabled {
		if s.TimeWindowStart == "" || s.TimeWindowEnd == "" {
			return &ValidationError{Field: "time_window", Reason: "both time_window_start and time_window_end are required when the window is enabled"}
		}
		if err := ValidateTimeString("time_window_start", s.TimeWindowStart); err != nil {
			return err
		}
		if err := ValidateTimeString("time_window_end", s.TimeWindowEnd); err != nil {
			return err
		}
		if s.TimeWindowStart == s.TimeWindowEnd {
			return &ValidationError{Field: "time_window", Reason: "window must have positive duration"}
		}
	}
	if s.WeekendEnabled {
		if len(s.WeekendDays) == 0 {
			return &ValidationError{Field: "weekend_days", Reason: "must not be empty when weekend_enabled is set"}
		}
		for _, day := range s.WeekendDays {
			if !validWeekendDays[strings.ToLower(day)] {
				return &ValidationError{Field: "weekend_days", Reason: fmt.Sprintf("invalid weekday %q", day)}
			}
		}
	}
	return nil
}

type SQLScheduleRepository struct {
	db *DB
}

var _ ScheduleRepository = (*SQLScheduleRepository)(nil)

func NewScheduleRepository(db *DB) *SQLScheduleRepository {
	return &SQLScheduleRepository{db: db}
}

// CreateSchedule validates and inserts a schedule. New schedules are created
// disabled; EnableSchedule promotes one atomically.
func (r *SQLScheduleRepository) CreateSchedule(s ScheduleConfiguration) (*ScheduleConfiguration, error) {
	if s.TimeWindowTimezone == "" {
		s.TimeWindowTimezone = "local"
	}
	if err := validateSchedule(&s); err != nil {
		return nil, err
	}

	daysJSON, err := json.Marshal(s.WeekendDays)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal weekend days: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	_, err = r.db.Exec(`
		INSERT INTO schedule_configurations (
			id, name, type, time, day_of_week, enabled, max_concurrent_downloads,
			time_window_enabled, time_window_start, time_window_end, time_window_timezone,
			weekend_enabled, weekend_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, s.Name, string(s.Type), s.Time, s.DayOfWeek, s.Enabled, s.MaxConcurrentDownloads,
		s.TimeWindowEnabled, nullIfEmpty(s.TimeWindowStart), nullIfEmpty(s.TimeWindowEnd), s.TimeWindowTimezone,
		s.WeekendEnabled, string(daysJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule %s: %w", s.Name, err)
	}

	return r.GetSchedule(id)
}

func (r *SQLScheduleRepository) GetSchedule(id string) (*ScheduleConfiguration, error) {
	row := r.db.QueryRow(scheduleSelect+` WHERE id = ?`, id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

func (r *SQLScheduleRepository) GetAllSchedules() ([]ScheduleConfiguration, error) {
	rows, err := r.db.Query(scheduleSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []ScheduleConfiguration
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

func (r *SQLScheduleRepository) GetActiveSchedule() (*ScheduleConfiguration, error) {
	row := r.db.QueryRow(scheduleSelect + ` WHERE enabled = 1 LIMIT 1`)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active schedule: %w", err)
	}
	return s, nil
}

// UpdateSchedule applies the non-nil fields and revalidates the resulting
// configuration before writing, so a partial update can never persist an
// inconsistent schedule.
func (r *SQLScheduleRepository) UpdateSchedule(id string, fields ScheduleUpdate) (*ScheduleConfiguration, error) {
	s, err := r.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("update schedule %s: %w", id, ErrScheduleNotFound)
	}

	if fields.Name != nil {
		s.Name = *fields.Name
	}
	if fields.Type != nil {
		s.Type = *fields.Type
	}
	if fields.Time != nil {
		s.Time = *fields.Time
	}
	if fields.DayOfWeek != nil {
		s.DayOfWeek = fields.DayOfWeek
	}
	if fields.MaxConcurrentDownloads != nil {
		s.MaxConcurrentDownloads = *fields.MaxConcurrentDownloads
	}
	if fields.TimeWindowEnabled != nil {
		s.TimeWindowEnabled = *fields.TimeWindowEnabled
	}
	if fields.TimeWindowStart != nil {
		s.TimeWindowStart = *fields.TimeWindowStart
	}
	if fields.TimeWindowEnd != nil {
		s.TimeWindowEnd = *fields.TimeWindowEnd
	}
	if fields.TimeWindowTimezone != nil {
		s.TimeWindowTimezone = *fields.TimeWindowTimezone
	}
	if fields.WeekendEnabled != nil {
		s.WeekendEnabled = *fields.WeekendEnabled
	}
	if fields.WeekendDays != nil {
		s.WeekendDays = *fields.WeekendDays
	}

	if err := validateSchedule(s); err != nil {
		return nil, err
	}

	daysJSON, err := json.Marshal(s.WeekendDays)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal weekend days: %w", err)
	}

	_, err = r.db.Exec(`
		UPDATE schedule_configurations SET
			name = ?, type = ?, time = ?, day_of_week = ?, max_concurrent_downloads = ?,
			time_window_enabled = ?, time_window_start = ?, time_window_end = ?, time_window_timezone = ?,
			weekend_enabled = ?, weekend_days = ?, updated_at = ?
		WHERE id = ?
	`, s.Name, string(s.Type), s.Time, s.DayOfWeek, s.MaxConcurrentDownloads,
		s.TimeWindowEnabled, nullIfEmpty(s.TimeWindowStart), nullIfEmpty(s.TimeWindowEnd), s.TimeWindowTimezone,
		s.WeekendEnabled, string(daysJSON), time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule %s: %w", id, err)
	}

	return r.GetSchedule(id)
}

// EnableSchedule enables one schedule and disables all others in a single
// transaction, keeping the at-most-one-active invariant.
func (r *SQLScheduleRepository) EnableSchedule(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE schedule_configurations SET enabled = 0, updated_at = ? WHERE enabled = 1`, now); err != nil {
		return fmt.Errorf("failed to disable schedules: %w", err)
	}

	res, err := tx.Exec(`UPDATE schedule_configurations SET enabled = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to enable schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enable schedule %s: %w", id, ErrScheduleNotFound)
	}

	return tx.Commit()
}

func (r *SQLScheduleRepository) DisableSchedule(id string) error {
	res, err := r.db.Exec(`UPDATE schedule_configurations SET enabled = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to disable schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("disable schedule %s: %w", id, ErrScheduleNotFound)
	}
	return nil
}

// DeleteSchedule removes a schedule. When the active schedule is deleted and
// others exist, the most recently created survivor is promoted so the system
// never silently loses its active schedule.
func (r *SQLScheduleRepository) DeleteSchedule(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var enabled bool
	err = tx.QueryRow(`SELECT enabled FROM schedule_configurations WHERE id = ?`, id).Scan(&enabled)
	if err == sql.ErrNoRows {
		return fmt.Errorf("delete schedule %s: %w", id, ErrScheduleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check schedule %s: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM schedule_configurations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}

	if enabled {
		_, err = tx.Exec(`
			UPDATE schedule_configurations SET enabled = 1, updated_at = ?
			WHERE id = (SELECT id FROM schedule_configurations ORDER BY created_at DESC LIMIT 1)
		`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to promote replacement schedule: %w", err)
		}
	}

	return tx.Commit()
}

const scheduleSelect = `SELECT id, name, type, time, day_of_week, enabled, max_concurrent_downloads,
	time_window_enabled, time_window_start, time_window_end, time_window_timezone,
	weekend_enabled, weekend_days, created_at, updated_at
	FROM schedule_configurations`

func scanSchedule(row rowScanner) (*ScheduleConfiguration, error) {
	var s ScheduleConfiguration
	var scheduleType, daysJSON string
	var dayOfWeek sql.NullInt64
	var windowStart, windowEnd sql.NullString

	err := row.Scan(&s.ID, &s.Name, &scheduleType, &s.Time, &dayOfWeek, &s.Enabled, &s.MaxConcurrentDownloads,
		&s.TimeWindowEnabled, &windowStart, &windowEnd, &s.TimeWindowTimezone,
		&s.WeekendEnabled, &daysJSON, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.Type = ScheduleType(scheduleType)
	if dayOfWeek.Valid {
		day := int(dayOfWeek.Int64)
		s.DayOfWeek = &day
	}
	s.TimeWindowStart = windowStart.String
	s.TimeWindowEnd = windowEnd.String
	if err := json.Unmarshal([]byte(daysJSON), &s.WeekendDays); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weekend days: %w", err)
	}
	return &s, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
