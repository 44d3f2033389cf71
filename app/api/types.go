package api

import (
	"time"

	"github.com/navono/hf-download-scheduler/app/database"
	"github.com/navono/hf-download-scheduler/app/scheduler"
	modelsync "github.com/navono/hf-download-scheduler/app/sync"
)

type SchedulerInterface interface {
	Start() error
	Stop()
	Status() scheduler.StatusReport
	TriggerManualRun() (int, error)
	PendingSelection() ([]scheduler.Candidate, error)
	CancelDownload(ref string) error
	NextRunTime() time.Time
	Running() bool
}

var _ SchedulerInterface = (*scheduler.Engine)(nil)

type Handler struct {
	models    database.ModelRepository
	schedules database.ScheduleRepository
	sessions  database.SessionRepository
	logs      database.SystemLogRepository
	sync      *modelsync.Service
	engine    SchedulerInterface
	version   string
}

type createModelRequest struct {
	Name     string `json:"name" binding:"required"`
	Priority string `json:"priority"`
}

type createScheduleRequest struct {
	Name                   string   `json:"name" binding:"required"`
	Type                   string   `json:"type" binding:"required"`
	Time                   string   `json:"time" binding:"required"`
	DayOfWeek              *int     `json:"day_of_week"`
	MaxConcurrentDownloads int      `json:"max_concurrent_downloads"`
	TimeWindowEnabled      bool     `json:"time_window_enabled"`
	TimeWindowStart        string   `json:"time_window_start"`
	TimeWindowEnd          string   `json:"time_window_end"`
	TimeWindowTimezone     string   `json:"time_window_timezone"`
	WeekendEnabled         bool     `json:"weekend_enabled"`
	WeekendDays            []string `json:"weekend_days"`
}

type updateScheduleRequest struct {
	Name                   *string   `json:"name"`
	Type                   *string   `json:"type"`
	Time                   *string   `json:"time"`
	DayOfWeek              *int      `json:"day_of_week"`
	MaxConcurrentDownloads *int      `json:"max_concurrent_downloads"`
	TimeWindowEnabled      *bool     `json:"time_window_enabled"`
	TimeWindowStart        *string   `json:"time_window_start"`
	TimeWindowEnd          *string   `json:"time_window_end"`
	TimeWindowTimezone     *string   `json:"time_window_timezone"`
	WeekendEnabled         *bool     `json:"weekend_enabled"`
	WeekendDays            *[]string `json:"weekend_days"`
}

type modelResponse struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Status       string             `json:"status"`
	SizeBytes    *int64             `json:"size_bytes,omitempty"`
	DownloadPath string             `json:"download_path,omitempty"`
	Priority     string             `json:"priority,omitempty"`
	RetryCount   int                `json:"retry_count"`
	LastFailedAt *time.Time         `json:"last_failed_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func toModelResponse(m database.Model) modelResponse {
	return modelResponse{
		ID:           m.ID,
		Name:         m.Name,
		Status:       string(m.Status),
		SizeBytes:    m.SizeBytes,
		DownloadPath: m.DownloadPath,
		Priority:     m.Meta.Priority,
		RetryCount:   m.Meta.RetryCount,
		LastFailedAt: m.Meta.LastFailedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

type sessionResponse struct {
	ID              string     `json:"id"`
	ModelID         string     `json:"model_id"`
	ScheduleID      *string    `json:"schedule_id,omitempty"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	BytesDownloaded int64      `json:"bytes_downloaded"`
	TotalBytes      *int64     `json:"total_bytes,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	RetryCount      int        `json:"retry_count"`
	Trigger         string     `json:"trigger,omitempty"`
}

func toSessionResponse(s database.DownloadSession) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		ModelID:         s.ModelID,
		ScheduleID:      s.ScheduleID,
		Status:          string(s.Status),
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		BytesDownloaded: s.BytesDownloaded,
		TotalBytes:      s.TotalBytes,
		ErrorMessage:    s.ErrorMessage,
		RetryCount:      s.RetryCount,
		Trigger:         s.Meta.Trigger,
	}
}

type scheduleResponse struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Type                   string    `json:"type"`
	Time                   string    `json:"time"`
	DayOfWeek              *int      `json:"day_of_week,omitempty"`
	Enabled                bool      `json:"enabled"`
	MaxConcurrentDownloads int       `json:"max_concurrent_downloads"`
	TimeWindowEnabled      bool      `json:"time_window_enabled"`
	TimeWindowStart        string    `json:"time_window_start,omitempty"`
	TimeWindowEnd          string    `json:"time_window_end,omitempty"`
	TimeWindowTimezone     string    `json:"time_window_timezone,omitempty"`
	WeekendEnabled         bool      `json:"weekend_enabled"`
	WeekendDays            []string  `json:"weekend_days,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func toScheduleResponse(s database.ScheduleConfiguration) scheduleResponse {
	return scheduleResponse{
		ID:                     s.ID,
		Name:                   s.Name,
		Type:                   string(s.Type),
		Time:                   s.Time,
		DayOfWeek:              s.DayOfWeek,
		Enabled:                s.Enabled,
		MaxConcurrentDownloads: s.MaxConcurrentDownloads,
		TimeWindowEnabled:      s.TimeWindowEnabled,
		TimeWindowStart:        s.TimeWindowStart,
		TimeWindowEnd:          s.TimeWindowEnd,
		TimeWindowTimezone:     s.TimeWindowTimezone,
		WeekendEnabled:         s.WeekendEnabled,
		WeekendDays:            s.WeekendDays,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}
