package database

import (
	"time"
)

type ModelRepository interface {
	CreateModel(name string, status ModelStatus, sizeBytes *int64, meta ModelMeta) (*Model, error)
	GetModel(id string) (*Model, error)
	GetModelByName(name string) (*Model, error)
	GetAllModels() ([]Model, error)
	GetModelsByStatus(status ModelStatus) ([]Model, error)
	GetModelCount() (int, error)

	UpdateModelStatus(id string, status ModelStatus, downloadPath string) error
	UpdateModelMeta(id string, mutate func(*ModelMeta)) error
	SetModelStatusUnchecked(id string, status ModelStatus) error
	DeleteModel(id string) error

	RepairInterruptedModels() (int, error)
}

type ScheduleRepository interface {
	CreateSchedule(s ScheduleConfiguration) (*ScheduleConfiguration, error)
	GetSchedule(id string) (*ScheduleConfiguration, error)
	GetAllSchedules() ([]ScheduleConfiguration, error)
	GetActiveSchedule() (*ScheduleConfiguration, error)

	UpdateSchedule(id string, fields ScheduleUpdate) (*ScheduleConfiguration, error)
	EnableSchedule(id string) error
	DisableSchedule(id string) error
	DeleteSchedule(id string) error
}

// ScheduleUpdate carries partial schedule changes; nil fields are left as-is.
type ScheduleUpdate struct {
	Name                   *string
	Type                   *ScheduleType
	Time                   *string
	DayOfWeek              *int
	MaxConcurrentDownloads *int
	TimeWindowEnabled      *bool
	TimeWindowStart        *string
	TimeWindowEnd          *string
	TimeWindowTimezone     *string
	WeekendEnabled         *bool
	WeekendDays            *[]string
}

type SessionRepository interface {
	CreateSession(modelID string, scheduleID *string, meta SessionMeta) (*DownloadSession, error)
	GetSession(id string) (*DownloadSession, error)
	GetActiveSessions() ([]DownloadSession, error)
	GetSessionHistory(modelID string, limit int) ([]DownloadSession, error)

	UpdateProgress(id string, bytesDownloaded int64, totalBytes *int64) error
	CompleteSession(id string) error
	FailSession(id string, errorMessage string) error
	CancelSession(id string, reason string) error
	RetrySession(id string, newScheduleID *string) (*DownloadSession, error)

	CleanupOlderThan(days int) (int, error)
	GetStatistics(filter SessionFilter) (*SessionStatistics, error)
	RepairInterruptedSessions() (int, error)
}

type SystemConfigRepository interface {
	GetConfig(key string, fallback string) (string, error)
	SetConfig(key, value, description string) error
	InitializeDefaults() error
}

type SystemLogRepository interface {
	AddLog(logType, message string, details map[string]string) error
	RecentLogs(limit int, logType string) ([]SystemLog, error)
	PruneBefore(cutoff time.Time) (int, error)
}
