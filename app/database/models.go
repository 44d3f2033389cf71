package database

import (
	"time"
)

type ModelStatus string

const (
	ModelPending     ModelStatus = "pending"
	ModelDownloading ModelStatus = "downloading"
	ModelCompleted   ModelStatus = "completed"
	ModelFailed      ModelStatus = "failed"
	ModelPaused      ModelStatus = "paused"
)

type SessionStatus string

const (
	SessionStarted    SessionStatus = "started"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

type ScheduleType string

const (
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
)

// Priority ordering used by selection: high sorts before medium before low.
// Unknown or empty priority falls back to medium.
func PriorityOrder(priority string) int {
	switch priority {
	case "high":
		return 1
	case "low":
		return 3
	default:
		return 2
	}
}

// ModelMeta is the typed metadata blob stored alongside a model. The fields
// the selection algorithm reads are named; Extra is the forward-compatibility
// escape hatch for anything else.
type ModelMeta struct {
	Priority     string            `json:"priority,omitempty"`
	Source       string            `json:"source,omitempty"`
	RetryCount   int               `json:"retry_count,omitempty"`
	LastFailedAt *time.Time        `json:"last_failed_at,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// SessionMeta is the typed metadata blob stored alongside a download session.
type SessionMeta struct {
	Trigger string            `json:"trigger,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Model represents a downloadable artifact tracked through its lifecycle.
type Model struct {
	ID           string
	Name         string
	Status       ModelStatus
	SizeBytes    *int64
	DownloadPath string
	Meta         ModelMeta
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScheduleConfiguration defines when downloads are permitted to start.
// At most one schedule is enabled at any time.
type ScheduleConfiguration struct {
	ID                     string
	Name                   string
	Type                   ScheduleType
	Time                   string // HH:MM, local
	DayOfWeek              *int   // 0-6, required iff weekly
	Enabled                bool
	MaxConcurrentDownloads int
	TimeWindowEnabled      bool
	TimeWindowStart        string
	TimeWindowEnd          string
	TimeWindowTimezone     string
	WeekendEnabled         bool
	WeekendDays            []string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// DownloadSession tracks one download attempt for a model. A retry creates a
// new session row with an incremented retry count; the original row keeps its
// terminal status, so sessions form an append-only history per model.
type DownloadSession struct {
	ID              string
	ModelID         string
	ScheduleID      *string
	Status          SessionStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	BytesDownloaded int64
	TotalBytes      *int64
	ErrorMessage    string
	RetryCount      int
	Meta            SessionMeta
}

// SessionStatistics aggregates download sessions under an optional
// model/schedule/time-range filter.
type SessionStatistics struct {
	TotalSessions        int     `json:"total_sessions"`
	CompletedSessions    int     `json:"completed_sessions"`
	FailedSessions       int     `json:"failed_sessions"`
	CancelledSessions    int     `json:"cancelled_sessions"`
	ActiveSessions       int     `json:"active_sessions"`
	SuccessRate          float64 `json:"success_rate"`
	TotalBytesDownloaded int64   `json:"total_bytes_downloaded"`
	TotalBytesRequested  int64   `json:"total_bytes_requested"`
	CompletionRate       float64 `json:"completion_rate"`
	AverageSpeedBps      float64 `json:"average_download_speed_bps"`
}

// SessionFilter narrows statistics queries. Zero values mean no filter.
type SessionFilter struct {
	ModelID       string
	ScheduleID    string
	TimeRangeDays int
}

// SystemConfig is a flat key/value setting row.
type SystemConfig struct {
	Key         string
	Value       string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SystemLog is an audit record written by the engine on fire/skip decisions.
type SystemLog struct {
	ID        string
	LogType   string
	Message   string
	Details   map[string]string
	CreatedAt time.Time
}
