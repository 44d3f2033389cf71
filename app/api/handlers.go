package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navono/hf-download-scheduler/app/database"
	"github.com/navono/hf-download-scheduler/app/scheduler"
	modelsync "github.com/navono/hf-download-scheduler/app/sync"
	"github.com/navono/hf-download-scheduler/app/timewindow"
)

func NewHandler(models database.ModelRepository, schedules database.ScheduleRepository,
	sessions database.SessionRepository, logs database.SystemLogRepository,
	syncService *modelsync.Service, engine SchedulerInterface, version string) *Handler {
	return &Handler{
		models:    models,
		schedules: schedules,
		sessions:  sessions,
		logs:      logs,
		sync:      syncService,
		engine:    engine,
		version:   version,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"version":   h.version,
		"scheduler": h.engine.Running(),
	}

	if count, err := h.models.GetModelCount(); err == nil {
		health["models"] = count
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) ListModels(c *gin.Context) {
	var (
		models []database.Model
		err    error
	)
	if status := c.Query("status"); status != "" {
		models, err = h.models.GetModelsByStatus(database.ModelStatus(status))
	} else {
		models, err = h.models.GetAllModels()
	}
	if err != nil {
		slog.Error("Database error", "operation", "list_models", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, toModelResponse(m))
	}
	c.JSON(http.StatusOK, gin.H{"models": out, "count": len(out)})
}

func (h *Handler) CreateModel(c *gin.Context) {
	var req createModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	meta := database.ModelMeta{Priority: req.Priority, Source: "api"}
	model, err := h.models.CreateModel(req.Name, database.ModelPending, nil, meta)
	if err != nil {
		slog.Error("Database error", "operation", "create_model", "model", req.Name, "error", err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, toModelResponse(*model))
}

func (h *Handler) GetModel(c *gin.Context) {
	model, err := h.models.GetModel(c.Param("id"))
	if err != nil {
		slog.Error("Database error", "operation", "get_model", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if model == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		return
	}
	c.JSON(http.StatusOK, toModelResponse(*model))
}

func (h *Handler) DeleteModel(c *gin.Context) {
	if err := h.models.DeleteModel(c.Param("id")); err != nil {
		if errors.Is(err, database.ErrModelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Database error", "operation", "delete_model", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetModelSessions(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	sessions, err := h.sessions.GetSessionHistory(c.Param("id"), limit)
	if err != nil {
		slog.Error("Database error", "operation", "session_history", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

func (h *Handler) ListSchedules(c *gin.Context) {
	schedules, err := h.schedules.GetAllSchedules()
	if err != nil {
		slog.Error("Database error", "operation", "list_schedules", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]scheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, toScheduleResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out, "count": len(out)})
}

func (h *Handler) CreateSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schedule, err := h.schedules.CreateSchedule(database.ScheduleConfiguration{
		Name:                   req.Name,
		Type:                   database.ScheduleType(req.Type),
		Time:                   req.Time,
		DayOfWeek:              req.DayOfWeek,
		MaxConcurrentDownloads: req.MaxConcurrentDownloads,
		TimeWindowEnabled:      req.TimeWindowEnabled,
		TimeWindowStart:        req.TimeWindowStart,
		TimeWindowEnd:          req.TimeWindowEnd,
		TimeWindowTimezone:     req.TimeWindowTimezone,
		WeekendEnabled:         req.WeekendEnabled,
		WeekendDays:            req.WeekendDays,
	})
	if err != nil {
		h.renderScheduleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toScheduleResponse(*schedule))
}

func (h *Handler) UpdateSchedule(c *gin.Context) {
	var req updateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	update := database.ScheduleUpdate{
		Name:                   req.Name,
		Time:                   req.Time,
		DayOfWeek:              req.DayOfWeek,
		MaxConcurrentDownloads: req.MaxConcurrentDownloads,
		TimeWindowEnabled:      req.TimeWindowEnabled,
		TimeWindowStart:        req.TimeWindowStart,
		TimeWindowEnd:          req.TimeWindowEnd,
		TimeWindowTimezone:     req.TimeWindowTimezone,
		WeekendEnabled:         req.WeekendEnabled,
		WeekendDays:            req.WeekendDays,
	}
	if req.Type != nil {
		t := database.ScheduleType(*req.Type)
		update.Type = &t
	}

	schedule, err := h.schedules.UpdateSchedule(c.Param("id"), update)
	if err != nil {
		h.renderScheduleError(c, err)
		return
	}

	c.JSON(http.StatusOK, toScheduleResponse(*schedule))
}

func (h *Handler) EnableSchedule(c *gin.Context) {
	if err := h.schedules.EnableSchedule(c.Param("id")); err != nil {
		h.renderScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (h *Handler) DisableSchedule(c *gin.Context) {
	if err := h.schedules.DisableSchedule(c.Param("id")); err != nil {
		h.renderScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

func (h *Handler) DeleteSchedule(c *gin.Context) {
	if err := h.schedules.DeleteSchedule(c.Param("id")); err != nil {
		h.renderScheduleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) renderScheduleError(c *gin.Context, err error) {
	var validation *database.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		slog.Error("Database error", "operation", "schedule", "error", err)
		c.Status(http.StatusInternalServerError)
	}
}

func (h *Handler) GetActiveSessions(c *gin.Context) {
	sessions, err := h.sessions.GetActiveSessions()
	if err != nil {
		slog.Error("Database error", "operation", "active_sessions", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

func (h *Handler) GetStatistics(c *gin.Context) {
	filter := database.SessionFilter{
		ModelID:    c.Query("model_id"),
		ScheduleID: c.Query("schedule_id"),
	}
	if v := c.Query("days"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			filter.TimeRangeDays = days
		}
	}

	stats, err := h.sessions.GetStatistics(filter)
	if err != nil {
		slog.Error("Database error", "operation", "statistics", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *Handler) StartScheduler(c *gin.Context) {
	if err := h.engine.Start(); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, database.ErrNoActiveSchedule):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *Handler) StopScheduler(c *gin.Context) {
	h.engine.Stop()
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *Handler) TriggerRun(c *gin.Context) {
	started, err := h.engine.TriggerManualRun()
	if err != nil {
		switch {
		case errors.Is(err, database.ErrNoActiveSchedule), errors.Is(err, scheduler.ErrOutsideWindow):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": started})
}

func (h *Handler) GetPendingSelection(c *gin.Context) {
	candidates, err := h.engine.PendingSelection()
	if err != nil {
		if errors.Is(err, database.ErrNoActiveSchedule) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Selection preview failed", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]gin.H, 0, len(candidates))
	for _, cand := range candidates {
		entry := gin.H{
			"model":    toModelResponse(cand.Model),
			"is_retry": cand.IsRetry,
		}
		if cand.IsRetry {
			entry["attempt"] = cand.Attempt
			entry["max_attempts"] = cand.MaxAttempts
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"pending": out, "count": len(out)})
}

func (h *Handler) CancelDownload(c *gin.Context) {
	if err := h.engine.CancelDownload(c.Param("ref")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
}

// Sync runs reconciliation; ?direction=store-to-external or
// external-to-store narrows it to one pass, the default is a full sync.
func (h *Handler) Sync(c *gin.Context) {
	var (
		result any
		err    error
	)
	switch c.Query("direction") {
	case "store-to-external":
		result, err = h.sync.SyncStoreToExternal()
	case "external-to-store":
		result, err = h.sync.SyncExternalToStore()
	case "":
		result, err = h.sync.FullSync()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be store-to-external or external-to-store"})
		return
	}
	if err != nil {
		slog.Error("Sync failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CleanupSessions(c *gin.Context) {
	days := 30
	if v := c.Query("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = parsed
	}

	n, err := h.sessions.CleanupOlderThan(days)
	if err != nil {
		slog.Error("Database error", "operation", "cleanup_sessions", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n, "days": days})
}

func (h *Handler) GetScheduleWindow(c *gin.Context) {
	schedule, err := h.schedules.GetSchedule(c.Param("id"))
	if err != nil {
		slog.Error("Database error", "operation", "schedule_window", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if schedule == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}

	window, err := timewindow.NewInZone(schedule.TimeWindowStart, schedule.TimeWindowEnd,
		schedule.TimeWindowEnabled, schedule.TimeWindowTimezone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, window.Status(time.Now()))
}

func (h *Handler) GetSyncDiff(c *gin.Context) {
	diffs, err := h.sync.Diff()
	if err != nil {
		slog.Error("Diff failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"differences": diffs, "count": len(diffs)})
}

func (h *Handler) GetWindowStatus(c *gin.Context) {
	schedule, err := h.schedules.GetActiveSchedule()
	if err != nil {
		slog.Error("Database error", "operation", "window_status", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if schedule == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active schedule"})
		return
	}

	window, err := timewindow.NewInZone(schedule.TimeWindowStart, schedule.TimeWindowEnd,
		schedule.TimeWindowEnabled, schedule.TimeWindowTimezone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, window.Status(time.Now()))
}

func (h *Handler) GetRecentLogs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	logs, err := h.logs.RecentLogs(limit, c.Query("type"))
	if err != nil {
		slog.Error("Database error", "operation", "recent_logs", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}
