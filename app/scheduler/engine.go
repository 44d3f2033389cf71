package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdsync "sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/navono/hf-download-scheduler/app/database"
	"github.com/navono/hf-download-scheduler/app/downloader"
	modelsync "github.com/navono/hf-download-scheduler/app/sync"
	"github.com/navono/hf-download-scheduler/app/timewindow"
)

var (
	ErrAlreadyRunning   = errors.New("scheduler already running")
	ErrNotRunning       = errors.New("scheduler not running")
	ErrOutsideWindow    = errors.New("outside the configured download window")
	ErrDownloadNotFound = errors.New("no matching active download")
)

// Options collects the engine's collaborators and tuning knobs.
type Options struct {
	Schedules   database.ScheduleRepository
	Models      database.ModelRepository
	Sessions    database.SessionRepository
	SystemLogs  database.SystemLogRepository
	Sync        *modelsync.Service
	Selector    *Selector
	Executor    downloader.Executor
	CleanupDays int
	Tick        time.Duration
}

// Engine fires download runs on the active schedule's cadence, gates each
// run on the schedule's time window, and tracks in-flight downloads so they
// can be cancelled individually or drained on shutdown.
type Engine struct {
	schedules  database.ScheduleRepository
	models     database.ModelRepository
	sessions   database.SessionRepository
	systemLogs database.SystemLogRepository
	sync       *modelsync.Service
	selector   *Selector
	executor   downloader.Executor

	cleanupDays int
	tick        time.Duration

	mu      stdsync.Mutex
	cron    *cron.Cron
	running bool
	active  map[string]*activeDownload
	ctx     context.Context
	cancel  context.CancelFunc
	wg      stdsync.WaitGroup
}

type activeDownload struct {
	sessionID string
	modelID   string
	modelName string
	startedAt time.Time
	cancel    context.CancelFunc
}

func New(opts Options) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = 15 * time.Minute
	}
	return &Engine{
		schedules:   opts.Schedules,
		models:      opts.Models,
		sessions:    opts.Sessions,
		systemLogs:  opts.SystemLogs,
		sync:        opts.Sync,
		selector:    opts.Selector,
		executor:    opts.Executor,
		cleanupDays: opts.CleanupDays,
		tick:        opts.Tick,
		active:      make(map[string]*activeDownload),
	}
}

// Start loads the active schedule, registers its cron entries, and begins
// firing. There must be exactly one enabled schedule.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}

	schedule, err := e.schedules.GetActiveSchedule()
	if err != nil {
		return err
	}
	if schedule == nil {
		return database.ErrNoActiveSchedule
	}

	specs, err := cronSpecs(schedule)
	if err != nil {
		return err
	}

	c := cron.New()
	for _, spec := range specs {
		if _, err := c.AddFunc(spec, e.runScheduled); err != nil {
			return fmt.Errorf("failed to register cron entry %q: %w", spec, err)
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.cron = c
	e.running = true
	c.Start()

	e.wg.Add(1)
	go e.housekeepingLoop()

	slog.Info("Scheduler started", "schedule", schedule.Name, "type", schedule.Type,
		"time", schedule.Time, "cron_entries", strings.Join(specs, ", "))
	return nil
}

// Stop halts the cadence, cancels in-flight downloads, and waits for their
// terminal bookkeeping to finish. Calling Stop on a stopped engine is a
// no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cronDone := e.cron.Stop()
	e.cancel()
	e.mu.Unlock()

	// A fire may be mid-dispatch; wait for it to return before draining the
	// workers so nothing registers after the drain.
	<-cronDone.Done()
	e.wg.Wait()
	slog.Info("Scheduler stopped")
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// runScheduled is the cron entrypoint. The schedule is reloaded so edits made
// since Start take effect without a restart; a run outside the time window is
// skipped entirely rather than partially dispatched.
func (e *Engine) runScheduled() {
	schedule, err := e.schedules.GetActiveSchedule()
	if err != nil {
		slog.Error("Failed to load active schedule", "error", err)
		return
	}
	if schedule == nil {
		slog.Warn("Scheduled run fired but no schedule is enabled, skipping")
		return
	}

	window, err := timewindow.NewInZone(schedule.TimeWindowStart, schedule.TimeWindowEnd,
		schedule.TimeWindowEnabled, schedule.TimeWindowTimezone)
	if err != nil {
		slog.Error("Invalid time window on active schedule", "schedule", schedule.Name, "error", err)
		return
	}

	now := time.Now()
	if !window.InWindow(now) {
		slog.Info("Outside download window, skipping run",
			"schedule", schedule.Name, "window_start", schedule.TimeWindowStart,
			"window_end", schedule.TimeWindowEnd, "next_window", window.NextStart(now).Format(time.RFC3339))
		e.audit("window_skip", "scheduled run skipped: outside time window", map[string]string{
			"schedule": schedule.Name,
		})
		return
	}

	e.dispatch(schedule, "scheduled")
}

// TriggerManualRun dispatches immediately against the active schedule's
// concurrency cap, bypassing the cadence. The time window still applies: a
// manual run outside the window fails with ErrOutsideWindow instead of
// silently starting downloads at the wrong hour.
func (e *Engine) TriggerManualRun() (int, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return 0, ErrNotRunning
	}

	schedule, err := e.schedules.GetActiveSchedule()
	if err != nil {
		return 0, err
	}
	if schedule == nil {
		return 0, database.ErrNoActiveSchedule
	}

	window, err := timewindow.NewInZone(schedule.TimeWindowStart, schedule.TimeWindowEnd,
		schedule.TimeWindowEnabled, schedule.TimeWindowTimezone)
	if err != nil {
		return 0, err
	}
	if !window.InWindow(time.Now()) {
		return 0, ErrOutsideWindow
	}

	return e.dispatch(schedule, "manual"), nil
}

// PendingSelection previews what the next run would dispatch without
// starting anything.
func (e *Engine) PendingSelection() ([]Candidate, error) {
	schedule, err := e.schedules.GetActiveSchedule()
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, database.ErrNoActiveSchedule
	}

	desired, err := e.sync.DesiredModels()
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(desired))
	for _, d := range desired {
		enabled[d.Name] = d.IsEnabled()
	}

	e.mu.Lock()
	activeCount := len(e.active)
	e.mu.Unlock()

	return e.selector.Select(enabled, schedule.MaxConcurrentDownloads, activeCount)
}

// dispatch selects candidates under the schedule's cap and starts one
// download per candidate. Failures are isolated per item: one model's error
// never blocks the rest of the batch.
func (e *Engine) dispatch(schedule *database.ScheduleConfiguration, trigger string) int {
	// The desired list is authoritative for what may download; if it cannot
	// be read the run is skipped rather than guessed at.
	desired, err := e.sync.DesiredModels()
	if err != nil {
		slog.Error("Failed to load desired list, skipping run", "error", err)
		return 0
	}
	enabled := make(map[string]bool, len(desired))
	for _, d := range desired {
		enabled[d.Name] = d.IsEnabled()
	}

	e.mu.Lock()
	activeCount := len(e.active)
	e.mu.Unlock()

	candidates, err := e.selector.Select(enabled, schedule.MaxConcurrentDownloads, activeCount)
	if err != nil {
		slog.Error("Model selection failed", "error", err)
		return 0
	}
	if len(candidates) == 0 {
		slog.Debug("Nothing to download", "trigger", trigger)
		return 0
	}

	started := 0
	for _, c := range candidates {
		if err := e.startDownload(schedule, c, trigger); err != nil {
			slog.Error("Failed to start download", "model", c.Model.Name, "error", err)
			continue
		}
		started++
	}

	e.audit("dispatch", fmt.Sprintf("dispatched %d of %d selected models", started, len(candidates)),
		map[string]string{"trigger": trigger, "schedule": schedule.Name})
	return started
}

func (e *Engine) startDownload(schedule *database.ScheduleConfiguration, c Candidate, trigger string) error {
	session, err := e.openSession(schedule, c, trigger)
	if err != nil {
		return err
	}

	if err := e.transitionToDownloading(c); err != nil {
		if cancelErr := e.sessions.CancelSession(session.ID, "model transition rejected"); cancelErr != nil {
			slog.Error("Failed to cancel orphaned session", "session", session.ID, "error", cancelErr)
		}
		return err
	}

	// Registration is atomic with the running check: a download must never
	// join the WaitGroup after Stop has begun draining it.
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		if err := e.sessions.CancelSession(session.ID, "scheduler stopping"); err != nil {
			slog.Error("Failed to cancel session on shutdown", "session", session.ID, "error", err)
		}
		if err := e.models.SetModelStatusUnchecked(c.Model.ID, database.ModelPending); err != nil {
			slog.Error("Failed to requeue model on shutdown", "model", c.Model.Name, "error", err)
		}
		return ErrNotRunning
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.active[session.ID] = &activeDownload{
		sessionID: session.ID,
		modelID:   c.Model.ID,
		modelName: c.Model.Name,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	e.wg.Add(1)
	e.mu.Unlock()

	slog.Info("Download started", "model", c.Model.Name, "session", session.ID,
		"trigger", trigger, "is_retry", c.IsRetry, "attempt", c.Attempt, "max_attempts", c.MaxAttempts)

	go e.runDownload(ctx, cancel, c.Model, *session)
	return nil
}

// retryLineageDepth bounds the history scan for the last failed session of a
// retry candidate.
const retryLineageDepth = 10

// openSession creates the tracking row for a download attempt. Retry
// candidates continue the lineage of their most recent failed session, so its
// retry count records which attempt this is; everything else starts fresh.
func (e *Engine) openSession(schedule *database.ScheduleConfiguration, c Candidate, trigger string) (*database.DownloadSession, error) {
	if c.IsRetry {
		history, err := e.sessions.GetSessionHistory(c.Model.ID, retryLineageDepth)
		if err != nil {
			return nil, err
		}
		for _, prev := range history {
			if prev.Status == database.SessionFailed {
				return e.sessions.RetrySession(prev.ID, &schedule.ID)
			}
		}
	}
	return e.sessions.CreateSession(c.Model.ID, &schedule.ID, database.SessionMeta{Trigger: trigger})
}

// transitionToDownloading moves the candidate's model to downloading. The
// state machine has no failed -> downloading edge, so retry candidates hop
// through pending first.
func (e *Engine) transitionToDownloading(c Candidate) error {
	if c.IsRetry && c.Model.Status == database.ModelFailed {
		if err := e.models.UpdateModelStatus(c.Model.ID, database.ModelPending, ""); err != nil {
			return err
		}
	}
	return e.models.UpdateModelStatus(c.Model.ID, database.ModelDownloading, "")
}

func (e *Engine) runDownload(ctx context.Context, cancel context.CancelFunc, model database.Model, session database.DownloadSession) {
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.active, session.ID)
		e.mu.Unlock()
		e.wg.Done()
	}()

	outcome, err := e.executor.Execute(ctx, model, session, func(done int64, total *int64) {
		if err := e.sessions.UpdateProgress(session.ID, done, total); err != nil {
			slog.Warn("Failed to record progress", "session", session.ID, "error", err)
		}
	})

	switch {
	case err == nil:
		e.finishCompleted(model, session, outcome)
	case errors.Is(err, context.Canceled):
		e.finishCancelled(model, session)
	default:
		e.finishFailed(model, session, err)
	}
}

func (e *Engine) finishCompleted(model database.Model, session database.DownloadSession, outcome *downloader.Outcome) {
	if err := e.sessions.CompleteSession(session.ID); err != nil {
		slog.Error("Failed to complete session", "session", session.ID, "error", err)
	}
	if err := e.models.UpdateModelStatus(model.ID, database.ModelCompleted, outcome.Path); err != nil {
		slog.Error("Failed to mark model completed", "model", model.Name, "error", err)
	}
	err := e.models.UpdateModelMeta(model.ID, func(meta *database.ModelMeta) {
		meta.RetryCount = 0
		meta.LastFailedAt = nil
	})
	if err != nil {
		slog.Error("Failed to reset retry metadata", "model", model.Name, "error", err)
	}
	e.writeThrough(model.Name, string(database.ModelCompleted))
	slog.Info("Download completed", "model", model.Name, "session", session.ID,
		"bytes", outcome.BytesDownloaded, "path", outcome.Path)
}

func (e *Engine) finishFailed(model database.Model, session database.DownloadSession, cause error) {
	if err := e.sessions.FailSession(session.ID, cause.Error()); err != nil {
		slog.Error("Failed to fail session", "session", session.ID, "error", err)
	}
	if err := e.models.UpdateModelStatus(model.ID, database.ModelFailed, ""); err != nil {
		slog.Error("Failed to mark model failed", "model", model.Name, "error", err)
	}
	now := time.Now().UTC()
	err := e.models.UpdateModelMeta(model.ID, func(meta *database.ModelMeta) {
		meta.RetryCount++
		meta.LastFailedAt = &now
	})
	if err != nil {
		slog.Error("Failed to record failure metadata", "model", model.Name, "error", err)
	}
	e.writeThrough(model.Name, string(database.ModelFailed))
	slog.Error("Download failed", "model", model.Name, "session", session.ID, "error", cause)
}

// finishCancelled returns the model to the queue: a cancelled attempt is not
// a failure and must not burn retry budget.
func (e *Engine) finishCancelled(model database.Model, session database.DownloadSession) {
	if err := e.sessions.CancelSession(session.ID, "download cancelled"); err != nil {
		slog.Error("Failed to cancel session", "session", session.ID, "error", err)
	}
	if err := e.models.SetModelStatusUnchecked(model.ID, database.ModelPending); err != nil {
		slog.Error("Failed to requeue cancelled model", "model", model.Name, "error", err)
	}
	e.writeThrough(model.Name, string(database.ModelPending))
	slog.Info("Download cancelled", "model", model.Name, "session", session.ID)
}

func (e *Engine) writeThrough(name, status string) {
	if err := e.sync.UpdateModelStatus(name, status); err != nil {
		slog.Warn("Failed to write status through to desired list", "model", name, "error", err)
	}
}

// CancelDownload cancels one in-flight download, addressed by session id or
// model name. The model returns to pending via the normal cancellation path.
func (e *Engine) CancelDownload(ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.active[ref]
	if !ok {
		for _, candidate := range e.active {
			if candidate.modelName == ref {
				d, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("cancel %s: %w", ref, ErrDownloadNotFound)
	}
	d.cancel()
	slog.Info("Cancellation requested", "session", d.sessionID, "model", d.modelName)
	return nil
}

// NextRunTime returns the earliest upcoming cron fire, or zero when stopped.
func (e *Engine) NextRunTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return time.Time{}
	}
	var next time.Time
	for _, entry := range e.cron.Entries() {
		if next.IsZero() || entry.Next.Before(next) {
			next = entry.Next
		}
	}
	return next
}

// ActiveInfo describes one in-flight download for status reporting.
type ActiveInfo struct {
	SessionID string    `json:"session_id"`
	ModelID   string    `json:"model_id"`
	ModelName string    `json:"model_name"`
	StartedAt time.Time `json:"started_at"`
}

// StatusReport is the engine's externally visible state.
type StatusReport struct {
	Running         bool         `json:"running"`
	NextRun         *time.Time   `json:"next_run,omitempty"`
	ActiveDownloads []ActiveInfo `json:"active_downloads"`
}

func (e *Engine) Status() StatusReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := StatusReport{Running: e.running, ActiveDownloads: []ActiveInfo{}}
	for _, d := range e.active {
		report.ActiveDownloads = append(report.ActiveDownloads, ActiveInfo{
			SessionID: d.sessionID,
			ModelID:   d.modelID,
			ModelName: d.modelName,
			StartedAt: d.startedAt,
		})
	}
	if e.running {
		var next time.Time
		for _, entry := range e.cron.Entries() {
			if next.IsZero() || entry.Next.Before(next) {
				next = entry.Next
			}
		}
		if !next.IsZero() {
			report.NextRun = &next
		}
	}
	return report
}

// housekeepingLoop periodically purges old terminal sessions and audit logs.
func (e *Engine) housekeepingLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.cleanupDays <= 0 {
				continue
			}
			if n, err := e.sessions.CleanupOlderThan(e.cleanupDays); err != nil {
				slog.Error("Session cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("Purged old sessions", "count", n)
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -e.cleanupDays)
			if n, err := e.systemLogs.PruneBefore(cutoff); err != nil {
				slog.Error("Audit log prune failed", "error", err)
			} else if n > 0 {
				slog.Info("Pruned audit logs", "count", n)
			}
		}
	}
}

func (e *Engine) audit(logType, message string, details map[string]string) {
	if err := e.systemLogs.AddLog(logType, message, details); err != nil {
		slog.Warn("Failed to write audit log", "type", logType, "error", err)
	}
}

// weekendDayNumbers maps desired-list day names to cron day-of-week values.
var weekendDayNumbers = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

// cronSpecs expands a schedule into standard five-field cron entries. A
// weekly schedule yields one entry on its day; weekend override adds one
// entry per listed day on top of the base cadence.
func cronSpecs(s *database.ScheduleConfiguration) ([]string, error) {
	hour, minute, err := splitTime(s.Time)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var specs []string
	add := func(spec string) {
		if !seen[spec] {
			seen[spec] = true
			specs = append(specs, spec)
		}
	}

	switch s.Type {
	case database.ScheduleDaily:
		add(fmt.Sprintf("%d %d * * *", minute, hour))
	case database.ScheduleWeekly:
		if s.DayOfWeek == nil {
			return nil, fmt.Errorf("weekly schedule %s has no day_of_week", s.ID)
		}
		add(fmt.Sprintf("%d %d * * %d", minute, hour, *s.DayOfWeek))
	default:
		return nil, fmt.Errorf("unsupported schedule type %q", s.Type)
	}

	if s.WeekendEnabled {
		for _, day := range s.WeekendDays {
			num, ok := weekendDayNumbers[strings.ToLower(day)]
			if !ok {
				return nil, fmt.Errorf("unknown weekend day %q", day)
			}
			add(fmt.Sprintf("%d %d * * %d", minute, hour, num))
		}
	}

	return specs, nil
}

func splitTime(value string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid schedule time %q: use HH:MM", value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid schedule time %q: use HH:MM", value)
	}
	return hour, minute, nil
}
