package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/navono/hf-download-scheduler/app/api"
	"github.com/navono/hf-download-scheduler/app/cfg"
	"github.com/navono/hf-download-scheduler/app/database"
	"github.com/navono/hf-download-scheduler/app/downloader"
	"github.com/navono/hf-download-scheduler/app/scheduler"
	modelsync "github.com/navono/hf-download-scheduler/app/sync"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown, exit gracefully
		return
	}

	setupLogger(appCfg.Debug)
	slog.Info("Starting HF Download Scheduler", "version", appCfg.Version)

	db, err := database.NewConnection(appCfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to open database", "path", appCfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database ready", "path", appCfg.DatabasePath, "schema_version", version, "dirty", dirty)

	modelRepo := database.NewModelRepository(db)
	scheduleRepo := database.NewScheduleRepository(db)
	sessionRepo := database.NewSessionRepository(db)
	systemConfigRepo := database.NewSystemConfigRepository(db)
	systemLogRepo := database.NewSystemLogRepository(db)

	// Anything still marked active at this point was interrupted by the
	// previous process dying; repair before the engine starts.
	if n, err := sessionRepo.RepairInterruptedSessions(); err != nil {
		slog.Error("Failed to repair interrupted sessions", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Warn("Repaired interrupted sessions from previous run", "count", n)
	}
	if n, err := modelRepo.RepairInterruptedModels(); err != nil {
		slog.Error("Failed to repair interrupted models", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Warn("Requeued models stuck in downloading", "count", n)
	}

	if err := systemConfigRepo.InitializeDefaults(); err != nil {
		slog.Error("Failed to initialize system configuration", "error", err)
		os.Exit(1)
	}

	if err := bootstrapSchedule(scheduleRepo, appCfg); err != nil {
		slog.Error("Failed to bootstrap default schedule", "error", err)
		os.Exit(1)
	}

	modelsFile := modelsync.NewModelsFile(appCfg.ModelsFile)
	syncService := modelsync.NewService(modelRepo, modelsFile)

	if result, err := syncService.FullSync(); err != nil {
		slog.Error("Initial reconciliation failed", "error", err)
		os.Exit(1)
	} else {
		slog.Info("Initial reconciliation completed",
			"added", result.ExternalToStore.Added,
			"updated", result.ExternalToStore.Updated,
			"remaining_differences", result.RemainingDifferences)
	}

	executor := downloader.NewHTTPExecutor(downloader.Options{
		Endpoint:   appCfg.HFEndpoint,
		Token:      appCfg.HFToken,
		UserAgent:  appCfg.UserAgent,
		Dir:        appCfg.DownloadDir,
		ChunkSize:  int64(appCfg.ChunkSize),
		MaxRetries: appCfg.MaxRetries,
		Timeout:    time.Duration(appCfg.DownloadTimeout) * time.Second,
	})

	selector := scheduler.NewSelector(modelRepo, scheduler.RetryPolicy{
		Enabled:    appCfg.RetryFailedModels,
		MaxRetries: appCfg.MaxFailedRetries,
		ResetAfter: time.Duration(appCfg.RetryResetHours) * time.Hour,
	})

	engine := scheduler.New(scheduler.Options{
		Schedules:   scheduleRepo,
		Models:      modelRepo,
		Sessions:    sessionRepo,
		SystemLogs:  systemLogRepo,
		Sync:        syncService,
		Selector:    selector,
		Executor:    executor,
		CleanupDays: appCfg.CleanupDays,
		Tick:        time.Duration(appCfg.TickInterval) * time.Second,
	})

	if appCfg.NoAutoStart {
		slog.Info("Scheduler auto-start disabled")
	} else if err := engine.Start(); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	apiHandler := api.NewHandler(modelRepo, scheduleRepo, sessionRepo, systemLogRepo,
		syncService, engine, appCfg.Version)
	server := api.NewServer(apiHandler, appCfg.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Engine is stopped via defer; it cancels in-flight downloads and waits
	// for their bookkeeping, returning cancelled models to pending.
	slog.Info("Shutdown complete")
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// bootstrapSchedule guarantees the engine has something to run: on an empty
// schedule table it creates and enables a default built from configuration.
func bootstrapSchedule(schedules database.ScheduleRepository, appCfg *cfg.Cfg) error {
	existing, err := schedules.GetAllSchedules()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	created, err := schedules.CreateSchedule(database.ScheduleConfiguration{
		Name:                   "default",
		Type:                   database.ScheduleType(appCfg.ScheduleType),
		Time:                   appCfg.ScheduleTime,
		MaxConcurrentDownloads: appCfg.MaxConcurrent,
		TimeWindowEnabled:      appCfg.WindowEnabled,
		TimeWindowStart:        appCfg.WindowStart,
		TimeWindowEnd:          appCfg.WindowEnd,
		TimeWindowTimezone:     appCfg.WindowTimezone,
	})
	if err != nil {
		return err
	}
	if err := schedules.EnableSchedule(created.ID); err != nil {
		return err
	}

	slog.Info("Created default schedule", "type", appCfg.ScheduleType, "time", appCfg.ScheduleTime,
		"max_concurrent", appCfg.MaxConcurrent)
	return nil
}
