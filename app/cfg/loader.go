package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DatabasePath string `long:"db-path" env:"DB_PATH" default:"./hf_downloader.db" description:"Path to the SQLite database file"`
	ModelsFile   string `long:"models-file" env:"MODELS_FILE" default:"./config/models.yml" description:"Path to the desired-model list file"`
	DownloadDir  string `long:"download-dir" env:"DOWNLOAD_DIR" default:"./models" description:"Directory for downloaded models"`

	// Application configuration
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`
	TickInterval int    `long:"tick-interval" env:"TICK_INTERVAL" default:"30" description:"Engine supervision tick interval in seconds"`
	NoAutoStart  bool   `long:"no-auto-start" env:"NO_AUTO_START" description:"Do not start the scheduler engine on boot"`

	// Failed model retry policy
	RetryFailedModels bool `long:"retry-failed-models" env:"RETRY_FAILED_MODELS" description:"Include failed models in scheduled selection"`
	MaxFailedRetries  int  `long:"max-failed-retries" env:"MAX_FAILED_RETRIES" default:"3" description:"Maximum scheduled retries for a failed model"`
	RetryResetHours   int  `long:"retry-reset-hours" env:"RETRY_RESET_HOURS" default:"24" description:"Hours after which a model's failure count is considered reset"`

	// Download executor tuning
	ChunkSize       int    `long:"chunk-size" env:"CHUNK_SIZE" default:"1048576" description:"Download chunk size in bytes"`
	DownloadTimeout int    `long:"download-timeout" env:"DOWNLOAD_TIMEOUT" default:"3600" description:"Per-download timeout in seconds"`
	MaxRetries      int    `long:"max-retries" env:"MAX_RETRIES" default:"5" description:"Executor-internal retry budget per download"`
	HFEndpoint      string `long:"hf-endpoint" env:"HF_ENDPOINT" default:"https://huggingface.co" description:"Hugging Face endpoint base URL"`
	HFToken         string `long:"hf-token" env:"HF_TOKEN" description:"Hugging Face access token (optional)"`

	// Session housekeeping
	CleanupDays int `long:"cleanup-days" env:"CLEANUP_DAYS" default:"30" description:"Days of terminal download sessions to keep"`

	// Default schedule bootstrap
	ScheduleType   string `long:"schedule-type" env:"SCHEDULE_TYPE" default:"daily" description:"Bootstrap schedule cadence (daily or weekly)"`
	ScheduleTime   string `long:"schedule-time" env:"SCHEDULE_TIME" default:"23:00" description:"Bootstrap schedule time (HH:MM)"`
	MaxConcurrent  int    `long:"max-concurrent" env:"MAX_CONCURRENT_DOWNLOADS" default:"1" description:"Bootstrap schedule concurrency cap (1-10)"`
	WindowEnabled  bool   `long:"window-enabled" env:"TIME_WINDOW_ENABLED" description:"Bootstrap schedule download time window restriction"`
	WindowStart    string `long:"window-start" env:"TIME_WINDOW_START" default:"22:00" description:"Bootstrap time window start (HH:MM)"`
	WindowEnd      string `long:"window-end" env:"TIME_WINDOW_END" default:"07:00" description:"Bootstrap time window end (HH:MM)"`
	WindowTimezone string `long:"window-timezone" env:"TIME_WINDOW_TIMEZONE" default:"local" description:"Time window timezone (local, UTC, or UTC±N)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"hf-download-scheduler/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

func Load() (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DatabasePath:      raw.DatabasePath,
		ModelsFile:        raw.ModelsFile,
		DownloadDir:       raw.DownloadDir,
		Port:              raw.Port,
		APIAccessKey:      raw.APIAccessKey,
		TickInterval:      raw.TickInterval,
		NoAutoStart:       raw.NoAutoStart,
		RetryFailedModels: raw.RetryFailedModels,
		MaxFailedRetries:  raw.MaxFailedRetries,
		RetryResetHours:   raw.RetryResetHours,
		ChunkSize:         raw.ChunkSize,
		DownloadTimeout:   raw.DownloadTimeout,
		MaxRetries:        raw.MaxRetries,
		HFEndpoint:        raw.HFEndpoint,
		HFToken:           raw.HFToken,
		CleanupDays:       raw.CleanupDays,
		ScheduleType:      raw.ScheduleType,
		ScheduleTime:      raw.ScheduleTime,
		MaxConcurrent:     raw.MaxConcurrent,
		WindowEnabled:     raw.WindowEnabled,
		WindowStart:       raw.WindowStart,
		WindowEnd:         raw.WindowEnd,
		WindowTimezone:    raw.WindowTimezone,
		UserAgent:         raw.UserAgent,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	return cfg, nil
}

func validate(cfg *Cfg) error {
	if cfg.MaxConcurrent < 1 || cfg.MaxConcurrent > 10 {
		return fmt.Errorf("max-concurrent must be between 1 and 10, got %d", cfg.MaxConcurrent)
	}
	if cfg.RetryFailedModels && cfg.MaxFailedRetries < 0 {
		return fmt.Errorf("max-failed-retries must be non-negative when retry-failed-models is enabled")
	}
	if cfg.RetryFailedModels && cfg.RetryResetHours <= 0 {
		return fmt.Errorf("retry-reset-hours must be positive when retry-failed-models is enabled")
	}
	if cfg.TickInterval <= 0 || cfg.TickInterval > 60 {
		return fmt.Errorf("tick-interval must be between 1 and 60 seconds, got %d", cfg.TickInterval)
	}
	return nil
}

func applyTimezone(timezone string) error {
	if timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return err
	}
	time.Local = loc
	return nil
}
