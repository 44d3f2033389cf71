package cfg

type Cfg struct {
	// Storage configuration
	DatabasePath string
	ModelsFile   string
	DownloadDir  string

	// Application configuration
	Port         string
	APIAccessKey string
	TickInterval int
	NoAutoStart  bool

	// Failed model retry policy
	RetryFailedModels bool
	MaxFailedRetries  int
	RetryResetHours   int

	// Download executor tuning
	ChunkSize       int
	DownloadTimeout int
	MaxRetries      int
	HFEndpoint      string
	HFToken         string

	// Session housekeeping
	CleanupDays int

	// Default schedule bootstrap
	ScheduleType   string
	ScheduleTime   string
	MaxConcurrent  int
	WindowEnabled  bool
	WindowStart    string
	WindowEnd      string
	WindowTimezone string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
