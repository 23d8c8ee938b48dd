package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Executor ExecutorConfig `mapstructure:"executor" validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
}

// ExecutorConfig locates the external device-runner service that
// performs the actual test execution.
type ExecutorConfig struct {
	// RunnerURL is the device-runner endpoint jobs are dispatched to.
	RunnerURL string `mapstructure:"runner_url" validate:"required,url"`

	// AnalyzeFailures enables LLM-backed failure analysis on failed runs.
	AnalyzeFailures bool `mapstructure:"analyze_failures"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// AdminJWTSecret verifies bearer tokens presented to the admin API.
	AdminJWTSecret string `mapstructure:"admin_jwt_secret" validate:"required,min=32"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// QueueConfig controls the job queue and worker pool.
type QueueConfig struct {
	// WorkerCount determines how many concurrent workers process jobs.
	WorkerCount int `mapstructure:"worker_count" validate:"required,gte=1"`

	// MaxActive caps the number of concurrently active jobs across all workers.
	MaxActive int `mapstructure:"max_active" validate:"required,gte=1"`

	// MaxRetries is the number of times a failed job is re-queued before
	// it becomes terminally failed.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// BackoffType selects how the re-queue delay grows between attempts.
	BackoffType string `mapstructure:"backoff_type" validate:"required,oneof=fixed exponential"`

	// InitialDelay is the base re-queue delay.
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"required,gt=0"`

	// MaxDelay caps the re-queue delay for exponential backoff. Zero means uncapped.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"gte=0"`

	// Retention is how long terminal jobs are kept before CleanQueue prunes them.
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`

	// StuckJobAge is how long a job may stay active before the manager
	// resets it through the timeout path. Zero disables the monitor.
	StuckJobAge time.Duration `mapstructure:"stuck_job_age" validate:"gte=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name" validate:"required"`

	// Sliding-window rate limiting for outbound provider calls.
	RateLimitEnabled     bool          `mapstructure:"rate_limit_enabled"`
	RateLimitMaxRequests int           `mapstructure:"rate_limit_max_requests" validate:"gte=1"`
	RateLimitWindow      time.Duration `mapstructure:"rate_limit_window" validate:"gt=0"`

	// Retry policy for provider calls.
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"required,gte=1"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" validate:"required,gt=0"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"required,gte=1"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"required,gtefield=InitialBackoff"`
	JitterFactor      float64       `mapstructure:"jitter_factor" validate:"gte=0,lte=1"`
}
