package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults for everything that has a sensible one. Secrets and
	// connection strings must always come from the environment.
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("queue.worker_count", 2)
	v.SetDefault("queue.max_active", 4)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_type", "exponential")
	v.SetDefault("queue.initial_delay", 5*time.Second)
	v.SetDefault("queue.max_delay", 5*time.Minute)
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.stuck_job_age", 30*time.Minute)
	v.SetDefault("executor.analyze_failures", true)
	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.rate_limit_enabled", true)
	v.SetDefault("llm.rate_limit_max_requests", 60)
	v.SetDefault("llm.rate_limit_window", time.Minute)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.initial_backoff", time.Second)
	v.SetDefault("llm.backoff_multiplier", 2.0)
	v.SetDefault("llm.max_backoff", 30*time.Second)
	v.SetDefault("llm.jitter_factor", 0.2)

	// Register secret keys with empty defaults so AutomaticEnv can
	// populate them during Unmarshal; validation rejects empty values.
	v.SetDefault("database.url", "")
	v.SetDefault("server.admin_jwt_secret", "")
	v.SetDefault("executor.runner_url", "")
	v.SetDefault("llm.gemini_api_key", "")

	// Optional config file in the working directory.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; environment variables carry the rest.
	}

	// Environment variables with KESTREL_ prefix, e.g. KESTREL_DATABASE_URL.
	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
