package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort string
	RedisAddr  string
	RedisPass  string
	RedisDB    int

	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	CancelGrace        time.Duration
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration

	WorkerCommand string
	WorkerArgs    []string

	LogLevel  string
	LogFormat string

	RateLimitPerMinute int
	RateLimitBurst     int

	TaskRetention     time.Duration
	RetentionSchedule string
	TaskCacheSize     int
}

var defaults = map[string]any{
	"server_port":           "8080",
	"redis_addr":            "localhost:6379",
	"redis_password":        "",
	"redis_db":              0,
	"max_concurrent_tasks":  3,
	"task_timeout":          5 * time.Minute,
	"cancel_grace":          10 * time.Second,
	"max_retries":           3,
	"retry_base_delay":      30 * time.Second,
	"retry_max_delay":       5 * time.Minute,
	"worker_command":        "",
	"worker_args":           "",
	"log_level":             "info",
	"log_format":            "text",
	"rate_limit_per_minute": 60,
	"rate_limit_burst":      10,
	"task_retention":        7 * 24 * time.Hour,
	"retention_schedule":    "@hourly",
	"task_cache_size":       1024,
}

// Load reads the configuration from the environment. When path is set, the
// file is read first and environment variables override it.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		ServerPort: v.GetString("server_port"),
		RedisAddr:  v.GetString("redis_addr"),
		RedisPass:  v.GetString("redis_password"),
		RedisDB:    v.GetInt("redis_db"),

		MaxConcurrentTasks: v.GetInt("max_concurrent_tasks"),
		TaskTimeout:        v.GetDuration("task_timeout"),
		CancelGrace:        v.GetDuration("cancel_grace"),
		MaxRetries:         v.GetInt("max_retries"),
		RetryBaseDelay:     v.GetDuration("retry_base_delay"),
		RetryMaxDelay:      v.GetDuration("retry_max_delay"),

		WorkerCommand: v.GetString("worker_command"),
		WorkerArgs:    strings.Fields(v.GetString("worker_args")),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		RateLimitPerMinute: v.GetInt("rate_limit_per_minute"),
		RateLimitBurst:     v.GetInt("rate_limit_burst"),

		TaskRetention:     v.GetDuration("task_retention"),
		RetentionSchedule: v.GetString("retention_schedule"),
		TaskCacheSize:     v.GetInt("task_cache_size"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.MaxConcurrentTasks <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_TASKS must be positive"))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, errors.New("TASK_TIMEOUT must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be at least RETRY_BASE_DELAY"))
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit settings must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
