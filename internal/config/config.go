package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task tracker.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	UpstreamBaseURL string
	StreamBaseURL   string

	UserID                   string
	SessionInactivityTimeout time.Duration

	PollInterval        time.Duration
	CreateRefreshDelay  time.Duration
	ProcessRefreshDelay time.Duration

	AutoReconnect       bool
	StreamRetryInterval time.Duration
	LogRetryBase        time.Duration
	LogRetryCap         time.Duration
	LogRetryMaxAttempts int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "taskwatch"),
		UpstreamBaseURL:          envOrDefault("TASKS_UPSTREAM_URL", "http://localhost:8081"),
		StreamBaseURL:            stringsTrimSpace("TASKS_STREAM_URL"),
		UserID:                   stringsTrimSpace("TASKS_USER_ID"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		PollInterval:             5 * time.Second,
		CreateRefreshDelay:       3 * time.Second,
		ProcessRefreshDelay:      time.Second,
		AutoReconnect:            true,
		StreamRetryInterval:      5 * time.Second,
		LogRetryBase:             time.Second,
		LogRetryCap:              30 * time.Second,
		LogRetryMaxAttempts:      5,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("TASKS_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("TASKS_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CreateRefreshDelay, err = durationFromEnv("TASKS_CREATE_REFRESH_DELAY", cfg.CreateRefreshDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ProcessRefreshDelay, err = durationFromEnv("TASKS_PROCESS_REFRESH_DELAY", cfg.ProcessRefreshDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoReconnect, err = boolFromEnv("TASKS_AUTO_RECONNECT", cfg.AutoReconnect)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamRetryInterval, err = durationFromEnv("TASKS_STREAM_RETRY_INTERVAL", cfg.StreamRetryInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.LogRetryBase, err = durationFromEnv("TASKS_LOG_RETRY_BASE", cfg.LogRetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.LogRetryCap, err = durationFromEnv("TASKS_LOG_RETRY_CAP", cfg.LogRetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.LogRetryMaxAttempts, err = intFromEnv("TASKS_LOG_RETRY_MAX_ATTEMPTS", cfg.LogRetryMaxAttempts)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.UpstreamBaseURL) == "" {
		return Config{}, fmt.Errorf("TASKS_UPSTREAM_URL must not be empty")
	}
	// The stream host defaults to the RPC host.
	if cfg.StreamBaseURL == "" {
		cfg.StreamBaseURL = cfg.UpstreamBaseURL
	}
	if cfg.PollInterval < time.Second {
		return Config{}, fmt.Errorf("TASKS_POLL_INTERVAL must be at least 1s")
	}
	if cfg.StreamRetryInterval < time.Second {
		return Config{}, fmt.Errorf("TASKS_STREAM_RETRY_INTERVAL must be at least 1s")
	}
	if cfg.LogRetryBase <= 0 || cfg.LogRetryCap < cfg.LogRetryBase {
		return Config{}, fmt.Errorf("TASKS_LOG_RETRY_BASE/CAP must be positive with cap >= base")
	}
	if cfg.LogRetryMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("TASKS_LOG_RETRY_MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
