package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the bridge service.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration

	SessionTimeout time.Duration
	SweepInterval  time.Duration
	MaxSessions    int

	ReplyThreadTTL time.Duration
	ReplyThreadCap int

	AdminSendTimeout time.Duration

	WSReadLimit    int64
	WSPingInterval time.Duration
	AllowAnyOrigin bool

	MetricsNamespace  string
	StatsRolloverCron string

	ContentDir  string
	DatabaseURL string

	TelegramBotToken string
	TelegramChatID   string
}

// Load reads .env (when present) and environment variables, applying
// safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "chatbridge"),
		StatsRolloverCron: envOrDefault("APP_STATS_ROLLOVER_CRON", "0 0 * * *"),
		ContentDir:        trimmedEnv("APP_CONTENT_DIR"),
		DatabaseURL:       trimmedEnv("DATABASE_URL"),
		TelegramBotToken:  trimmedEnv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    trimmedEnv("TELEGRAM_GROUP_ID"),
		ShutdownTimeout:   15 * time.Second,
		SessionTimeout:    24 * time.Hour,
		SweepInterval:     5 * time.Minute,
		MaxSessions:       1000,
		ReplyThreadCap:    10000,
		AdminSendTimeout:  10 * time.Second,
		WSReadLimit:       10 << 20,
		WSPingInterval:    30 * time.Second,
		AllowAnyOrigin:    false,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTimeout, err = durationFromEnv("APP_SESSION_TIMEOUT", cfg.SessionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AdminSendTimeout, err = durationFromEnv("APP_ADMIN_SEND_TIMEOUT", cfg.AdminSendTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessions, err = intFromEnv("APP_MAX_SESSIONS", cfg.MaxSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyThreadCap, err = intFromEnv("APP_REPLY_THREAD_CAP", cfg.ReplyThreadCap)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	wsLimit, err := intFromEnv("APP_WS_READ_LIMIT", int(cfg.WSReadLimit))
	if err != nil {
		return Config{}, err
	}
	cfg.WSReadLimit = int64(wsLimit)

	cfg.WSPingInterval, err = durationFromEnv("APP_WS_PING_INTERVAL", cfg.WSPingInterval)
	if err != nil {
		return Config{}, err
	}

	// Reply threads default to living exactly as long as sessions do.
	cfg.ReplyThreadTTL, err = durationFromEnv("APP_REPLY_THREAD_TTL", cfg.SessionTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_TIMEOUT must be at least 5s")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("APP_SWEEP_INTERVAL must be positive")
	}
	if cfg.MaxSessions < 0 {
		return Config{}, fmt.Errorf("APP_MAX_SESSIONS must be >= 0")
	}
	if cfg.ReplyThreadCap <= 0 {
		return Config{}, fmt.Errorf("APP_REPLY_THREAD_CAP must be positive")
	}
	if cfg.WSReadLimit <= 0 {
		return Config{}, fmt.Errorf("APP_WS_READ_LIMIT must be positive")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("APP_WS_PING_INTERVAL must be positive")
	}
	if !gronx.IsValid(cfg.StatsRolloverCron) {
		return Config{}, fmt.Errorf("APP_STATS_ROLLOVER_CRON is not a valid cron expression: %q", cfg.StatsRolloverCron)
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID == "" {
		return Config{}, fmt.Errorf("TELEGRAM_GROUP_ID is required when TELEGRAM_BOT_TOKEN is set")
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

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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
