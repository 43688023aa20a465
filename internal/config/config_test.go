package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.SessionTimeout != 24*time.Hour {
		t.Fatalf("SessionTimeout = %v, want 24h", cfg.SessionTimeout)
	}
	if cfg.MaxSessions != 1000 {
		t.Fatalf("MaxSessions = %d, want 1000", cfg.MaxSessions)
	}
	if cfg.ReplyThreadTTL != cfg.SessionTimeout {
		t.Fatalf("ReplyThreadTTL = %v, want session timeout %v", cfg.ReplyThreadTTL, cfg.SessionTimeout)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = true, want false by default")
	}
	if cfg.WSPingInterval != 30*time.Second {
		t.Fatalf("WSPingInterval = %v, want 30s", cfg.WSPingInterval)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_TIMEOUT", "30m")
	t.Setenv("APP_MAX_SESSIONS", "25")
	t.Setenv("APP_REPLY_THREAD_TTL", "10m")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("APP_WS_PING_INTERVAL", "15s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionTimeout != 30*time.Minute {
		t.Fatalf("SessionTimeout = %v, want 30m", cfg.SessionTimeout)
	}
	if cfg.MaxSessions != 25 {
		t.Fatalf("MaxSessions = %d, want 25", cfg.MaxSessions)
	}
	if cfg.ReplyThreadTTL != 10*time.Minute {
		t.Fatalf("ReplyThreadTTL = %v, want 10m", cfg.ReplyThreadTTL)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.WSPingInterval != 15*time.Second {
		t.Fatalf("WSPingInterval = %v, want 15s", cfg.WSPingInterval)
	}
}

func TestLoadRejectsZeroPingInterval(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_WS_PING_INTERVAL", "0s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted a zero ping interval")
	}
}

func TestLoadRejectsShortSessionTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_TIMEOUT", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted 1s session timeout")
	}
}

func TestLoadRejectsInvalidCron(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_STATS_ROLLOVER_CRON", "not a cron")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted invalid cron expression")
	}
}

func TestLoadRequiresChatIDWithToken(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted bot token without group id")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_TIMEOUT",
		"APP_SWEEP_INTERVAL",
		"APP_MAX_SESSIONS",
		"APP_REPLY_THREAD_TTL",
		"APP_REPLY_THREAD_CAP",
		"APP_ADMIN_SEND_TIMEOUT",
		"APP_WS_READ_LIMIT",
		"APP_WS_PING_INTERVAL",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_METRICS_NAMESPACE",
		"APP_STATS_ROLLOVER_CRON",
		"APP_CONTENT_DIR",
		"DATABASE_URL",
		"TELEGRAM_BOT_TOKEN",
		"TELEGRAM_GROUP_ID",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
