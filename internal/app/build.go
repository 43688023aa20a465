package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antoniostano/chatbridge/internal/adminchannel"
	"github.com/antoniostano/chatbridge/internal/archive"
	"github.com/antoniostano/chatbridge/internal/config"
	"github.com/antoniostano/chatbridge/internal/content"
	"github.com/antoniostano/chatbridge/internal/httpapi"
	"github.com/antoniostano/chatbridge/internal/observability"
	"github.com/antoniostano/chatbridge/internal/registry"
	"github.com/antoniostano/chatbridge/internal/replymap"
	"github.com/antoniostano/chatbridge/internal/router"
	"github.com/antoniostano/chatbridge/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Bridge   *router.Router
	Sessions *session.Store
	Metrics  *observability.Metrics

	// Telegram is nil when no bot token is configured; the bridge then
	// runs against a local mock channel and admin replies go nowhere.
	Telegram *adminchannel.TelegramChannel

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	archives, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive store init failed: %w", err)
	}

	contentSvc, err := content.NewFileService(cfg.ContentDir)
	if err != nil {
		_ = archives.Close()
		return nil, fmt.Errorf("content store init failed: %w", err)
	}

	var admin adminchannel.Channel
	var telegram *adminchannel.TelegramChannel
	if strings.TrimSpace(cfg.TelegramBotToken) != "" {
		telegram, err = adminchannel.NewTelegramChannel(adminchannel.TelegramConfig{
			Token:  cfg.TelegramBotToken,
			ChatID: cfg.TelegramChatID,
			Logger: logger,
		})
		if err != nil {
			_ = archives.Close()
			return nil, fmt.Errorf("telegram channel init failed: %w", err)
		}
		admin = telegram
	} else {
		logger.Warn("no telegram bot token configured, using mock admin channel")
		admin = adminchannel.NewMockChannel()
	}

	sessions := session.NewStore(cfg.SessionTimeout, cfg.MaxSessions)
	conns := registry.New()
	replies := replymap.New(cfg.ReplyThreadTTL, cfg.ReplyThreadCap)

	bridge := router.New(router.Config{
		AdminSendTimeout: cfg.AdminSendTimeout,
		SweepInterval:    cfg.SweepInterval,
	}, sessions, conns, replies, admin, contentSvc, archives, metrics, logger)

	api := httpapi.New(cfg, sessions, conns, bridge, metrics, logger)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Bridge:   bridge,
		Sessions: sessions,
		Metrics:  metrics,
		Telegram: telegram,
		Cleanup:  archives.Close,
	}, nil
}
