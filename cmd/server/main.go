package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"trapwatch/go-mqtt-server/internal/app"
	"trapwatch/go-mqtt-server/internal/config"
	"trapwatch/go-mqtt-server/internal/gateway"
	"trapwatch/go-mqtt-server/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(logLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// settings saved through POST /api/config sit between the file and env
	if persisted, err := app.LoadPersisted(ctx, cfg); err != nil {
		logger.Warn("ignoring saved settings", "database", cfg.DatabasePath, "error", err)
	} else {
		cfg = persisted
		level.Set(logLevel(cfg.LogLevel))
	}

	logger.Info("starting trapwatch",
		"vendor_id", fmt.Sprintf("0x%04X", cfg.VendorID),
		"variants", variantNames(cfg.Variants),
		"stale_after", cfg.StaleAfter,
		"queue_size", cfg.QueueSize,
		"adv_topics", gateway.Topic(cfg.AdvTopicPrefix, "+"),
		"state_topics", strings.TrimSuffix(cfg.StateTopicPrefix, "/")+"/+/state",
		"mqtt_bind", cfg.MQTTBindAddress,
		"upstream", upstream(cfg),
		"record_rejects", cfg.RecordRejects,
	)

	application := app.New(cfg, logger)

	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped cleanly")
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// variantNames lists the decoder variants in the order they are tried.
func variantNames(variants []model.Variant) string {
	names := make([]string, 0, len(variants))
	for _, v := range variants {
		names = append(names, v.String())
	}
	return strings.Join(names, ",")
}

func upstream(cfg config.Config) string {
	if cfg.UpstreamBroker == "" {
		return "disabled"
	}
	return cfg.UpstreamBroker + " " + cfg.EffectiveUpstreamTopic()
}
