package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskwatch/internal/agent"
	"deskwatch/internal/config"
	"deskwatch/internal/database"
	"deskwatch/internal/engine"
	"deskwatch/internal/episodes"
	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/platform"
	"deskwatch/internal/queue"
	"deskwatch/internal/transport"
)

func main() {
	configPath := flag.String("config", "deskwatch-agent.toml", "path to the agent configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "deskwatch-agent:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewDefaultLogger()
	apperrors.SetRetryLogger(apperrors.NewLoggerBridge(logger))

	dbCfg := database.DefaultConfig(database.SchemaAgent)
	dbCfg.Path = cfg.DatabasePath

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := database.NewSQLiteService(logger)
	if err := svc.Connect(ctx, dbCfg); err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.Migrate(ctx); err != nil {
		return err
	}

	idleAPI := platform.NewIdleAPI()
	windowAPI := platform.NewWindowAPI()

	tracker := episodes.New(windowAPI, episodes.DefaultParams(), logger)
	eng := engine.New(idleAPI.IdleSeconds, tracker.InCall, engine.DefaultParams(), logger)

	store := queue.NewStore(svc.DB(), queue.DefaultMaxRetries, logger)
	client := transport.NewClient(cfg.ServerURL,
		time.Duration(cfg.RequestTimeoutSeconds)*time.Second, logger)
	sender := transport.NewQueuedSender(client, store, logger)
	retrier := queue.NewRetrier(store, client, 0, logger)

	orchestrator := agent.New(cfg, eng, tracker, store, retrier, client, sender, logger)

	logger.Info("Agent starting", "server", cfg.ServerURL, "deviceId", cfg.DeviceID)
	return orchestrator.Run(ctx)
}
