// Package main runs the bridge that republishes Postgres row-change
// notifications onto the NATS change stream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/config"
	natsclient "github.com/capitalize-ai/live-conversations/internal/nats"
	"github.com/capitalize-ai/live-conversations/internal/postgres"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		Name:     "live-conversations-bridge",
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	streamManager := natsclient.NewStreamManager(natsClient, log)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure stream", zap.Error(err))
	}

	log.Info("starting change bridge")
	if err := postgres.NewBridge(cfg.DatabaseURL, streamManager, log).Run(ctx); err != nil {
		log.Fatal("change bridge stopped", zap.Error(err))
	}
	log.Info("change bridge stopped")
}
