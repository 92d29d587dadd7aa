package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fundfeed/internal/app"
	"fundfeed/internal/config"
	"fundfeed/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath))

	engine, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize engine", zap.Error(err))
		os.Exit(1)
	}
	log.Info("engine initialized",
		zap.Uint64("update_id", engine.PriceFeed().UpdateID()),
		zap.String("collector", engine.Collector().Hex()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine terminated", zap.Error(err))
		os.Exit(1)
	}
}
