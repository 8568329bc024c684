package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"vidatlas/internal/config"
	"vidatlas/internal/daemon"
	"vidatlas/internal/logging"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// A .env beside the binary fills in environment a unit file omits.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := os.Getenv("VIDATLAS_CONFIG")
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	if err := daemon.Run(ctx, cfg, logger, version); err != nil {
		logger.Error("daemon exited", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("vidatlasd shut down")
}
