package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenFeederCore/internal/config"
	"github.com/KevinKickass/OpenFeederCore/internal/system"
	"go.uber.org/zap"
)

func main() {
	// Logger initialisieren
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Config laden
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Config loaded successfully")

	// Lifecycle Manager
	lifecycle, err := system.NewLifecycleManager(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create lifecycle manager", zap.Error(err))
	}

	// System starten
	if err := lifecycle.Start(); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("OpenFeederCore started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenFeederCore stopped successfully")
}
