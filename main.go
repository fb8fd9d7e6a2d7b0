package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/risk-stream/config"
	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/service"
)

// shutdownTimeout bounds the final drain and flush
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional file with RISKSTREAM_* overrides")
	flag.Parse()

	if err := run(*configPath, *envPath); err != nil {
		logger.Fatal("%v", err)
	}
	logger.Close()
}

func run(configPath, envPath string) error {
	if err := config.LoadEnvFile(envPath); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	// Watch config file for changes
	if err := config.WatchConfig(configPath, svc.Reload); err != nil {
		// Not fatal, continue running
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching %s for changes", configPath)
	}

	// the processor context is never cancelled, shutdown goes through Stop
	svc.Start(context.Background())

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-svc.Done():
		logger.Error("batch processor exited, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return svc.Stop(shutdownCtx)
}
