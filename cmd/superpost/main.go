package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"superpost/internal/app"
	"superpost/internal/region"
	"superpost/pkg/config"
	"superpost/pkg/logger"
)

func main() {
	log := logger.NewLoggerWithLevel(config.GetEnv("LOG_LEVEL", "info"))
	defer log.Sync()

	// 1. Load config (CONFIG_ENV picks primary or secondary)
	cfg, err := region.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}
	log = log.With(zap.String("region", cfg.Region), zap.String("role", cfg.Role))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect stores, transport and the ops API
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Region initialization failed", zap.Error(err))
	}

	// 3. Run until SIGINT/SIGTERM
	if err := a.Run(ctx, 30*time.Second); err != nil {
		log.Error("Region stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Region stopped")
}
