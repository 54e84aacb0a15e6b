package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"advancechat-sync/internal/auth"
	"advancechat-sync/internal/config"
	"advancechat-sync/internal/logging"
	"advancechat-sync/internal/server"
	"advancechat-sync/internal/store"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// a missing .env is fine; the real environment still applies
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(cfg.GinMode)
	st := store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: logger})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "advancechat-devserver",
	}
	router := server.NewRouter(server.Deps{
		Store:       st,
		TokenConfig: tokenCfg,
		Logger:      logger,
		Version:     version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.Run(ctx, cfg, router, logger); err != nil {
		logger.Error("server_stopped", zap.Error(err))
		return err
	}
	logger.Info("server_stopped")
	return nil
}
