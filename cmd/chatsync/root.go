package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"advancechat-sync/internal/cache"
	"advancechat-sync/internal/config"
	"advancechat-sync/internal/logging"
	"advancechat-sync/internal/session"
)

var version = "dev"

type app struct {
	cfg    config.Config
	logger *zap.Logger
}

var (
	cli      app
	logLevel string
	envFile  string
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Realtime sync client for AdvanceChat",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnv(envFile); err != nil {
			return err
		}
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		cli = app{cfg: cfg, logger: logger}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cli.logger != nil {
			_ = cli.logger.Sync()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load variables from this file instead of ./.env")
}

// loadEnv reads a dotenv file. Without an explicit path a missing ./.env is
// not an error.
func loadEnv(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func sessionPath(cfg config.Config) (string, error) {
	if cfg.SessionFile != "" {
		return cfg.SessionFile, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "chatsync", "session.json"), nil
}

// openSession prefers CHAT_TOKEN and falls back to the session file written
// by the login command.
func openSession(cfg config.Config) (session.Provider, error) {
	if cfg.Token != "" {
		return session.NewStatic(cfg.Token, nil), nil
	}
	path, err := sessionPath(cfg)
	if err != nil {
		return nil, err
	}
	f, err := session.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	if f.Token() == "" {
		return nil, errors.New("not logged in: set CHAT_TOKEN or run chatsync login")
	}
	return f, nil
}

func openCache(cfg config.Config) (*cache.Cache, error) {
	if cfg.CacheDir == "" {
		return nil, nil
	}
	return cache.Open(cfg.CacheDir)
}
