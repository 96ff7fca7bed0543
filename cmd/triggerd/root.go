package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"triggerd/internal/config"
	"triggerd/internal/storage"
	logx "triggerd/pkg/logx"
)

const version = "0.3.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "triggerd",
	Short:         "Workflow trigger scheduler",
	Long:          "triggerd fires workflow executions on daily, weekly and monthly schedules.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadStorageConfig reads only what the store needs, so store-only commands
// work without executor settings.
func loadStorageConfig() (*config.Config, storage.Config, logx.Logger, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, storage.Config{}, logx.Logger{}, fmt.Errorf("load config: %w", err)
	}
	sc, err := config.ResolveStorage(cfg)
	if err != nil {
		return nil, storage.Config{}, logx.Logger{}, err
	}
	level := cfg.Logging.Level
	if level == "" {
		level = "warn"
	}
	return cfg, sc, logx.NewConsole(level), nil
}
