package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amishk599/gigradar/internal/lifecycle"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the watcher daemon",
	Long:  "Start the poller and notification worker; blocks until SIGINT/SIGTERM, then drains queued notifications within delivery.shutdown_grace.",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("config loaded",
		"database", cfg.Database,
		"poll_interval", cfg.PollInterval.String(),
		"full_scrape", cfg.FullScrapeSpec,
		"categories", len(cfg.EnabledCategories()),
		"unknown_rate", cfg.Matching.UnknownRate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := lifecycle.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build components", "error", err)
		os.Exit(1)
	}
	if err := app.Start(ctx); err != nil {
		logger.Error("failed to start", "error", err)
		app.Stop(cfg.Delivery.ShutdownGrace)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-app.Done():
		logger.Error("a loop exited unexpectedly", "error", app.Err())
	}

	if err := app.Stop(cfg.Delivery.ShutdownGrace); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("goodbye")
	return nil
}
