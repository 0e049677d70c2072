package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/amishk599/gigradar/internal/config"
	"github.com/amishk599/gigradar/internal/lifecycle"
	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/store"
)

var (
	cfgPath string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "gigradar",
	Short: "Job-site watcher, first to hear about new projects",
	Long:  "gigradar watches job-site categories and notifies subscribers of new listings over email and Telegram.",
	// Default to `start` so that `gigradar` with no args runs the daemon.
	RunE:          runStart,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default: GIGRADAR_CONFIG env var or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig resolves the config path and parses it.
// Priority: explicit path arg > GIGRADAR_CONFIG env var > "./config.yaml"
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if env := os.Getenv("GIGRADAR_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func setupLogger(dbg bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if dbg {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

// openStore opens the state store for the side commands. It does not take
// the process lock, so it works next to a running daemon.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Database)
}

func enabledCategories(cfg *config.Config) []model.Category {
	return lifecycle.Categories(cfg.EnabledCategories())
}

// fail prints err to stderr and exits non-zero.
func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
