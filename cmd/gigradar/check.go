package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amishk599/gigradar/internal/browse"
	"github.com/amishk599/gigradar/internal/lifecycle"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Preview one scrape cycle, print findings, exit",
	Long:  "One-shot newest-check and first listing page per enabled category. Nothing is written and nobody is notified.",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	source, err := lifecycle.Source(cfg, logger)
	if err != nil {
		logger.Error("failed to create site adapter", "error", err)
		os.Exit(1)
	}

	logger.Info("check mode: nothing will be committed")
	if err := source.Reachable(ctx); err != nil {
		logger.Error("site unreachable", "error", err)
		os.Exit(1)
	}

	failed := 0
	for _, c := range enabledCategories(cfg) {
		p, err := browse.Load(ctx, source, st, c)
		if err != nil {
			logger.Error("preview failed", "category", c.Name, "error", err)
			failed++
			continue
		}
		switch {
		case !p.Seeded:
			fmt.Printf("%-20s first run: %d listing entries would be seeded without notifying\n", c.Name, len(p.Listing))
		case !p.Changed():
			fmt.Printf("%-20s unchanged (newest %d, cursor %d)\n", c.Name, p.Newest.ID, p.Cursor)
		default:
			fmt.Printf("%-20s %d new on page 1 (newest %d, cursor %d)\n", c.Name, len(p.Fresh), p.Newest.ID, p.Cursor)
			for _, j := range p.Fresh {
				fmt.Printf("  #%d %s\n", j.ID, j.Title)
			}
		}
	}

	if failed > 0 {
		logger.Error("check finished with failures", "failed", failed)
		os.Exit(1)
	}
	logger.Info("check complete")
	return nil
}
