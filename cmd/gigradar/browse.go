package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/amishk599/gigradar/internal/browse"
	"github.com/amishk599/gigradar/internal/lifecycle"
)

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Preview category scrapes interactively (TUI)",
	Long:  "Shows the category picker, then a split view of the first listing page and the entries above the stored cursor. Nothing is written.",
	RunE:  runBrowse,
}

func init() {
	rootCmd.AddCommand(browseCmd)
}

func runBrowse(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Any log output once the TUI owns the terminal corrupts the display.
	silent := slog.New(slog.NewTextHandler(io.Discard, nil))
	source, err := lifecycle.Source(cfg, silent)
	if err != nil {
		logger.Error("failed to create site adapter", "error", err)
		os.Exit(1)
	}

	categories := enabledCategories(cfg)
	for {
		choice, err := browse.RunCategoryPicker(categories)
		if err != nil {
			return fmt.Errorf("picker: %w", err)
		}
		if choice < 0 {
			return nil
		}
		c := categories[choice]

		preview, err := browse.RunLoader(c.Name, func(ctx context.Context) (browse.Preview, error) {
			return browse.Load(ctx, source, st, c)
		})
		if err != nil {
			fmt.Printf("Error scraping %s: %v\n", c.Name, err)
			continue
		}

		wantQuit, err := browse.RunPreviewTUI(preview, source)
		if err != nil {
			fmt.Printf("TUI error: %v\n", err)
		}
		if wantQuit {
			return nil
		}
	}
}
