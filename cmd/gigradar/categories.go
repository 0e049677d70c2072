package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/amishk599/gigradar/internal/lifecycle"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List categories with scrape status",
	Long:  "Prints every category with its cursor, last scrape time, consecutive failures and stored job count.",
	RunE:  runCategories,
}

func init() {
	rootCmd.AddCommand(categoriesCmd)
}

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	tableDimStyle    = tableCellStyle.Foreground(lipgloss.Color("240"))
)

func runCategories(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fail("failed to load config: %v", err)
	}

	ctx := context.Background()
	st, err := openStore(cfg)
	if err != nil {
		fail("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.SyncCategories(ctx, lifecycle.Categories(cfg.Categories)); err != nil {
		fail("failed to sync categories: %v", err)
	}

	cats, err := st.Categories(ctx)
	if err != nil {
		fail("failed to list categories: %v", err)
	}

	enabled := 0
	disabledRows := make(map[int]bool)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "Name", "Site ref", "Status", "Cursor", "Last scrape", "Failures", "Jobs")
	for i, c := range cats {
		status := "enabled"
		if c.Enabled {
			enabled++
		} else {
			status = "disabled"
			disabledRows[i] = true
		}
		cursor := "-"
		if c.HasCursor {
			cursor = strconv.FormatInt(c.LastSeenID, 10)
		}
		scraped := "never"
		if c.LastScrapedAt != nil {
			scraped = c.LastScrapedAt.Local().Format("2006-01-02 15:04")
		}
		t.Row(strconv.FormatInt(c.ID, 10), c.Name, c.SiteRef, status, cursor, scraped, strconv.Itoa(c.ScrapeFailures), strconv.Itoa(c.JobCount))
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return tableHeaderStyle
		case disabledRows[row]:
			return tableDimStyle
		}
		return tableCellStyle
	})

	fmt.Println(t)
	fmt.Printf("\nTotal: %d categories (%d enabled, %d disabled)\n", len(cats), enabled, len(cats)-enabled)
	return nil
}
