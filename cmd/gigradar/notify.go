package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amishk599/gigradar/internal/lifecycle"
	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/render"
)

var (
	notifyChannel string
	notifyTo      string
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notification subcommands",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test notification",
	Long:  "Renders a sample job and sends it through the configured dispatcher for one channel. The delivery log is not touched.",
	RunE:  runNotifyTest,
}

func init() {
	notifyTestCmd.Flags().StringVar(&notifyChannel, "channel", string(model.ChannelEmail), "channel to test: email or telegram")
	notifyTestCmd.Flags().StringVar(&notifyTo, "to", "", "email address or telegram chat id")
	notifyTestCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifyTestCmd)
}

func runNotifyTest(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	router, err := lifecycle.Dispatchers(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up dispatchers", "error", err)
		os.Exit(1)
	}

	categories := lifecycle.Categories(cfg.Categories)
	sample := model.Job{
		ID:           1,
		Title:        "gigradar test notification",
		Budget:       "$25.00 - $50.00",
		HiringRate:   model.RateOf(100),
		URL:          cfg.Site.BaseURL,
		DiscoveredAt: time.Now(),
	}
	if len(categories) > 0 {
		sample.CategoryID = categories[0].ID
	}

	ch := model.Channel(notifyChannel)
	msg, err := render.New(categories).Jobs(ch, []model.Job{sample})
	if err != nil {
		logger.Error("failed to render test message", "error", err)
		os.Exit(1)
	}

	to := model.Recipient{Channel: ch, Address: notifyTo}
	if err := router.Deliver(ctx, to, msg); err != nil {
		logger.Error("test notification failed", "channel", ch, "outcome", model.ClassifyDelivery(err).String(), "error", err)
		os.Exit(1)
	}
	logger.Info("test notification sent successfully", "channel", ch, "to", notifyTo)
	return nil
}
