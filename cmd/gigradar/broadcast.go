package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <message>",
	Short: "Queue an announcement for every active subscriber",
	Long: "Persists a broadcast. The running daemon picks it up on its next poll cycle and " +
		"delivers it once per subscriber on each enabled channel, ignoring category and hiring-rate filters.",
	Args: cobra.MinimumNArgs(1),
	RunE: runBroadcast,
}

func init() {
	rootCmd.AddCommand(broadcastCmd)
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" {
		return fmt.Errorf("broadcast message is empty")
	}

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

	b, err := st.CreateBroadcast(ctx, message)
	if err != nil {
		fail("failed to create broadcast: %v", err)
	}
	fmt.Printf("broadcast %s queued; the running daemon delivers it on its next cycle\n", b.ID)
	return nil
}
