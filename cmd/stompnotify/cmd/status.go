package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [destinations...]",
	Short: "Connect, optionally subscribe, and print the connection status",
	Long: `Connect to the broker, subscribe to any given destinations and print
the connection status as JSON. Useful for checking credentials and
destination permissions.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	c, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	connectErr := c.connect(ctx)

	for _, destination := range args {
		c.manager.Subscribe(destination, func(*stompnotify.Message) {})
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c.manager.Status()); err != nil {
		return err
	}

	return connectErr
}
