package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// updateCmd represents the update command
var updateCmd = &cobra.Command{
	Use:   "update <order|product|inventory> <entity-id> <action> [data]",
	Short: "Send a real-time entity update",
	Long: `Send a real-time update for an order, product or inventory entity.
The update is addressed to all users. Data is sent as JSON when it parses
as JSON and as a string otherwise.

Examples:
  stompnotify update order 42 SHIPPED '{"carrier":"ups"}'
  stompnotify update inventory sku-7 ADJUSTED '{"quantity":12}'`,
	Args: cobra.RangeArgs(3, 4),
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	kind := strings.ToLower(args[0])
	entityID := parseEntityID(args[1])
	action := args[2]

	var data any
	if len(args) == 4 {
		data = parseMessage(args[3])
	}

	switch kind {
	case "order", "orders", "product", "products", "inventory":
	default:
		return fmt.Errorf("unknown entity type %q, expected order, product or inventory", args[0])
	}

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

	if err := c.connect(ctx); err != nil {
		return err
	}

	var sent bool
	switch kind {
	case "order", "orders":
		sent = c.manager.SendOrderUpdate(entityID, action, data)
	case "product", "products":
		sent = c.manager.SendProductUpdate(entityID, action, data)
	case "inventory":
		sent = c.manager.SendInventoryUpdate(entityID, action, data)
	}
	if !sent {
		return fmt.Errorf("failed to send %s update", kind)
	}

	logger.Info("Update sent",
		zap.String("entity", kind),
		zap.Any("entity-id", entityID),
		zap.String("action", action),
	)

	return nil
}
