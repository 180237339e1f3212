package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"github.com/tsarna/stompnotify/pkg/stompnotify/transform"
	"go.uber.org/zap"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe [destinations...]",
	Short: "Subscribe to destinations and print received messages",
	Long: `Subscribe to STOMP destinations and print each message to stdout as
"<destination><TAB><json>".

If no destinations are given, subscribes to /topic/notifications. Use --user
for user-specific destinations, which are prefixed with /user.

Examples:
  stompnotify subscribe
  stompnotify subscribe /topic/orders /topic/inventory
  stompnotify subscribe --user /queue/notifications
  stompnotify subscribe /topic/products --jq '.data'
  stompnotify subscribe /topic/orders --drop '/topic/orders/+/debug' --diff`,
	RunE: runSubscribe,
}

var (
	userDestinations []string
	jqQuery          string
	dropPatterns     []string
	dropRaw          bool
	diffUpdates      bool
)

func init() {
	rootCmd.AddCommand(subscribeCmd)

	subscribeCmd.Flags().StringArrayVar(&userDestinations, "user", nil, "user destination to subscribe to (repeatable)")
	subscribeCmd.Flags().StringVar(&jqQuery, "jq", "", "jq query applied to each message ($destination is bound)")
	subscribeCmd.Flags().StringArrayVar(&dropPatterns, "drop", nil, "drop messages whose destination matches this MQTT-style pattern (repeatable)")
	subscribeCmd.Flags().BoolVar(&dropRaw, "drop-raw", false, "drop messages whose body is not JSON")
	subscribeCmd.Flags().BoolVar(&diffUpdates, "diff", false, "reduce old/new update payloads to their difference")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	transforms, err := subscribeTransforms(logger)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	destinations := args
	if len(destinations) == 0 && len(userDestinations) == 0 {
		destinations = []string{stompnotify.TopicNotifications}
	}

	logger.Info("Starting subscription",
		zap.String("url", cfg.URL),
		zap.Strings("destinations", destinations),
		zap.Strings("user-destinations", userDestinations),
	)

	c, err := newClient(cfg, logger, transforms...)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := c.connect(ctx); err != nil {
		return err
	}

	printer := &messagePrinter{logger: logger}

	for _, destination := range destinations {
		if !c.manager.Subscribe(destination, printer.Print) {
			logger.Error("Failed to subscribe", zap.String("destination", destination))
		}
	}
	for _, destination := range userDestinations {
		if !c.manager.SubscribeToUser(destination, printer.Print) {
			logger.Error("Failed to subscribe", zap.String("destination", stompnotify.UserDestinationPrefix+destination))
		}
	}

	logger.Info("Listening for messages... (Press Ctrl+C to exit)")
	waitForSignal(ctx, logger)

	return nil
}

func subscribeTransforms(logger *zap.Logger) ([]stompnotify.MessageTransformFunc, error) {
	var transforms []stompnotify.MessageTransformFunc

	for _, pattern := range dropPatterns {
		transforms = append(transforms, transform.DropDestinationPattern(pattern))
	}
	if dropRaw {
		transforms = append(transforms, transform.DropRaw())
	}
	if diffUpdates {
		transforms = append(transforms, transform.DiffTransform(logger))
	}
	if jqQuery != "" {
		jq, err := transform.JqTransform(jqQuery, logger)
		if err != nil {
			return nil, fmt.Errorf("invalid jq query: %w", err)
		}
		transforms = append(transforms, jq)
	}

	return transforms, nil
}

type messagePrinter struct {
	logger *zap.Logger
}

func (p *messagePrinter) Print(msg *stompnotify.Message) {
	if msg.Raw {
		fmt.Printf("%s\t%s\n", msg.Destination, msg.Payload)
		return
	}

	jsonBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		fmt.Printf("%s\t<error marshaling JSON: %v>\n", msg.Destination, err)
		p.logger.Warn("Failed to marshal message to JSON",
			zap.String("destination", msg.Destination),
			zap.Error(err))
		return
	}
	fmt.Printf("%s\t%s\n", msg.Destination, jsonBytes)
}
