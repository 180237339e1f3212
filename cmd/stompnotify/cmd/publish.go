package cmd

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/tsarna/stompnotify/pkg/stompnotify/config"
	"go.uber.org/zap"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [<destination> <message>]",
	Short: "Publish a message to a destination",
	Long: `Publish a message to a STOMP destination.

The message is sent as JSON when it parses as JSON and as a JSON string
otherwise. With --schedule the message is sent on a cron schedule until
interrupted.

Without arguments, the publish blocks of the configuration are sent:
unscheduled ones once, scheduled ones on their schedule until interrupted.

Examples:
  stompnotify publish /app/chat/message '{"sender":"alice","content":"hi"}'
  stompnotify publish /app/ping "hello" --schedule "@every 10s"
  stompnotify publish -c client.hcl`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected a destination and a message, or no arguments")
		}
		return nil
	},
	RunE: runPublish,
}

var publishSchedule string

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVar(&publishSchedule, "schedule", "", "cron schedule for repeated publishing (e.g. \"*/5 * * * *\" or \"@every 30s\")")
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	var publications []config.Publication
	if len(args) == 2 {
		publications = []config.Publication{{
			Name:        "command-line",
			Destination: args[0],
			Schedule:    publishSchedule,
			Payload:     parseMessage(args[1]),
		}}
	} else {
		publications = cfg.Publications
	}
	if len(publications) == 0 {
		return fmt.Errorf("nothing to publish: give a destination and message or configure publish blocks")
	}
	cfg.Publications = publications

	for _, pub := range publications {
		if pub.Schedule == "" {
			continue
		}
		if _, err := config.ParseSchedule(pub.Schedule); err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", pub.Name, err)
		}
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

	publish := func(pub config.Publication) {
		if !c.manager.SendMessage(pub.Destination, pub.Payload) {
			logger.Error("Failed to publish message",
				zap.String("name", pub.Name),
				zap.String("destination", pub.Destination))
			return
		}
		logger.Info("Message published",
			zap.String("name", pub.Name),
			zap.String("destination", pub.Destination))
	}

	scheduled := 0
	for _, pub := range publications {
		if pub.Schedule == "" {
			publish(pub)
		} else {
			scheduled++
		}
	}
	if scheduled == 0 {
		return nil
	}

	scheduler, err := cfg.Scheduler(publish)
	if err != nil {
		return err
	}
	runScheduler(ctx, scheduler, logger)

	return nil
}

func runScheduler(ctx context.Context, scheduler *cron.Cron, logger *zap.Logger) {
	scheduler.Start()
	logger.Info("Publishing on schedule... (Press Ctrl+C to exit)", zap.Int("jobs", len(scheduler.Entries())))

	waitForSignal(ctx, logger)

	<-scheduler.Stop().Done()
}
