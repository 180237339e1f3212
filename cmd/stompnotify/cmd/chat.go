package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"go.uber.org/zap"
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat <sender> <conversation-id> <content>",
	Short: "Send a chat message",
	Long: `Send a chat message to /app/chat/message, or to /app/chat/query with
--query. With --wait, replies in the same conversation arriving on
/topic/chat are printed until the wait elapses.

Examples:
  stompnotify chat alice conv-1 "hello there"
  stompnotify chat alice conv-1 "where is order 42?" --query --wait 10s`,
	Args: cobra.ExactArgs(3),
	RunE: runChat,
}

var (
	chatQuery bool
	chatWait  time.Duration
)

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().BoolVar(&chatQuery, "query", false, "send as a chat query")
	chatCmd.Flags().DurationVar(&chatWait, "wait", 0, "how long to print replies for after sending")
}

func runChat(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	sender, conversationID, content := args[0], args[1], args[2]

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

	if chatWait > 0 {
		c.manager.SubscribeToChat(func(msg *stompnotify.Message) {
			var reply stompnotify.ChatMessage
			if err := msg.Decode(&reply); err != nil {
				logger.Debug("Ignoring undecodable chat message", zap.Error(err))
				return
			}
			if reply.ConversationID != conversationID {
				return
			}
			fmt.Printf("[%s] %s: %s\n", reply.Timestamp, reply.Sender, reply.Content)
		})
	}

	var sent bool
	if chatQuery {
		sent = c.manager.SendChatQuery(sender, content, conversationID)
	} else {
		sent = c.manager.SendChatMessage(sender, content, conversationID)
	}
	if !sent {
		return fmt.Errorf("failed to send chat message")
	}

	logger.Info("Chat message sent",
		zap.String("conversation", conversationID),
		zap.Bool("query", chatQuery),
	)

	if chatWait > 0 {
		waitCtx, waitCancel := context.WithTimeout(ctx, chatWait)
		defer waitCancel()
		waitForSignal(waitCtx, logger)
	}

	return nil
}
