package main

import (
	"fmt"

	"github.com/spf13/cobra"

	inbox "github.com/tradepost/inbox-sdk-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and inbox totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, inbox.DefaultBaseURL+" (default)"))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn (default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:     (not set)")
			return nil
		}
		fmt.Printf("  Token:     %s\n", maskToken(cfg.Auth.Token))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(from token)"))

		client := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		fmt.Println()
		fmt.Println("Inbox:")
		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", describeError(err))
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", inbox.TotalUnread(convs))
		return nil
	},
}
