package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	inbox "github.com/tradepost/inbox-sdk-go"
)

var (
	// messages
	messagesJSON bool

	// send
	sendProductID string
	sendJSON      bool
)

func init() {
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().StringVar(&sendProductID, "product", "", "Listing the message is about")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id|user-id>",
	Short: "Show a conversation's history and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		me := client.Session().UserID()
		conv, err := findConversation(ctx, client, args[0])
		if err != nil {
			return describeError(err)
		}
		msgs, err := client.ListMessages(ctx, me, conv.OtherID())
		if err != nil {
			return describeError(err)
		}
		if err := client.MarkRead(ctx, me, conv.OtherID()); err != nil {
			fmt.Printf("Warning: could not mark read: %v\n", describeError(err))
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		other := displayName(conv.OtherUser)
		you := color.New(color.FgCyan)
		for _, m := range msgs {
			who := other
			if m.SenderID() == me {
				who = you.Sprint("you")
			}
			fmt.Printf("%-14s %s: %s\n", humanize.Time(m.CreatedAt), who, m.Content)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		d := inbox.NewDispatcher(client, client.Session(), nil, client.Logger())
		msg, err := d.Send(ctx, inbox.SendInput{
			ReceiverID: args[0],
			Content:    args[1],
			ProductID:  sendProductID,
		})
		if err != nil {
			return describeError(err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to %s\n", msg.ReceiverID())
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}
