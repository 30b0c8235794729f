package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	inbox "github.com/tradepost/inbox-sdk-go"
)

var conversationsJSON bool

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(deleteCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return describeError(err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		renderConversations(convs)
		if total := inbox.TotalUnread(convs); total > 0 {
			fmt.Printf("\n%s unread\n", color.New(color.FgRed, color.Bold).Sprint(total))
		}
		return nil
	},
}

func renderConversations(convs []inbox.Conversation) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "With", "Last message", "Unread", "Updated"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, c := range convs {
		last := ""
		if c.LastMessage != nil {
			last = truncate(c.LastMessage.Content, 40)
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = color.New(color.FgRed, color.Bold).Sprint(strconv.Itoa(c.UnreadCount))
		}
		updated := ""
		if !c.UpdatedAt.IsZero() {
			updated = humanize.Time(c.UpdatedAt)
		}
		table.Append([]string{c.ID, displayName(c.OtherUser), last, unread, updated})
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id|user-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		conv, err := findConversation(ctx, client, args[0])
		if err != nil {
			return describeError(err)
		}
		if err := client.MarkRead(ctx, client.Session().UserID(), conv.OtherID()); err != nil {
			return describeError(err)
		}
		fmt.Printf("Marked conversation with %s as read\n", displayName(conv.OtherUser))
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		if err := client.DeleteConversation(ctx, args[0]); err != nil {
			return describeError(err)
		}
		fmt.Printf("Deleted conversation %s\n", args[0])
		return nil
	},
}
