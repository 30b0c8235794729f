package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	inbox "github.com/tradepost/inbox-sdk-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id|user-id]",
	Short: "Stream live messages, unread count and typing activity",
	Long: "Connect to the push channel and print incoming messages as they arrive.\n" +
		"With an argument, that conversation is opened: its messages are marked\n" +
		"read and the other side's typing indicator is shown. Ctrl-C to stop.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := inbox.NewMessenger(client, nil)
		defer m.Close()

		dim := color.New(color.Faint)
		red := color.New(color.FgRed, color.Bold)
		me := client.Session().UserID()

		m.Channel().OnReconnecting(func(a inbox.ReconnectAttempt) {
			dim.Printf("* reconnecting (attempt %d in %s)\n", a.Attempt, a.Delay)
		})
		m.Channel().OnMessageNew(func(raw json.RawMessage) {
			msg, err := inbox.DecodeMessageEvent(raw)
			if err != nil || msg.SenderID() == me {
				return
			}
			fmt.Printf("%s %s: %s\n", color.CyanString("<"), msg.SenderID(), msg.Content)
		})

		if err := m.Start(ctx); err != nil {
			return describeError(err)
		}
		m.Channel().Status().Subscribe(func(connected bool) {
			if connected {
				dim.Println("* connected")
			} else {
				dim.Println("* disconnected")
			}
		})

		view := m.OpenView(ctx)
		if len(args) == 1 {
			conv, err := findConversation(ctx, client, args[0])
			if err != nil {
				return describeError(err)
			}
			if err := view.Select(ctx, conv.ID); err != nil {
				return describeError(err)
			}
			fmt.Printf("Watching conversation with %s\n", displayName(conv.OtherUser))
		}

		_ = view.OnUnread(func(n int) {
			if n > 0 {
				fmt.Printf("[%s unread]\n", red.Sprint(n))
			}
		})
		var typing atomic.Bool
		_ = view.OnChange(func(s inbox.State) {
			if typing.Swap(s.RemoteTyping) == s.RemoteTyping {
				return
			}
			if s.RemoteTyping {
				dim.Println("... typing")
			}
		})

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}
