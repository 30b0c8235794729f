package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"

	inbox "github.com/tradepost/inbox-sdk-go"
)

// getClient creates a client for the stored session. A 401 on any request
// logs the user out locally.
func getClient() *inbox.Client {
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'inbox init <token>' first.")
		os.Exit(1)
	}

	userID := cfg.Auth.UserID
	if userID == "" {
		userID, err = inbox.UserIDFromToken(cfg.Auth.Token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot determine user from token: %v\n", err)
			os.Exit(1)
		}
	}
	session := inbox.NewStaticSession(userID, cfg.Auth.Token, logout)

	opts := []inbox.ClientOption{inbox.WithLogger(newLogger(cfg.Default.LogLevel))}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, inbox.WithBaseURL(cfg.Default.BaseURL))
	}
	return inbox.NewClient(session, opts...)
}

// logout clears the stored credential after the server rejected it.
func logout() {
	cfg, err := loadConfig()
	if err == nil {
		cfg.Auth = ConfigAuth{}
		err = saveConfig(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to clear token: %v\n", err)
	}
	fmt.Fprintln(os.Stderr, "Session expired. Run 'inbox init <token>' to sign in again.")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil || level == "" {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// findConversation resolves ref as a conversation id or the other
// participant's user id.
func findConversation(ctx context.Context, client *inbox.Client, ref string) (inbox.Conversation, error) {
	convs, err := client.ListConversations(ctx)
	if err != nil {
		return inbox.Conversation{}, err
	}
	conv, ok := lo.Find(convs, func(c inbox.Conversation) bool {
		return c.ID == ref || c.OtherID() == ref
	})
	if !ok {
		return inbox.Conversation{}, fmt.Errorf("%q: %w", ref, inbox.ErrUnknownConversation)
	}
	return conv, nil
}

// describeError turns SDK errors into a line for the terminal.
func describeError(err error) error {
	var vErr *inbox.ValidationError
	switch {
	case inbox.IsUnauthorized(err):
		return errors.New("not signed in")
	case errors.As(err, &vErr):
		return errors.New(vErr.Message)
	case errors.Is(err, inbox.ErrEmptyContent):
		return errors.New("message is empty")
	case inbox.IsTransport(err):
		return fmt.Errorf("cannot reach server: %w", err)
	}
	return err
}

func displayName(p inbox.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
