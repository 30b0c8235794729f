package main

import (
	"fmt"

	"github.com/spf13/cobra"

	inbox "github.com/tradepost/inbox-sdk-go"
)

var initUserID string

func init() {
	initCmd.Flags().StringVar(&initUserID, "user", "", "User id, when the token does not carry one")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.inbox/config.toml",
	Long:  "Initialize the inbox CLI by storing your bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		userID := initUserID
		if userID == "" {
			var err error
			userID, err = inbox.UserIDFromToken(token)
			if err != nil {
				return fmt.Errorf("cannot read user from token (pass --user): %w", err)
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{Token: token, UserID: userID}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s. Token saved to %s\n", userID, path)
		return nil
	},
}
