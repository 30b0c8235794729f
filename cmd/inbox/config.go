package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Print the token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage inbox configuration",
	Long:  "View or modify the inbox CLI configuration stored in ~/.inbox/config.toml.",
}

var configShowReveal bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration in effect: the config file with INBOX_* environment\n" +
		"variables (and .env) applied. The token is masked unless --reveal is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		file, err := loadConfig()
		if err != nil {
			return err
		}
		effective, err := resolveConfig()
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("# %s (not created yet; run 'inbox init <token>')\n", path)
		} else {
			fmt.Printf("# %s\n", path)
		}
		for _, key := range envOverrides(file, effective) {
			fmt.Printf("# %s overridden by environment\n", key)
		}

		shown := *effective
		if !configShowReveal && shown.Auth.Token != "" {
			shown.Auth.Token = maskToken(shown.Auth.Token)
		}
		data, err := toml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

// envOverrides lists the dotted keys whose effective value differs from the
// config file.
func envOverrides(file, effective *Config) []string {
	var keys []string
	add := func(key, a, b string) {
		if a != b {
			keys = append(keys, key)
		}
	}
	add("default.base_url", file.Default.BaseURL, effective.Default.BaseURL)
	add("default.log_level", file.Default.LogLevel, effective.Default.LogLevel)
	add("auth.token", file.Auth.Token, effective.Auth.Token)
	add("auth.user_id", file.Auth.UserID, effective.Auth.UserID)
	return keys
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: inbox config set default.base_url https://market.example",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
