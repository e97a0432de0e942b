package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initAuthURL string

func init() {
	initCmd.Flags().StringVar(&initAuthURL, "auth-url", "", "Auth service URL (defaults to the library default)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <gateway-url>",
	Short: "Store the gateway URL in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the gateway URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.GatewayURL = args[0]
		if initAuthURL != "" {
			cfg.Server.AuthURL = initAuthURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Gateway URL saved to %s\n", path)
		return nil
	},
}
