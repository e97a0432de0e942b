package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the configured endpoints and login, then check the token against the gateway.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Server:")
		fmt.Printf("  Gateway URL: %s\n", valueOrDefault(cfg.Server.GatewayURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Auth URL:    %s\n", valueOrDefault(cfg.Server.AuthURL, chatsync.DefaultAuthURL+" (default)"))
		fmt.Printf("  WS URL:      %s\n", valueOrDefault(cfg.Server.WSURL, "(derived from gateway)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username:    %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username:    (not logged in)")
		}
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       none")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))

		client := newClient(cfg)
		client.SetToken(cfg.Auth.Token)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		friends, err := client.Friends.List(ctx)
		if err != nil {
			fmt.Printf("Live status: unavailable (%v)\n", err)
			return nil
		}
		fmt.Printf("Live status: ok, %d friends\n", len(friends))
		return nil
	},
}
