package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const envPassword = "CHATSYNC_PASSWORD"

var (
	authPassword string
	authEmail    string
)

func init() {
	loginCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Password (or set "+envPassword+")")
	registerCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Password (or set "+envPassword+")")
	registerCmd.Flags().StringVar(&authEmail, "email", "", "Email address (required)")
	_ = registerCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

func password() (string, error) {
	if authPassword != "" {
		return authPassword, nil
	}
	if v := os.Getenv(envPassword); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("password required: pass --password or set %s", envPassword)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := newClient(cfg).Auth.Login(ctx, args[0], pw)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		stored, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		stored.Auth = ConfigAuth{Token: res.Token, UserID: res.UserID, Username: res.Username}
		if err := saveConfig(stored); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", res.Username, res.UserID)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Long:  "Create an account on the auth service. Run 'chatsync login' afterwards to obtain a token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := newClient(cfg).Auth.Register(ctx, args[0], authEmail, pw)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID:  %s\n", res.UserID)
		fmt.Printf("  Username: %s\n", res.Username)
		if res.Message != "" {
			fmt.Printf("  %s\n", res.Message)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
