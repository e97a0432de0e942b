package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var friendsJSON bool

func init() {
	friendsCmd.PersistentFlags().BoolVar(&friendsJSON, "json", false, "Output raw JSON")

	friendsCmd.AddCommand(friendsListCmd)
	friendsCmd.AddCommand(friendsSearchCmd)
	friendsCmd.AddCommand(friendsAddCmd)
	friendsCmd.AddCommand(friendsRemoveCmd)
	rootCmd.AddCommand(friendsCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage the friend list",
}

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List friends",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		friends, err := client.Friends.List(ctx)
		if err != nil {
			return err
		}
		if friendsJSON {
			return printJSON(friends)
		}
		if len(friends) == 0 {
			fmt.Println("No friends yet.")
			return nil
		}
		for _, f := range friends {
			fmt.Printf("  %-20s %s\n", f.Username, f.ID)
		}
		return nil
	},
}

var friendsSearchCmd = &cobra.Command{
	Use:   "search <username>",
	Short: "Look up a user by exact username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		f, err := client.Friends.Search(ctx, args[0])
		if err != nil {
			return err
		}
		if friendsJSON {
			return printJSON(f)
		}
		fmt.Printf("  %-20s %s\n", f.Username, f.ID)
		return nil
	},
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user to the friend list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		f, err := client.Friends.Search(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cannot find %s: %w", args[0], err)
		}
		if err := client.Friends.Add(ctx, f.ID); err != nil {
			return err
		}
		fmt.Printf("Added %s (%s)\n", f.Username, f.ID)
		return nil
	},
}

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Remove a user from the friend list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Friends.Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}
