package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	groupsJSON    bool
	groupsMembers []string
)

func init() {
	groupsCmd.PersistentFlags().BoolVar(&groupsJSON, "json", false, "Output raw JSON")
	groupsCreateCmd.Flags().StringSliceVarP(&groupsMembers, "members", "m", nil, "Member user IDs")

	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsRenameCmd)
	groupsCmd.AddCommand(groupsLeaveCmd)
	rootCmd.AddCommand(groupsCmd)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage group conversations",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups you belong to",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		groups, err := client.Groups.List(ctx)
		if err != nil {
			return err
		}
		if groupsJSON {
			return printJSON(groups)
		}
		if len(groups) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, g := range groups {
			names := make([]string, 0, len(g.Members))
			for _, m := range g.Members {
				names = append(names, m.Username)
			}
			fmt.Printf("  %-20s %s  [%s]\n", g.Name, g.ID, strings.Join(names, ", "))
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		g, err := client.Groups.Create(ctx, args[0], groupsMembers)
		if err != nil {
			return err
		}
		if groupsJSON {
			return printJSON(g)
		}
		fmt.Printf("Created group %s (%s)\n", g.Name, g.ID)
		return nil
	},
}

var groupsRenameCmd = &cobra.Command{
	Use:   "rename <group-id> <name>",
	Short: "Rename a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Groups.Rename(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %s\n", args[0], args[1])
		return nil
	},
}

var groupsLeaveCmd = &cobra.Command{
	Use:   "leave <group-id>",
	Short: "Leave a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Groups.Leave(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Left %s\n", args[0])
		return nil
	},
}
