package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	chatWait      time.Duration
	chatArchive   string
	chatNoArchive bool
	chatJSON      bool
	historyLimit  int
)

func init() {
	for _, c := range []*cobra.Command{sendCmd, recallCmd, historyCmd} {
		c.Flags().DurationVar(&chatWait, "wait", 3*time.Second, "How long to wait for the live channel and history")
		c.Flags().StringVar(&chatArchive, "archive", "", "Archive directory (default ~/.chatsync/archive)")
		c.Flags().BoolVar(&chatNoArchive, "no-archive", false, "Do not record messages in the local archive")
	}
	sendCmd.Flags().BoolVar(&chatJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&chatJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Messages shown per conversation (0 for all)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(historyCmd)
}

// defaultArchivePath returns ~/.chatsync/archive.
func defaultArchivePath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "archive"), nil
}

// openArchive opens the archive named by path, or the default one. A nil
// archive is returned when disabled.
func openArchive(path string, disabled bool) (*chatsync.PebbleArchive, error) {
	if disabled {
		return nil, nil
	}
	if path == "" {
		var err error
		if path, err = defaultArchivePath(); err != nil {
			return nil, err
		}
	}
	return chatsync.OpenPebbleArchive(path)
}

// withSession runs fn against a started session and tears everything down
// afterwards.
func withSession(fn func(ctx context.Context, s *chatsync.Session) error) error {
	client, cfg := getClient()

	archive, err := openArchive(chatArchive, chatNoArchive)
	if err != nil {
		return fmt.Errorf("cannot open archive: %w", err)
	}
	sc := &chatsync.SessionConfig{}
	if archive != nil {
		defer archive.Close()
		sc.Archive = archive
	}

	ctx, cancel := context.WithTimeout(context.Background(), chatWait+30*time.Second)
	defer cancel()

	session, err := startSession(ctx, client, cfg, sc, chatWait)
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(ctx, session)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <message>",
	Short: "Send a message to a user or group",
	Long: "Send a message over the live channel, falling back to HTTP when the\n" +
		"channel is not open. <peer> is a username or a group name.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *chatsync.Session) error {
			res, err := s.Send(ctx, args[0], args[1])
			if err != nil {
				var se *chatsync.SendError
				if errors.As(err, &se) {
					return fmt.Errorf("message to %s not delivered: %w", se.PeerKey, se.Err)
				}
				return err
			}
			if chatJSON {
				return printJSON(res)
			}
			fmt.Printf("Sent to %s via %s\n", args[0], res.Path)
			if res.Stored != nil {
				fmt.Printf("  Message ID: %s\n", res.Stored.ID)
			}
			return nil
		})
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <peer> <message-id>",
	Short: "Withdraw a message you sent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *chatsync.Session) error {
			if err := s.Recall(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Recalled %s\n", args[1])
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [peer]",
	Short: "Show synced conversations",
	Long:  "Load conversation history from the server and print it, most recently active first.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *chatsync.Session) error {
			if err := s.SyncHistory(ctx); err != nil {
				return err
			}
			convs, err := s.Conversations(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				c, ok, err := s.Conversation(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no conversation with %s", args[0])
				}
				convs = []chatsync.Conversation{c}
			}
			if chatJSON {
				return printJSON(convs)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, c := range convs {
				printConversation(c, historyLimit)
			}
			return nil
		})
	},
}

func printConversation(c chatsync.Conversation, limit int) {
	label := c.PeerKey
	if c.IsGroup {
		label += fmt.Sprintf(" (group, %d members)", len(c.Members))
	}
	fmt.Printf("%s\n", label)
	msgs := c.Messages
	if limit > 0 && len(msgs) > limit {
		fmt.Printf("  ... %d earlier\n", len(msgs)-limit)
		msgs = msgs[len(msgs)-limit:]
	}
	for _, m := range msgs {
		printMessage(m)
	}
	fmt.Fprintln(os.Stdout)
}
