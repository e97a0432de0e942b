package main

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	logArchive string
	logLimit   int
	logJSON    bool
)

func init() {
	logCmd.Flags().StringVar(&logArchive, "archive", "", "Archive directory (default ~/.chatsync/archive)")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "Newest messages to show (0 for all)")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(logCmd)
}

var logCmd = &cobra.Command{
	Use:   "log <peer>",
	Short: "Read a conversation from the local archive",
	Long: "Print archived messages for a user or group without contacting the server.\n" +
		"The archive is filled by 'listen', 'send' and 'history'.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := openArchive(logArchive, false)
		if err != nil {
			return fmt.Errorf("cannot open archive (is 'chatsync listen' running?): %w", err)
		}
		defer archive.Close()

		msgs, err := archive.List(args[0], logLimit)
		if err != nil {
			return err
		}
		if logJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Printf("No archived messages for %s.\n", args[0])
			return nil
		}

		first, last := msgs[0].Time(), msgs[len(msgs)-1].Time()
		fmt.Printf("%s: %s messages, %s to %s\n", args[0], humanize.Comma(int64(len(msgs))),
			humanize.Time(first), humanize.Time(last))
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}
