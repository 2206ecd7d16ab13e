package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/vizchat/internal/state"
	"github.com/user/vizchat/internal/types"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of events to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <chatId>",
	Short: "Show the generation history of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		events := state.NewEventStore(cfg.DataDir)

		list, err := events.Tail(context.Background(), types.ChatID(args[0]), historyLimit)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No events found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tGENERATION\tPAYLOAD")
		for _, ev := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				ev.Seq,
				ev.At.Format("2006-01-02 15:04:05"),
				ev.Type,
				ev.GenerationID,
				truncate(string(ev.Payload), 80),
			)
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
