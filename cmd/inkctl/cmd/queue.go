package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/inkwell/internal/outbox"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the delivery queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pending, due and retrying delivery tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.QueueStats(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), stats, func(w io.Writer) { printStats(w, stats) })
	},
}

func printStats(w io.Writer, s outbox.Stats) {
	fmt.Fprintf(w, "Pending:         %d\n", s.Pending)
	fmt.Fprintf(w, "Due now:         %d\n", s.Due)
	fmt.Fprintf(w, "Retrying:        %d\n", s.Retrying)
	fmt.Fprintf(w, "Max retry count: %d\n", s.MaxRetryCount)
	if s.OldestDue != nil {
		fmt.Fprintf(w, "Oldest due:      %s (%s ago)\n",
			s.OldestDue.Format(time.RFC3339), time.Since(*s.OldestDue).Round(time.Second))
	} else {
		fmt.Fprintln(w, "Oldest due:      -")
	}
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
}
