package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/inkwell/internal/housekeeping"
	"github.com/austindbirch/inkwell/internal/logging"
)

var sweepRetention time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete saved idempotency responses older than the retention window",
	Long: `Delete saved idempotency responses older than --retention once. A retried
request whose key has been swept is executed again, so the window must exceed
how long callers keep retrying.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sweepRetention <= 0 {
			return fmt.Errorf("--retention must be positive")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := housekeeping.NewSweeper(st, sweepRetention, 0, 0, logging.New("inkctl")).RunOnce(ctx)
		if err != nil {
			return err
		}
		res := map[string]any{"deleted": n, "retention": sweepRetention.String()}
		return printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "Deleted %d saved responses older than %s\n", n, sweepRetention)
		})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().DurationVar(&sweepRetention, "retention", 48*time.Hour, "delete responses older than this")
}
