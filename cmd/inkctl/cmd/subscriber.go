package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/inkwell/internal/newsletter"
)

var subscriberName string

var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Manage subscribers",
}

var subscriberAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Add or confirm a subscriber",
	Long:  `Insert a confirmed subscriber, or confirm an existing one. Confirmed subscribers receive every issue published afterwards.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := newsletter.ParseEmail(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.AddSubscriber(ctx, addr, subscriberName); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Subscriber %s confirmed\n", addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subscriberCmd)
	subscriberCmd.AddCommand(subscriberAddCmd)
	subscriberAddCmd.Flags().StringVar(&subscriberName, "name", "", "subscriber display name")
}
