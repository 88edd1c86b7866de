package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Inkwell API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil, nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy (HTTP %d)\n", resp.StatusCode)
		return fmt.Errorf("unhealthy: HTTP %d", resp.StatusCode)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
