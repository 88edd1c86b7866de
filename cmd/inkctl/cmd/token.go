package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/inkwell/internal/auth"
)

var (
	tokenKeyFile  string
	tokenIssuer   string
	tokenAudience string
	tokenTTL      time.Duration
	keygenDir     string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Create signing keys and caller tokens for local environments",
}

var tokenKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Write a new RSA key pair (jwt.key, jwt.pub)",
	Long: `Write a new RSA key pair into --dir. Set JWT_PUBLIC_KEY_PEM on the API to
the contents of jwt.pub and sign tokens with jwt.key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		privPEM, pubPEM, err := auth.GenerateKeyPair()
		if err != nil {
			return err
		}
		privPath := filepath.Join(keygenDir, "jwt.key")
		pubPath := filepath.Join(keygenDir, "jwt.pub")
		if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key:  %s\n", privPath, pubPath)
		return nil
	},
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <caller-id>",
	Short: "Sign a bearer token for a caller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(tokenKeyFile)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, err := auth.ParsePrivateKeyPEM(data)
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(key, args[0], tokenIssuer, tokenAudience, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		res := map[string]any{
			"token":      token,
			"token_type": "Bearer",
			"expires_in": int(tokenTTL.Seconds()),
		}
		return printOutput(cmd.OutOrStdout(), res, func(w io.Writer) { fmt.Fprintln(w, token) })
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenKeygenCmd, tokenIssueCmd)

	tokenKeygenCmd.Flags().StringVar(&keygenDir, "dir", ".", "output directory")
	tokenIssueCmd.Flags().StringVar(&tokenKeyFile, "key-file", "jwt.key", "RSA private key PEM")
	tokenIssueCmd.Flags().StringVar(&tokenIssuer, "issuer", "inkwell-auth", "iss claim")
	tokenIssueCmd.Flags().StringVar(&tokenAudience, "audience", "inkwell", "aud claim")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
