package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/inkwell/internal/newsletter"
)

type publishFlags struct {
	key      string
	title    string
	html     string
	htmlFile string
	text     string
	textFile string
}

type publishResult struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Status         int             `json:"status"`
	Body           json.RawMessage `json:"body"`
}

var pubFlags publishFlags

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a newsletter issue to all confirmed subscribers",
	Long: `Publish a newsletter issue through the API.

Re-running with the same --key returns the original response without
publishing again. A fresh key is generated when none is given.

Examples:
  inkctl publish --title "Issue #1" --html-file issue.html --text-file issue.txt
  inkctl publish --key 2024-06-weekly --title "Weekly" --html "<p>Hi</p>" --text "Hi"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := pubFlags.input()
		if err != nil {
			return err
		}
		key := pubFlags.key
		if key == "" {
			key = uuid.NewString()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		res, err := publish(ctx, key, in)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if err := printOutput(out, res, func(w io.Writer) {
			fmt.Fprintf(w, "Idempotency key: %s\n", res.IdempotencyKey)
			fmt.Fprintf(w, "Status: %d\n", res.Status)
			fmt.Fprintf(w, "Response: %s\n", res.Body)
		}); err != nil {
			return err
		}
		if res.Status != http.StatusOK {
			return fmt.Errorf("publish failed with status %d", res.Status)
		}
		return nil
	},
}

func (f publishFlags) input() (newsletter.Input, error) {
	html, err := valueOrFile(f.html, f.htmlFile)
	if err != nil {
		return newsletter.Input{}, err
	}
	text, err := valueOrFile(f.text, f.textFile)
	if err != nil {
		return newsletter.Input{}, err
	}
	return newsletter.Input{
		Title:   f.title,
		Content: newsletter.Content{HTML: html, Text: text},
	}, nil
}

func valueOrFile(value, path string) (string, error) {
	if path == "" {
		return value, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

func publish(ctx context.Context, key string, in newsletter.Input) (publishResult, error) {
	headers := authHeaders()
	headers.Set("Idempotency-Key", key)

	resp, err := makeHTTPRequest(ctx, http.MethodPost, "/v1/newsletters", headers, in)
	if err != nil {
		return publishResult{}, fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return publishResult{}, fmt.Errorf("read response: %w", err)
	}
	if !json.Valid(body) {
		body, _ = json.Marshal(string(body))
	}
	return publishResult{IdempotencyKey: key, Status: resp.StatusCode, Body: body}, nil
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVar(&pubFlags.key, "key", "", "idempotency key (default: random UUID)")
	publishCmd.Flags().StringVar(&pubFlags.title, "title", "", "issue title")
	publishCmd.Flags().StringVar(&pubFlags.html, "html", "", "HTML content")
	publishCmd.Flags().StringVar(&pubFlags.htmlFile, "html-file", "", "read HTML content from file")
	publishCmd.Flags().StringVar(&pubFlags.text, "text", "", "plain-text content")
	publishCmd.Flags().StringVar(&pubFlags.textFile, "text-file", "", "read plain-text content from file")
	publishCmd.MarkFlagsMutuallyExclusive("html", "html-file")
	publishCmd.MarkFlagsMutuallyExclusive("text", "text-file")
	_ = publishCmd.MarkFlagRequired("title")
}
