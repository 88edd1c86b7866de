package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/inkwell/internal/config"
	"github.com/austindbirch/inkwell/internal/db"
	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/store/postgres"
)

var (
	cfgFile      string
	serverAddr   string
	timeout      time.Duration
	outputJSON   bool
	jwtToken     string
	callerID     string
	callerHeader string
	dsn          string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "inkctl",
	Short: "Inkwell CLI - operate the newsletter publish and delivery service",
	Long: `Inkwell CLI (inkctl) publishes newsletters through the API and inspects
or maintains the delivery database directly.

API commands (publish, health) talk to --server. Database commands (queue,
subscriber, migrate, sweep) connect with --dsn, or DB_* environment variables
when no DSN is given.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.inkctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "API base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT bearer token (overrides INKWELL_TOKEN env var)")
	rootCmd.PersistentFlags().StringVar(&callerID, "caller", "", "caller id sent in the trusted caller header when no token is set")
	rootCmd.PersistentFlags().StringVar(&callerHeader, "caller-header", "X-Caller-Id", "trusted caller header name")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "postgres connection URL for database commands")

	for _, name := range []string{"server", "timeout", "json", "token", "caller", "caller-header", "dsn"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".inkctl")
	}

	viper.SetEnvPrefix("INKWELL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	serverAddr = viper.GetString("server")
	if d := viper.GetDuration("timeout"); d > 0 {
		timeout = d
	}
	outputJSON = viper.GetBool("json")
	jwtToken = viper.GetString("token")
	callerID = viper.GetString("caller")
	callerHeader = viper.GetString("caller-header")
	dsn = viper.GetString("dsn")
}

// authHeaders returns the bearer token, or the trusted caller header when no
// token is configured.
func authHeaders() http.Header {
	h := http.Header{}
	switch {
	case jwtToken != "":
		h.Set("Authorization", "Bearer "+jwtToken)
	case callerID != "":
		h.Set(callerHeader, callerID)
	}
	return h
}

// makeHTTPRequest sends body as JSON to the API.
func makeHTTPRequest(ctx context.Context, method, path string, headers http.Header, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverAddr, "/")+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	return client.Do(req)
}

// openStore connects to the database named by --dsn or the DB_* environment.
func openStore(ctx context.Context) (*postgres.Store, error) {
	url := dsn
	if url == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, err
		}
		url = cfg.DSN()
	}
	pool, err := db.Connect(ctx, url, 2)
	if err != nil {
		return nil, err
	}
	return postgres.NewFromPool(pool, postgres.WithLogger(logging.New("inkctl"))), nil
}

// printOutput prints v as indented JSON with --json, or with the human
// formatter otherwise.
func printOutput(w io.Writer, v any, human func(io.Writer)) error {
	if !outputJSON {
		human(w)
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
