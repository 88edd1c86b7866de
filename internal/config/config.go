package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/austindbirch/inkwell/internal/backoff"
)

type DB struct {
	User     string `env:"DB_USER"      envDefault:"postgres"`
	Pass     string `env:"DB_PASS"      envDefault:"postgres"`
	Host     string `env:"DB_HOST"      envDefault:"postgres"`
	Port     string `env:"DB_PORT"      envDefault:"5432"`
	Name     string `env:"DB_NAME"      envDefault:"inkwell"`
	SSLMode  string `env:"DB_SSLMODE"   envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	// AutoMigrate applies embedded migrations when the API starts.
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

type API struct {
	HTTPPort        string        `env:"HTTP_PORT"             envDefault:":8080"`
	ReadTimeout     time.Duration `env:"API_READ_TIMEOUT"      envDefault:"10s"`
	WriteTimeout    time.Duration `env:"API_WRITE_TIMEOUT"     envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"API_SHUTDOWN_TIMEOUT"  envDefault:"15s"`
	MaxBodyBytes    int64         `env:"API_MAX_BODY_BYTES"    envDefault:"1048576"`
	MaxRestarts     int           `env:"IDEMPOTENCY_MAX_RESTARTS" envDefault:"3"`
}

type Worker struct {
	Workers                 int           `env:"WORKERS"                   envDefault:"4"`
	PollInterval            time.Duration `env:"POLL_INTERVAL"             envDefault:"1s"`
	MaxAttempts             int           `env:"MAX_ATTEMPTS"              envDefault:"10"`
	BackoffBase             time.Duration `env:"BACKOFF_BASE"              envDefault:"1m"`
	BackoffMax              time.Duration `env:"BACKOFF_MAX"               envDefault:"24h"`
	PermanentFailuresBypass bool          `env:"PERMANENT_FAILURES_BYPASS" envDefault:"false"`
	ErrorBackoffMin         time.Duration `env:"ERROR_BACKOFF_MIN"         envDefault:"1s"`
	ErrorBackoffMax         time.Duration `env:"ERROR_BACKOFF_MAX"         envDefault:"60s"`
	BacklogInterval         time.Duration `env:"BACKLOG_INTERVAL"          envDefault:"15s"`
	HTTPPort                string        `env:"WORKER_HTTP_PORT"          envDefault:":8083"`
}

// Email configures the outbound provider. Rate and breaker settings of zero
// disable those guards.
type Email struct {
	BaseURL         string        `env:"EMAIL_BASE_URL"         envDefault:"http://fake-mailer:8081"`
	ServerToken     string        `env:"EMAIL_SERVER_TOKEN"`
	Sender          string        `env:"EMAIL_SENDER"           envDefault:"newsletter@inkwell.local"`
	Timeout         time.Duration `env:"EMAIL_TIMEOUT"          envDefault:"10s"`
	RatePerSecond   float64       `env:"EMAIL_RATE_PER_SECOND"  envDefault:"0"`
	RateBurst       int           `env:"EMAIL_RATE_BURST"       envDefault:"1"`
	BreakerFailures uint32        `env:"EMAIL_BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout  time.Duration `env:"EMAIL_BREAKER_TIMEOUT"  envDefault:"30s"`
}

type Auth struct {
	// PublicKeyPEM verifies bearer tokens; empty trusts CallerHeader instead.
	PublicKeyPEM string `env:"JWT_PUBLIC_KEY_PEM"`
	Issuer       string `env:"JWT_ISSUER"    envDefault:"inkwell-auth"`
	Audience     string `env:"JWT_AUDIENCE"  envDefault:"inkwell"`
	CallerHeader string `env:"CALLER_HEADER" envDefault:"X-Caller-Id"`
}

type DLQ struct {
	Publish         bool          `env:"PUBLISH_DLQ_TOPIC"    envDefault:"false"`
	NsqdTCPAddr     string        `env:"NSQD_TCP_ADDR"        envDefault:"nsqd:4150"`
	NsqdHTTPAddr    string        `env:"NSQD_HTTP_ADDR"       envDefault:"nsqd:4151"`
	Topic           string        `env:"NSQ_DLQ_TOPIC"        envDefault:"deliveries_dlq"`
	MonitorPort     string        `env:"DLQ_MONITOR_PORT"     envDefault:":8084"`
	MonitorInterval time.Duration `env:"DLQ_MONITOR_INTERVAL" envDefault:"15s"`
}

type Housekeeping struct {
	// Retention of saved responses; zero disables the sweeper.
	Retention time.Duration `env:"IDEMPOTENCY_RETENTION" envDefault:"48h"`
	Interval  time.Duration `env:"SWEEP_INTERVAL"        envDefault:"12h"`
	Jitter    time.Duration `env:"SWEEP_JITTER"          envDefault:"1h"`
}

type Tracing struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
	Version     string  `env:"SERVICE_VERSION"   envDefault:"dev"`
	InstanceID  string  `env:"HOSTNAME"          envDefault:"unknown"`
}

type FakeMailer struct {
	Port            string        `env:"FAKE_MAILER_PORT"           envDefault:":8081"`
	ServerToken     string        `env:"FAKE_MAILER_TOKEN"`
	FailFirstN      int           `env:"FAIL_FIRST_N"               envDefault:"0"`
	RejectDomain    string        `env:"FAKE_MAILER_REJECT_DOMAIN"`
	ResponseDelay   time.Duration `env:"FAKE_MAILER_RESPONSE_DELAY" envDefault:"0s"`
	ReadTimeout     time.Duration `env:"FAKE_MAILER_READ_TIMEOUT"   envDefault:"10s"`
	WriteTimeout    time.Duration `env:"FAKE_MAILER_WRITE_TIMEOUT"  envDefault:"10s"`
}

type Config struct {
	AppName      string `env:"APP_NAME"  envDefault:"inkwell"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	DB           DB
	API          API
	Worker       Worker
	Email        Email
	Auth         Auth
	DLQ          DLQ
	Housekeeping Housekeeping
	Tracing      Tracing
	FakeMailer   FakeMailer
}

// FromEnv parses the process environment and validates the result.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Worker.Workers <= 0 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive, got %d", c.Worker.Workers))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Worker.PollInterval))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.Worker.MaxAttempts))
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffMax < c.Worker.BackoffBase {
		errs = append(errs, fmt.Errorf("BACKOFF_BASE (%s) must be positive and not exceed BACKOFF_MAX (%s)",
			c.Worker.BackoffBase, c.Worker.BackoffMax))
	}
	if c.Housekeeping.Retention < 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_RETENTION cannot be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0,1], got %v", c.Tracing.SampleRatio))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Backoff returns the retry policy described by the worker settings.
func (c Config) Backoff() backoff.Policy {
	return backoff.Policy{
		Base:        c.Worker.BackoffBase,
		Max:         c.Worker.BackoffMax,
		MaxAttempts: c.Worker.MaxAttempts,
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}
