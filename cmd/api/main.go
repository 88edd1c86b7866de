package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/inkwell/internal/api"
	"github.com/austindbirch/inkwell/internal/auth"
	"github.com/austindbirch/inkwell/internal/command"
	"github.com/austindbirch/inkwell/internal/config"
	"github.com/austindbirch/inkwell/internal/db"
	"github.com/austindbirch/inkwell/internal/health"
	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/metrics"
	"github.com/austindbirch/inkwell/internal/publish"
	"github.com/austindbirch/inkwell/internal/store"
	"github.com/austindbirch/inkwell/internal/store/postgres"
	"github.com/austindbirch/inkwell/internal/tracing"
)

const serviceName = "inkwell-api"

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("log level: %v", err)
	}
	logger := logging.New(serviceName)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, tracingOptions(cfg))
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	st := postgres.NewFromPool(pool, postgres.WithLogger(logger))
	defer st.Close()

	if cfg.DB.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			logger.Plain().WithError(err).Fatal("migrate failed")
		}
	}

	authn, err := newAuthenticator(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr:         cfg.API.HTTPPort,
		Handler:      newHandler(cfg, st, authn, reg, logger),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("api HTTP serve failed")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("api HTTP shutdown")
	}
	logger.Plain().Info("api stopped")
}

func newHandler(cfg config.Config, st store.Store, authn *auth.Authenticator, reg *prometheus.Registry, logger *logging.Logger) http.Handler {
	exec := command.NewExecutor(st,
		command.WithLogger(logger),
		command.WithMaxRestarts(cfg.API.MaxRestarts),
	)
	svc := publish.NewService(exec, logger)
	srv := api.NewServer(svc, authn, logger,
		api.WithHealth(health.HTTPHandler(st)),
		api.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		api.WithMaxBodyBytes(cfg.API.MaxBodyBytes),
	)
	return srv.Handler()
}

// newAuthenticator requires bearer tokens when a public key is configured and
// trusts the caller header otherwise.
func newAuthenticator(cfg config.Auth) (*auth.Authenticator, error) {
	if cfg.PublicKeyPEM == "" {
		return auth.NewAuthenticator(nil, cfg.CallerHeader), nil
	}
	v, err := auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(v, cfg.CallerHeader), nil
}

func tracingOptions(cfg config.Config) tracing.Options {
	return tracing.Options{
		ServiceName: serviceName,
		Version:     cfg.Tracing.Version,
		InstanceID:  cfg.Tracing.InstanceID,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}
}
