package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/inkwell/internal/config"
	"github.com/austindbirch/inkwell/internal/db"
	"github.com/austindbirch/inkwell/internal/delivery"
	"github.com/austindbirch/inkwell/internal/email"
	"github.com/austindbirch/inkwell/internal/health"
	"github.com/austindbirch/inkwell/internal/housekeeping"
	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/metrics"
	"github.com/austindbirch/inkwell/internal/store/postgres"
	"github.com/austindbirch/inkwell/internal/tracing"
)

const serviceName = "inkwell-worker"

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

	shutdownTracing, err := tracing.InitTracing(ctx, tracing.Options{
		ServiceName: serviceName,
		Version:     cfg.Tracing.Version,
		InstanceID:  cfg.Tracing.InstanceID,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
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

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(st))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}

	observers := delivery.Observers{delivery.MetricsObserver{Logger: logger}}
	if cfg.DLQ.Publish {
		prod, err := nsq.NewProducer(cfg.DLQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer prod.Stop()
		observers = append(observers, delivery.NSQDeadLetters{Producer: prod, Topic: cfg.DLQ.Topic, Logger: logger})
	}

	workers := delivery.NewPool(st, newSender(cfg.Email, logger), observers, poolConfig(cfg), delivery.WithLogger(logger))
	sweeper := housekeeping.NewSweeper(st,
		cfg.Housekeeping.Retention, cfg.Housekeeping.Interval, cfg.Housekeeping.Jitter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error {
		delivery.RunBacklogMonitor(gctx, st, cfg.Worker.BacklogInterval, logger)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	logger.Plain().Info("worker service started")
	if err := g.Wait(); err != nil {
		logger.Plain().WithError(err).Error("worker service exited with error")
	}
	logger.Plain().Info("worker service stopped")
}

func poolConfig(cfg config.Config) delivery.Config {
	return delivery.Config{
		Workers:         cfg.Worker.Workers,
		PollInterval:    cfg.Worker.PollInterval,
		From:            cfg.Email.Sender,
		Backoff:         cfg.Backoff(),
		PermanentBypass: cfg.Worker.PermanentFailuresBypass,
		ErrorBackoffMin: cfg.Worker.ErrorBackoffMin,
		ErrorBackoffMax: cfg.Worker.ErrorBackoffMax,
	}
}

func newSender(cfg config.Email, logger *logging.Logger) email.Sender {
	client := email.NewClient(cfg.BaseURL, cfg.ServerToken, cfg.Timeout)
	return email.Guard(client, email.GuardOptions{
		RatePerSecond:   cfg.RatePerSecond,
		Burst:           cfg.RateBurst,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
		OnStateChange: func(from, to string) {
			logger.Plain().WithFields(map[string]any{"from": from, "to": to}).Warn("email circuit breaker state changed")
		},
	})
}
