package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/inkwell/internal/config"
	"github.com/austindbirch/inkwell/internal/logging"
)

// nsqStats is the subset of nsqd's /stats JSON the monitor reads.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// monitor exports the dead-letter topic's backlog so operators can alert on
// deliveries that were given up.
type monitor struct {
	nsqdHTTP string
	topic    string
	client   *http.Client
	logger   *logging.Logger

	backlog         prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(nsqdHTTP, topic string, logger *logging.Logger, reg prometheus.Registerer) *monitor {
	m := &monitor{
		nsqdHTTP: nsqdHTTP,
		topic:    topic,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inkwell_dlq_backlog",
			Help: "Dead letters waiting in the DLQ topic and its channels",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inkwell_dlq_channel_depth",
			Help: "Depth of DLQ channels",
		}, []string{"channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inkwell_dlq_channel_inflight",
			Help: "In-flight messages for DLQ channels",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.backlog, m.channelDepth, m.channelInflight)
	return m
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New("inkwell-dlq-monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.DLQ.NsqdHTTPAddr, cfg.DLQ.Topic, logger, reg)
	go m.run(ctx, cfg.DLQ.MonitorInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	srv := &http.Server{Addr: cfg.DLQ.MonitorPort, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":  srv.Addr,
		"nsqd":  cfg.DLQ.NsqdHTTPAddr,
		"topic": cfg.DLQ.Topic,
	}).Info("dlq monitor starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("dlq monitor HTTP server failed")
	}
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			m.logger.Plain().WithError(err).Warn("failed to update DLQ metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) update(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/stats?format=json&topic=%s", m.nsqdHTTP, m.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %s", resp.Status)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	// A topic that has never received a dead letter is absent from stats.
	var backlog int64
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		backlog = topic.Depth
		for _, ch := range topic.Channels {
			backlog += ch.Depth
			m.channelDepth.WithLabelValues(ch.ChannelName).Set(float64(ch.Depth))
			m.channelInflight.WithLabelValues(ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	m.backlog.Set(float64(backlog))
	return nil
}
