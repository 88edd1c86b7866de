package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_commands_total",
			Help: "Idempotent commands by outcome.",
		},
		[]string{"outcome"}, // executed, replayed, conflict, failed
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_tasks_enqueued_total",
			Help: "Delivery tasks created by fan-out.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_deliveries_total",
			Help: "Delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, retried, failed, released
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inkwell_delivery_latency_seconds",
			Help:    "Time spent in one email send.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_retries_total",
			Help: "Delivery retries by reason.",
		},
		[]string{"reason"}, // http_5xx, rate_limited, timeout, network, circuit_open, other
	)

	TerminalFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_terminal_failures_total",
			Help: "Deliveries given up by reason.",
		},
		[]string{"reason"}, // max_retries, permanent, invalid_recipient
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inkwell_claim_latency_seconds",
			Help:    "Time to claim a delivery task.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inkwell_queue_depth",
			Help: "Delivery tasks by state, sampled periodically.",
		},
		[]string{"state"}, // pending, due, retrying
	)

	ResponsesSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_saved_responses_swept_total",
			Help: "Saved responses deleted by retention.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		CommandsTotal,
		TasksEnqueuedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		TerminalFailuresTotal,
		ClaimLatency,
		QueueDepth,
		ResponsesSweptTotal,
	)
}

func RecordCommand(outcome string) {
	CommandsTotal.WithLabelValues(outcome).Inc()
}

func RecordEnqueued(n int) {
	TasksEnqueuedTotal.Add(float64(n))
}

// RecordDelivery counts an attempt; latency is only observed when an email was actually sent.
func RecordDelivery(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DeliveryLatency.Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordTerminalFailure(reason string) {
	TerminalFailuresTotal.WithLabelValues(reason).Inc()
}

func ObserveClaim(d time.Duration) {
	ClaimLatency.Observe(d.Seconds())
}

func SetQueueDepth(pending, due, retrying int) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("due").Set(float64(due))
	QueueDepth.WithLabelValues("retrying").Set(float64(retrying))
}

func RecordSwept(n int64) {
	ResponsesSweptTotal.Add(float64(n))
}
