package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/metrics"
	"github.com/austindbirch/inkwell/internal/outbox"
	"github.com/austindbirch/inkwell/internal/tracing"
)

// Observer is told about every committed delivery outcome. Failed is called
// exactly once per task that is given up, after its row is deleted.
type Observer interface {
	Delivered(ctx context.Context, task outbox.Task, latency time.Duration)
	Retried(ctx context.Context, task outbox.Task, reason string, executeAfter time.Time, err error)
	Failed(ctx context.Context, dl DeadLetter)
}

// Observers fans every call out in order.
type Observers []Observer

func (obs Observers) Delivered(ctx context.Context, task outbox.Task, latency time.Duration) {
	for _, o := range obs {
		o.Delivered(ctx, task, latency)
	}
}

func (obs Observers) Retried(ctx context.Context, task outbox.Task, reason string, executeAfter time.Time, err error) {
	for _, o := range obs {
		o.Retried(ctx, task, reason, executeAfter, err)
	}
}

func (obs Observers) Failed(ctx context.Context, dl DeadLetter) {
	for _, o := range obs {
		o.Failed(ctx, dl)
	}
}

// MetricsObserver records prometheus metrics and structured logs.
type MetricsObserver struct {
	Logger *logging.Logger
}

func (m MetricsObserver) Delivered(ctx context.Context, task outbox.Task, latency time.Duration) {
	metrics.RecordDelivery(OutcomeDelivered.String(), latency)
	m.Logger.WithContext(ctx).
		WithIssue(task.IssueID.String()).
		WithRecipient(task.RecipientEmail).
		WithField("latency_ms", latency.Milliseconds()).
		Info("delivered")
}

func (m MetricsObserver) Retried(ctx context.Context, task outbox.Task, reason string, executeAfter time.Time, err error) {
	metrics.RecordDelivery(OutcomeRetried.String(), 0)
	metrics.RecordRetry(reason)
	m.Logger.WithContext(ctx).
		WithIssue(task.IssueID.String()).
		WithRecipient(task.RecipientEmail).
		WithFields(map[string]any{
			"retry_count":   task.RetryCount + 1,
			"reason":        reason,
			"execute_after": executeAfter.Format(time.RFC3339),
		}).
		WithError(err).
		Warn("delivery failed, retry scheduled")
}

func (m MetricsObserver) Failed(ctx context.Context, dl DeadLetter) {
	metrics.RecordDelivery(OutcomeFailed.String(), 0)
	metrics.RecordTerminalFailure(dl.Reason)
	m.Logger.WithContext(ctx).
		WithIssue(dl.Task.IssueID.String()).
		WithRecipient(dl.Task.RecipientEmail).
		WithFields(map[string]any{
			"reason":      dl.Reason,
			"retry_count": dl.RetryCount,
			"http_status": dl.HTTPStatus,
			"last_error":  dl.LastError,
		}).
		Error("delivery given up")
}

// Publisher is the subset of *nsq.Producer the dead-letter observer needs.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQDeadLetters publishes a DeadLetter envelope for every given-up task.
// Other outcomes are ignored.
type NSQDeadLetters struct {
	Producer Publisher
	Topic    string
	Logger   *logging.Logger
}

func (n NSQDeadLetters) Delivered(context.Context, outbox.Task, time.Duration) {}

func (n NSQDeadLetters) Retried(context.Context, outbox.Task, string, time.Time, error) {}

func (n NSQDeadLetters) Failed(ctx context.Context, dl DeadLetter) {
	dl.TraceHeaders = tracing.InjectHeaders(ctx)
	entry := n.Logger.WithContext(ctx).
		WithIssue(dl.Task.IssueID.String()).
		WithRecipient(dl.Task.RecipientEmail).
		WithField("topic", n.Topic)

	if err := n.publish(dl); err != nil {
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Error("dlq publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", n.Topic))
	entry.Info("dlq published")
}

func (n NSQDeadLetters) publish(dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("delivery: encode dead letter: %w", err)
	}
	return n.Producer.Publish(n.Topic, b)
}
