// Package publish implements the newsletter publish command: store the issue
// and fan it out to one delivery task per confirmed subscriber, exactly once
// per idempotency key.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/inkwell/internal/command"
	"github.com/austindbirch/inkwell/internal/idempotency"
	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/metrics"
	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/store"
	"github.com/austindbirch/inkwell/internal/tracing"
)

// Response is the body returned to the publisher and saved for replays.
type Response struct {
	IssueID     uuid.UUID `json:"issue_id"`
	FanoutCount int       `json:"fanout_count"`
}

// Executor runs an operation under an idempotency key.
type Executor interface {
	Execute(ctx context.Context, callerID string, key idempotency.Key, op command.Operation) (command.Result, error)
}

type Service struct {
	exec   Executor
	logger *logging.Logger
	now    func() time.Time
}

func NewService(exec Executor, logger *logging.Logger) *Service {
	return &Service{
		exec:   exec,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish validates in, then stores the issue and its delivery tasks and
// returns the captured response. A replay of key returns the first attempt's
// response even if in differs. Validation failures wrap newsletter.ErrInvalid
// and leave the key unused.
func (s *Service) Publish(ctx context.Context, callerID string, key idempotency.Key, in newsletter.Input) (command.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "publish.Publish", attribute.String("caller.id", callerID))
	defer span.End()

	res, err := s.exec.Execute(ctx, callerID, key, func(ctx context.Context, tx store.Tx) (idempotency.SavedResponse, error) {
		return s.publish(ctx, tx, in)
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return command.Result{}, err
	}

	entry := s.logger.WithContext(ctx).WithCaller(callerID).WithField("idempotency_key", key.String())
	if res.Replayed {
		entry.Info("publish replayed")
		return res, nil
	}

	var out Response
	if err := json.Unmarshal(res.Response.Body, &out); err == nil {
		metrics.RecordEnqueued(out.FanoutCount)
		entry = entry.WithIssue(out.IssueID.String()).WithField("fanout_count", out.FanoutCount)
	}
	entry.Info("newsletter published")
	return res, nil
}

func (s *Service) publish(ctx context.Context, tx store.Tx, in newsletter.Input) (idempotency.SavedResponse, error) {
	now := s.now()
	issue, err := newsletter.NewIssue(in, now)
	if err != nil {
		return idempotency.SavedResponse{}, err
	}
	if err := tx.InsertIssue(ctx, issue); err != nil {
		return idempotency.SavedResponse{}, err
	}
	n, err := tx.EnqueueDeliveries(ctx, issue.ID, now)
	if err != nil {
		return idempotency.SavedResponse{}, err
	}

	body, err := json.Marshal(Response{IssueID: issue.ID, FanoutCount: n})
	if err != nil {
		return idempotency.SavedResponse{}, fmt.Errorf("publish: encode response: %w", err)
	}

	tracing.AddSpanEvent(ctx, "fanout",
		attribute.String("issue.id", issue.ID.String()),
		attribute.Int("fanout.count", n),
	)
	return idempotency.NewResponse(http.StatusOK, body,
		idempotency.Header{Name: "Content-Type", Value: []byte("application/json")},
	), nil
}
