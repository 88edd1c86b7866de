// Package command runs mutating operations at most once per (caller,
// idempotency key) and replays the captured response for every retry.
//
// A first attempt opens a transaction, locks the key, re-checks for a saved
// response, runs the operation and stores its response before committing,
// so the operation's effects and the saved response become visible together.
// A unique violation on the saved response means another attempt won; the
// executor then restarts from the lookup and returns the winner's response.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/inkwell/internal/idempotency"
	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/metrics"
	"github.com/austindbirch/inkwell/internal/store"
	"github.com/austindbirch/inkwell/internal/tracing"
)

// DefaultMaxRestarts bounds conflict restarts for one Execute call.
const DefaultMaxRestarts = 3

// ErrContended is returned when every restart lost a conflict yet no saved
// response could be read back.
var ErrContended = errors.New("command: idempotency key contended")

// Operation performs the domain effects inside tx and returns the response
// to capture. Returning an error aborts the transaction; nothing is saved and
// the key stays unused.
type Operation func(ctx context.Context, tx store.Tx) (idempotency.SavedResponse, error)

// Result is what Execute hands back to the caller.
type Result struct {
	Response idempotency.SavedResponse
	// Replayed is true when the response came from an earlier attempt.
	Replayed bool
}

type Executor struct {
	store       store.Responses
	logger      *logging.Logger
	now         func() time.Time
	maxRestarts int
}

type Option func(*Executor)

func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the time source for saved response timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func WithMaxRestarts(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRestarts = n
		}
	}
}

func NewExecutor(s store.Responses, opts ...Option) *Executor {
	e := &Executor{
		store:       s,
		logger:      logging.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxRestarts: DefaultMaxRestarts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute returns the saved response for (callerID, key) if one exists and
// otherwise runs op once, capturing its response atomically with its effects.
func (e *Executor) Execute(ctx context.Context, callerID string, key idempotency.Key, op Operation) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "command.Execute",
		attribute.String("caller.id", callerID),
		attribute.String("idempotency.key", key.String()),
	)
	defer span.End()

	for attempt := 0; attempt <= e.maxRestarts; attempt++ {
		res, err := e.attempt(ctx, callerID, key, op)
		if errors.Is(err, idempotency.ErrConflict) {
			metrics.RecordCommand("conflict")
			tracing.AddSpanEvent(ctx, "conflict", attribute.Int("attempt", attempt))
			e.logger.WithContext(ctx).
				WithCaller(callerID).
				WithField("attempt", attempt).
				Warn("saved response conflict, restarting")
			continue
		}
		if err != nil {
			metrics.RecordCommand("failed")
			tracing.SetSpanError(ctx, err)
			return Result{}, err
		}

		if res.Replayed {
			metrics.RecordCommand("replayed")
			tracing.AddSpanEvent(ctx, "replayed")
		} else {
			metrics.RecordCommand("executed")
		}
		return res, nil
	}

	err := fmt.Errorf("%w: %d restarts exhausted", ErrContended, e.maxRestarts)
	tracing.SetSpanError(ctx, err)
	return Result{}, err
}

func (e *Executor) attempt(ctx context.Context, callerID string, key idempotency.Key, op Operation) (Result, error) {
	saved, err := e.store.GetResponse(ctx, callerID, key)
	if err == nil {
		return Result{Response: saved, Replayed: true}, nil
	}
	if !errors.Is(err, idempotency.ErrNotFound) {
		return Result{}, fmt.Errorf("command: read saved response: %w", err)
	}

	var res Result
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.LookupResponse(ctx, callerID, key)
		if err == nil {
			res = Result{Response: existing, Replayed: true}
			return nil
		}
		if !errors.Is(err, idempotency.ErrNotFound) {
			return fmt.Errorf("command: lock idempotency key: %w", err)
		}

		resp, err := op(ctx, tx)
		if err != nil {
			return err
		}
		resp.CreatedAt = e.now()
		if err := tx.PutResponse(ctx, callerID, key, resp); err != nil {
			return err
		}
		res = Result{Response: resp}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
