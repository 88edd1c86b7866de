package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/inkwell/internal/backoff"
	"github.com/austindbirch/inkwell/internal/email"
	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/outbox"
	"github.com/austindbirch/inkwell/internal/tracing"
)

// Config tunes a Pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	// From is the sender address on every email.
	From    string
	Backoff backoff.Policy
	// PermanentBypass gives up on permanent send failures immediately
	// instead of retrying them up to the ceiling.
	PermanentBypass bool
	// ErrorBackoffMin and ErrorBackoffMax bound the pause after a store
	// error; it doubles per consecutive error and is jittered.
	ErrorBackoffMin time.Duration
	ErrorBackoffMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         4,
		PollInterval:    time.Second,
		Backoff:         backoff.Default(),
		ErrorBackoffMin: time.Second,
		ErrorBackoffMax: time.Minute,
	}
}

// Pool runs delivery workers against a queue. Workers share nothing but the
// queue; all coordination happens through its row locks.
type Pool struct {
	queue    outbox.Queue
	sender   email.Sender
	observer Observer
	cfg      Config
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func NewPool(queue outbox.Queue, sender email.Sender, observer Observer, cfg Config, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if observer == nil {
		observer = Observers(nil)
	}
	p := &Pool{
		queue:    queue,
		sender:   sender,
		observer: observer,
		cfg:      cfg,
		logger:   logging.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled. A worker stops
// claiming once ctx is done but finishes the task it already holds.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		g.Go(func() error {
			p.loop(ctx, i)
			return nil
		})
	}
	p.logger.Plain().WithField("workers", p.cfg.Workers).Info("delivery workers started")
	err := g.Wait()
	p.logger.Plain().Info("delivery workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	failures := 0
	for ctx.Err() == nil {
		outcome, err := p.ProcessOne(ctx)

		var wait time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			failures++
			wait = p.errorBackoff(failures)
			p.logger.WithContext(ctx).
				WithError(err).
				WithFields(map[string]any{"worker": id, "wait": wait.String()}).
				Error("delivery worker error")
		case outcome == OutcomeIdle:
			failures = 0
			wait = p.cfg.PollInterval
		default:
			failures = 0
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Pool) errorBackoff(failures int) time.Duration {
	lo, hi := p.cfg.ErrorBackoffMin, p.cfg.ErrorBackoffMax
	if lo <= 0 {
		lo = time.Second
	}
	d := backoff.Policy{Base: lo, Max: max(hi, lo)}.Delay(failures - 1)
	// +/- 25% jitter.
	return time.Duration(float64(d) * (0.75 + rand.Float64()/2))
}

// ProcessOne claims at most one due task and drives it to a committed
// outcome. OutcomeIdle with a nil error means nothing was due.
func (p *Pool) ProcessOne(ctx context.Context) (Outcome, error) {
	claim, err := timedClaim(ctx, p.queue, p.now())
	if errors.Is(err, outbox.ErrNoTask) {
		return OutcomeIdle, nil
	}
	if err != nil {
		return OutcomeIdle, fmt.Errorf("delivery: claim: %w", err)
	}
	// The claim is ours; finish its transaction even if shutdown begins.
	return p.handle(context.WithoutCancel(ctx), claim)
}

func (p *Pool) handle(ctx context.Context, claim outbox.Claim) (Outcome, error) {
	task, issue := claim.Task(), claim.Issue()
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("issue.id", task.IssueID.String()),
		attribute.String("recipient", task.RecipientEmail),
		attribute.Int("retry_count", task.RetryCount),
	)
	defer span.End()

	recipient, err := newsletter.ParseEmail(task.RecipientEmail)
	if err != nil {
		return p.giveUp(ctx, claim, ReasonInvalidRecipient, err)
	}

	tracing.AddSpanEvent(ctx, "email.send")
	start := time.Now()
	sendErr := p.sender.Send(ctx, compose(p.cfg.From, issue, recipient))
	latency := time.Since(start)

	if sendErr == nil {
		if err := claim.Complete(ctx); err != nil {
			tracing.SetSpanError(ctx, err)
			return OutcomeIdle, fmt.Errorf("delivery: complete %s/%s: %w", task.IssueID, task.RecipientEmail, err)
		}
		span.SetAttributes(attribute.String("delivery.outcome", OutcomeDelivered.String()))
		p.observer.Delivered(ctx, task, latency)
		return OutcomeDelivered, nil
	}

	tracing.SetSpanError(ctx, sendErr)
	if p.cfg.PermanentBypass && email.IsPermanent(sendErr) {
		return p.giveUp(ctx, claim, ReasonPermanent, sendErr)
	}
	next := task.RetryCount + 1
	if p.cfg.Backoff.Exhausted(next) {
		return p.giveUp(ctx, claim, ReasonMaxRetries, sendErr)
	}

	executeAfter := p.cfg.Backoff.Next(p.now(), next)
	if err := claim.Retry(ctx, executeAfter); err != nil {
		return OutcomeIdle, fmt.Errorf("delivery: retry %s/%s: %w", task.IssueID, task.RecipientEmail, err)
	}
	span.SetAttributes(
		attribute.String("delivery.outcome", OutcomeRetried.String()),
		attribute.Int("delivery.next_retry_count", next),
	)
	p.observer.Retried(ctx, task, email.Reason(sendErr), executeAfter, sendErr)
	return OutcomeRetried, nil
}

func (p *Pool) giveUp(ctx context.Context, claim outbox.Claim, reason string, cause error) (Outcome, error) {
	task := claim.Task()
	if err := claim.Complete(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		return OutcomeIdle, fmt.Errorf("delivery: give up %s/%s: %w", task.IssueID, task.RecipientEmail, err)
	}
	tracing.AddSpanEvent(ctx, "delivery.given_up", attribute.String("reason", reason))
	dl := NewDeadLetter(task, p.now(), reason, email.StatusCode(cause), cause)
	dl.Subject = claim.Issue().Title
	p.observer.Failed(ctx, dl)
	return OutcomeFailed, nil
}
