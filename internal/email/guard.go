package email

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardOptions configures Guard. Zero values disable the matching protection.
type GuardOptions struct {
	// RatePerSecond caps sends; Burst defaults to 1.
	RatePerSecond float64
	Burst         int
	// BreakerFailures consecutive transient failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	OnStateChange   func(from, to string)
}

// Guarded wraps a Sender with a token bucket and a circuit breaker.
type Guarded struct {
	next    Sender
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func Guard(next Sender, opts GuardOptions) *Guarded {
	g := &Guarded{next: next}
	if opts.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), max(opts.Burst, 1))
	}
	if opts.BreakerFailures > 0 {
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "email",
			MaxRequests: 1,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerFailures
			},
			// A rejected recipient says nothing about provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || IsPermanent(err)
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				if opts.OnStateChange != nil {
					opts.OnStateChange(from.String(), to.String())
				}
			},
		})
	}
	return g
}

func (g *Guarded) Send(ctx context.Context, msg Message) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return &SendError{Reason: "rate_limited", Err: err}
		}
	}
	if g.breaker == nil {
		return g.next.Send(ctx, msg)
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &SendError{Reason: "circuit_open", Err: err}
	}
	return err
}

// State reports the breaker state, or "disabled".
func (g *Guarded) State() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}
