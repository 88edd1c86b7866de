// Package housekeeping expires saved idempotency responses once callers can no
// longer be expected to retry them.
package housekeeping

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/metrics"
)

// ResponseDeleter removes saved responses older than a cutoff.
type ResponseDeleter interface {
	DeleteResponsesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sweeper struct {
	store     ResponseDeleter
	retention time.Duration
	interval  time.Duration
	jitter    time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper deletes responses older than retention every interval plus a
// random delay up to jitter. A zero retention disables sweeping.
func NewSweeper(store ResponseDeleter, retention, interval, jitter time.Duration, logger *logging.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		jitter:    jitter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) Enabled() bool { return s.retention > 0 && s.interval > 0 }

// RunOnce deletes everything older than the retention window.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.DeleteResponsesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("housekeeping: sweep saved responses: %w", err)
	}
	metrics.RecordSwept(n)
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"deleted": n,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("swept saved responses")
	return n, nil
}

// Run sweeps until ctx is cancelled. It returns immediately when disabled.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Plain().Info("saved response sweeper disabled")
		return
	}
	for {
		timer := time.NewTimer(s.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Plain().WithError(err).Error("saved response sweep failed")
		}
	}
}

func (s *Sweeper) nextDelay() time.Duration {
	if s.jitter <= 0 {
		return s.interval
	}
	return s.interval + rand.N(s.jitter)
}
