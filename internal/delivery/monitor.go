package delivery

import (
	"context"
	"time"

	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/metrics"
	"github.com/austindbirch/inkwell/internal/outbox"
)

func timedClaim(ctx context.Context, q outbox.Queue, now time.Time) (outbox.Claim, error) {
	start := time.Now()
	c, err := q.Claim(ctx, now)
	metrics.ObserveClaim(time.Since(start))
	return c, err
}

// StatsReader reports queue depth.
type StatsReader interface {
	QueueStats(ctx context.Context, now time.Time) (outbox.Stats, error)
}

// RunBacklogMonitor samples queue depth into metrics every interval until ctx
// is cancelled.
func RunBacklogMonitor(ctx context.Context, stats StatsReader, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sampleBacklog(ctx, stats, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleBacklog(ctx context.Context, stats StatsReader, logger *logging.Logger) {
	st, err := stats.QueueStats(ctx, time.Now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			logger.Plain().WithError(err).Error("failed to read queue stats")
		}
		return
	}
	metrics.SetQueueDepth(st.Pending, st.Due, st.Retrying)
}
