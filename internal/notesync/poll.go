package notesync

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/telegram"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollJitter   = 0.2
)

type PollOptions struct {
	Interval time.Duration
	// Jitter is a ratio in [0, 1] applied symmetrically around Interval.
	Jitter float64
	// Sample returns values in [0, 1); defaults to a time-seeded source.
	Sample func() float64
}

// Run refreshes until ctx is done, long-polling the remote between pauses.
// Failed cycles are logged and retried on the next tick, or after the
// server's retry_after when it asked for one.
func (e *Engine) Run(ctx context.Context, opts PollOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	jitter := clampJitterRatio(opts.Jitter)
	sample := opts.Sample
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = rng.Float64
	}

	for {
		delay := jitteredIntervalWithSample(interval, jitter, sample())
		inserted, err := e.refresh(ctx, e.pollTimeout)
		switch {
		case ctx.Err() != nil:
			e.logger.Info("sync loop stopping", zap.Error(ctx.Err()))
			return nil
		case err != nil:
			e.logger.Warn("sync cycle failed", zap.Error(err))
			if wait := retryAfter(err); wait > delay {
				delay = wait
			}
		case len(inserted) > 0:
			e.logger.Info("notes synced", zap.Int("inserted", len(inserted)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("sync loop stopping", zap.Error(ctx.Err()))
			return nil
		case <-timer.C:
		}
	}
}

func retryAfter(err error) time.Duration {
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
