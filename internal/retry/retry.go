// Package retry bounds transient-failure retries with exponential backoff.
//
// Only network-class errors are retried; everything else surfaces
// immediately so business failures (empty forecast, bad credentials) never
// consume attempts or hold the schedule lock longer than needed.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/mistervb/meli-climate-notifications/internal/metrics"
)

type Config struct {
	// MaxAttempts is the total attempt cap, first attempt included.
	MaxAttempts int
	// BaseDelay is the sleep before the first retry; it doubles per attempt.
	BaseDelay time.Duration
}

// MaxSleep returns the worst-case cumulative backoff sleep:
// BaseDelay * (2^(MaxAttempts-1) - 1). The lock lease must exceed this.
func (c Config) MaxSleep() time.Duration {
	if c.MaxAttempts <= 1 {
		return 0
	}
	return c.BaseDelay * time.Duration((1<<(c.MaxAttempts-1))-1)
}

type Retrier struct {
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	metrics metrics.Sink // optional, nil = disabled
}

func New(cfg Config) *Retrier {
	return &Retrier{cfg: cfg, sleep: ctxSleep}
}

// WithMetrics attaches a metrics sink to the retrier.
func (r *Retrier) WithMetrics(sink metrics.Sink) *Retrier {
	r.metrics = sink
	return r
}

// Do runs op up to MaxAttempts times. Before each retry it sleeps
// BaseDelay * 2^(attempt-2), honoring ctx cancellation. Non-network errors
// are returned immediately; exhaustion returns the last observed error.
func (r *Retrier) Do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.cfg.BaseDelay << (attempt - 2)
			if r.metrics != nil {
				r.metrics.RetryAttempt(true)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry wait: %w", err)
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsNetworkError(lastErr) {
			if r.metrics != nil {
				r.metrics.RetryAttempt(false)
			}
			return lastErr
		}
	}
	return lastErr
}

// ctxSleep blocks for d or until ctx is done.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
