package integration

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy retries an operation with exponential backoff. It is composed
// around provider calls instead of being baked into them, so the backoff
// behavior is testable on its own.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetryPolicy(maxAttempts int, initialDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		sleep:        sleepCtx,
	}
}

// Do runs op until it succeeds or attempts are exhausted, doubling the delay
// between attempts up to MaxDelay. The last error is returned unwrapped so
// callers can report it as-is.
func (p *RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, op func(ctx context.Context) error) error {
	delay := p.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Operation failed, retrying")

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
