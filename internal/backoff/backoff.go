// Package backoff implements bounded retry with exponential backoff for
// stage-level calls to external services.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

type Config struct {
	// MaxAttempts bounds the total number of tries, including the first one.
	MaxAttempts int
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay between retries.
	Max time.Duration
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64
	// Jitter adds up to 25% of the computed delay when set.
	Jitter bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Initial:     100 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, exhausts
// the attempt budget, or ctx is cancelled. isRetryable decides whether an
// error is worth another attempt; a nil isRetryable retries everything.
func Retry(ctx context.Context, cfg Config, fn func() error, isRetryable func(error) bool) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.Initial
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		sleep := delay
		if cfg.Jitter {
			sleep += time.Duration(rand.Float64() * 0.25 * float64(sleep))
		}
		if sleep > cfg.Max {
			sleep = cfg.Max
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.Max {
			delay = cfg.Max
		}
	}

	return lastErr
}
