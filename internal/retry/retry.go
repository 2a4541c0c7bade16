// Package retry provides the backoff-and-retry helper used by the client
// session for its metadata calls to the messaging service's API. Backoff doubles with jitter, and flood-wait errors sleep for their
// announced duration instead of the computed curve.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/zfonlyone/tg-export/internal/tgerr"
)

// Config controls backoff timing.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig matches the retry posture used throughout the engine: five
// attempts, starting at 500ms, capped at 30s, doubling with jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Do calls fn until it succeeds, returns a permanent error, or exhausts
// MaxAttempts. Flood-wait errors sleep for the announced duration instead of
// the computed backoff. Honors ctx cancellation between attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !tgerr.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		delay := backoff(cfg, attempt)
		if wait := tgerr.WaitFor(lastErr); wait > 0 {
			delay = wait
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.BaseDelay << attempt
	if d > cfg.MaxDelay || d <= 0 {
		d = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d/2 + jitter
}
