package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryBackoff is the wait before the second attempt; it doubles after each failure.
var RetryBackoff = 50 * time.Millisecond

// WithRetry runs fn up to attempts times, retrying only storage failures.
// Business errors come back on the first attempt. Every engine operation is
// atomic, so a failed attempt left nothing behind.
func WithRetry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	wait := RetryBackoff
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts {
			break
		}
		zerolog.Ctx(ctx).Warn().Err(err).Int("attempt", i).Msg("retrying after storage failure")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
