package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy retries a brokerage call a bounded number of times with
// linear backoff before surfacing a *Error.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Logger      zerolog.Logger
}

// DefaultRetryPolicy matches the externally rate-limited broker APIs: three
// attempts, half a second apart and growing.
func DefaultRetryPolicy(logger zerolog.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		Logger:      logger.With().Str("component", "BrokerRetry").Logger(),
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or the context
// ends. Exhaustion returns a *Error wrapping the last failure.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Error{Op: op, Attempts: attempt - 1, Err: err}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		p.Logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Err(lastErr).
			Msg("brokerage call failed")

		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * p.Backoff):
			case <-ctx.Done():
				return &Error{Op: op, Attempts: attempt, Err: ctx.Err()}
			}
		}
	}
	return &Error{Op: op, Attempts: attempts, Err: lastErr}
}
