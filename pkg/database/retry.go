package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// maxAttempts bounds how often a transient failure is retried.
	maxAttempts = 5

	// opTimeout bounds a single attempt.
	opTimeout = 5 * time.Second

	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// withRetry runs fn under a per-attempt timeout, retrying transient errors
// with exponential backoff. Non-transient errors return immediately.
func withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0

	attempt := 0

	operation := func() error {
		attempt++

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		err := fn(opCtx)
		if err == nil {
			return nil
		}

		if !IsTransientError(err) {
			return backoff.Permanent(err)
		}

		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Msg("transient database error, retrying")

		return err
	}

	return backoff.Retry(
		operation,
		backoff.WithMaxRetries(backoff.WithContext(bo, ctx), maxAttempts-1),
	)
}
