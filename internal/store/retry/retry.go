// Package retry bounds every storage call with a retry policy for transient
// failures. Operations passed here must be idempotent or read-only; the
// layer re-issues them verbatim and does not implement distributed
// transaction recovery.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/dealdesk/dealdesk/internal/store"
	"github.com/dealdesk/dealdesk/internal/telemetry"
)

const (
	maxAttempts     = 5
	initialInterval = 200 * time.Millisecond
	multiplier      = 1.5
	maxInterval     = 2 * time.Second
)

// attemptTimeout bounds a single attempt; a timed-out attempt counts as a
// failed attempt eligible for retry, not as success. Var so tests can
// shorten it.
var attemptTimeout = 10 * time.Second

// Do executes op with exponential backoff on transient storage errors.
// Terminal errors propagate immediately and unmodified. When the retry
// budget is exhausted on a transient error the result is a single
// store.ErrUnavailable, not the raw transient error repeated.
func Do[T any](ctx context.Context, name string, op func(ctx context.Context) (T, error)) (T, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initialInterval,
		RandomizationFactor: 0.2,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
	}

	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		v, opErr := op(attemptCtx)
		if opErr == nil {
			return v, nil
		}
		// A blown attempt deadline is this layer's own timeout, not the
		// caller's, so it retries like any transient failure. Caller
		// cancellation stays terminal.
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			opErr = store.MarkTransient(opErr)
		}
		if !store.IsTransient(opErr) {
			return v, backoff.Permanent(opErr)
		}

		telemetry.GetMetrics().StorageRetriesTotal.Add(ctx, 1)
		log.Warn().
			Err(opErr).
			Str("operation", name).
			Int("attempt", attempt).
			Msg("Transient storage error, will retry")
		return v, opErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxAttempts))

	if err != nil && store.IsTransient(err) {
		telemetry.GetMetrics().StorageExhaustedTotal.Add(ctx, 1)
		return result, fmt.Errorf("%s: %w: %w", name, store.ErrUnavailable, err)
	}

	return result, err
}
