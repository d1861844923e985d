package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

// exponentialBackOff returns the reconnect policy. If maxElapsed is zero, it
// retries until the context is cancelled.
func exponentialBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(10*time.Second),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}

// retryGet calls fn until it succeeds, fails permanently, or the backoff is
// exhausted. Protocol version mismatches and authentication failures are
// never retried, the latter so the device doesn't prompt again.
func retryGet[T any](ctx context.Context, b backoff.BackOff, log *slog.Logger, what string, fn func() (T, error)) (T, error) {
	var lastErr error
	v, err := backoff.RetryNotifyWithData(
		func() (T, error) {
			v, err := fn()
			if errors.Is(err, adbproto.ErrProtocolVersion) || errors.Is(err, adbproto.ErrAuthentication) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			lastErr = err
			log.Warn(what+" failed, retrying", "error", err, "delay", d)
		},
	)
	if err != nil && lastErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return v, errors.Join(lastErr, err)
	}
	return v, err
}

// retry is like retryGet for operations without a result.
func retry(ctx context.Context, b backoff.BackOff, log *slog.Logger, what string, fn func() error) error {
	_, err := retryGet(ctx, b, log, what, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
