/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how RetryGet spaces out attempts.
// Zero values fall back to the exponential back-off defaults.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Called after each failed attempt, before sleeping.
	OnRetry func(err error, wait time.Duration)
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	// The context deadline is the only limit on the total retry time.
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// Try calling factory function with exponential back-off until it succeeds,
// returns a permanent error, or the context is done.
func RetryGet[T any](ctx context.Context, policy RetryPolicy, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		policy.newBackOff(ctx),
		func(err error, d time.Duration) {
			lastAttemptErr = err
			if policy.OnRetry != nil {
				policy.OnRetry(err, d)
			}
		},
	)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// Report the cancellation together with the reason the last attempt failed.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

// Permanent wraps an error so that RetryGet stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
