package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConstant runs op up to attempts times with a fixed delay between
// failures. notify, when set, sees every failed attempt including the last.
func RetryConstant(ctx context.Context, attempts int, delay time.Duration, op func() error, notify func(attempt int, err error)) error {
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)

	return backoff.RetryNotify(
		func() error {
			attempt++
			err := op()
			if err != nil && attempt == attempts && notify != nil {
				notify(attempt, err)
			}
			return err
		},
		policy,
		func(err error, _ time.Duration) {
			if notify != nil {
				notify(attempt, err)
			}
		},
	)
}
