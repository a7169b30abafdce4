package errs

import (
	"context"

	"github.com/sethvargo/go-retry"
)

// Do runs fn under policy, retrying while the error is an UpstreamTransient
// *Error, per the exponential-backoff-with-jitter schedule in §7. It stops
// retrying — returning the last error — once fn returns a non-retryable
// error, MaxAttempts is reached, or ctx is cancelled.
func Do(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(policy.BaseDelay)
	backoff = retry.WithMaxRetries(uint64(policy.MaxAttempts-1), backoff)
	backoff = retry.WithJitterPercent(uint64(policy.JitterFrac*100), backoff)
	backoff = retry.WithCappedDuration(policy.MaxDelay, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		classified := As(err)
		if classified.Kind == KindUpstreamTrans {
			return retry.RetryableError(classified)
		}
		return classified
	})
}
