package daemon

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

// DefaultStartupBackoff returns the backoff used while waiting for quotas
// to come up at boot, with 10% jitter
func DefaultStartupBackoff() wait.Backoff {
	return wait.Backoff{
		Steps:    5,               // Maximum 5 attempts
		Duration: 1 * time.Second, // Initial delay: 1 second
		Factor:   2.0,             // Double each time: 1s, 2s, 4s, 8s, 16s
		Jitter:   0.1,
	}
}

// RetryWithBackoff retries fn with exponential backoff until it succeeds,
// fails with an error IsRetryableError rejects, or the steps run out.
//
// Returns:
//   - nil if fn() succeeds
//   - the last error of fn() if all retries are exhausted
//   - the error of fn() if it is not retryable
//   - ctx.Err() if ctx is done first
func RetryWithBackoff(ctx context.Context, backoff wait.Backoff, fn func() error) error {
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn()

		if lastErr == nil {
			klog.V(4).Infof("Operation succeeded on attempt %d", attempt)
			return true, nil
		}

		if IsRetryableError(lastErr) {
			klog.V(3).Infof("Attempt %d failed with retryable error: %v", attempt, lastErr)
			return false, nil
		}

		klog.V(3).Infof("Attempt %d failed with non-retryable error: %v", attempt, lastErr)
		return false, lastErr
	})

	if wait.Interrupted(err) && lastErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		klog.V(2).Infof("All %d retry attempts exhausted, last error: %v", attempt, lastErr)
		return lastErr
	}
	return err
}

// IsRetryableError reports whether err may clear up on its own: quotas not
// turned on yet or a device still settling
func IsRetryableError(err error) bool {
	return errors.Is(err, quota.ErrNotSupported) || errors.Is(err, quota.ErrIO)
}
