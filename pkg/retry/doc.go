// Package retry runs an operation again with exponential backoff and jitter
// until it succeeds, the attempt or time budget is spent, or the context ends.
//
// The data-access core never retries statements on its own. Hosts use this
// package around operations they know to be safe to repeat: activating a data
// source whose server may still be starting, or resubmitting an idempotent
// request that failed with a retryable kind.
//
// Basic usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    _, err := reg.Activate(ctx, "players")
//	    return err
//	})
//
// DefaultRetryable treats shared.IsRetryable kinds (ConnectionUnavailable,
// PoolExhausted, Timeout), driver.ErrBadConn and transient network errors as
// retryable. Cancellation and statement errors are returned at once.
//
// Custom delay policy:
//
//	config := retry.DefaultConfig()
//	config.NextDelay = func(attempt int, err error) (time.Duration, bool) {
//	    if attempt > 3 {
//	        return 0, false // stop retrying
//	    }
//	    return time.Second * time.Duration(attempt), true
//	}
package retry
