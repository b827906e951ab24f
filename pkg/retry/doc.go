// Package retry provides bounded exponential backoff for transient failures.
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Publish(): 6 attempts, 1s doubling to a 60s ceiling (sink writes)
//   - Poll(): 4 attempts, 500ms-10s with jitter (upstream polls)
//
// # Usage
//
//	cfg := retry.Publish()
//	cfg.Retryable = errors.IsTransient
//	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
//	    logger.Warn("write failed, retrying", "attempt", attempt, "delay", delay, "error", err)
//	}
//	err := retry.Do(ctx, cfg, func() error {
//	    return sink.Publish(ctx, batch)
//	})
//
// An error rejected by Retryable, or wrapped with NonRetryable, ends the loop
// immediately and is returned wrapped in NonRetryableError. Exhausting all
// attempts returns "retry failed after N attempts: <last error>" with the last
// error still reachable through errors.Is / errors.As.
//
// Cancelling ctx interrupts the backoff sleep, never an attempt in progress.
package retry
