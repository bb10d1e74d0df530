package client

import (
	"context"
	"fmt"
	"time"
)

// waitForQuota blocks until the direct secret has quota again.
// A server-requested Retry-After is honored before the first poll.
func (c *Client) waitForQuota(ctx context.Context, out Outcome) error {
	start := time.Now()
	defer func() {
		ghQuotaWaitSeconds.Observe(time.Since(start).Seconds())
	}()
	ghRecoveriesTotal.WithLabelValues("wait").Inc()

	if out.RetryAfter > 0 {
		c.logger.Info().Dur("retry_after", out.RetryAfter).Msg("Rate limited, honoring Retry-After")
		if err := sleep(ctx, out.RetryAfter); err != nil {
			return err
		}
	}

	for {
		q, err := c.quota.Quota(ctx, c.secret)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return fmt.Errorf("quota wait: %w", ctx.Err())
			}
			c.logger.Warn().Err(err).Msg("Quota check failed")
		case q.Remaining > 0:
			c.record(ctx, DirectIdentity, q)
			c.logger.Info().
				Int("remaining", q.Remaining).
				Dur("waited", time.Since(start)).
				Msg("Quota recovered")
			return nil
		default:
			c.record(ctx, DirectIdentity, q)
			c.logger.Warn().
				Time("reset_at", q.Reset).
				Dur("poll_interval", c.config.PollInterval).
				Msg("Quota exhausted, waiting")
		}

		if err := sleep(ctx, c.config.PollInterval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		ghExecuteFailuresTotal.WithLabelValues("cancelled").Inc()
		return fmt.Errorf("quota wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
