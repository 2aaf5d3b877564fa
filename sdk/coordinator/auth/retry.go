package auth

import (
	"context"
	"time"
)

const (
	quotaBackoffBase = time.Second
	quotaBackoffMax  = 30 * time.Minute
)

// backoffDelay returns base * 2^attempt capped at limit.
func backoffDelay(base time.Duration, attempt int, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// nextQuotaCooldown returns the cooldown for a provider that hit its quota again.
func nextQuotaCooldown(prevLevel int) (time.Duration, int) {
	if prevLevel < 0 {
		prevLevel = 0
	}
	cooldown := backoffDelay(quotaBackoffBase, prevLevel, quotaBackoffMax)
	if cooldown >= quotaBackoffMax {
		return quotaBackoffMax, prevLevel
	}
	return cooldown, prevLevel + 1
}

func waitForCooldown(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
