package syncer

import "time"

// Backoff returns the retry delay after attempts failed deliveries: base
// doubled per extra attempt, capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		if max > 0 && delay >= max {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
