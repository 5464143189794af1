package replay

import "time"

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// calculateBackoff returns the exponential backoff delay for a retry attempt:
// backoffBase * 2^attempt, capped at backoffMax.
func calculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		return backoffBase
	}
	// 2^30 seconds already far exceeds the cap.
	if attempt > 30 {
		return backoffMax
	}

	d := backoffBase * time.Duration(1<<attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
