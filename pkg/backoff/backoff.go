// Package backoff holds the single retry-delay formula shared by workflow
// steps, broker-mode job retries, and memory-mode job retries.
package backoff

import (
	"math"
	"time"
)

const (
	// DefaultBase is the delay unit for the first retry.
	DefaultBase = time.Second
	// DefaultCap bounds the exponential growth.
	DefaultCap = 5 * time.Minute
)

// Delay computes the wait before retry number attempt (1-based).
// A factor of 0 means retry immediately. The result never exceeds cap.
func Delay(attempt int, factor float64, base, cap time.Duration) time.Duration {
	if factor == 0 || attempt <= 0 || base <= 0 {
		return 0
	}
	d := time.Duration(math.Pow(factor, float64(attempt)) * float64(base))
	if d < 0 || d > cap {
		return cap
	}
	return d
}
