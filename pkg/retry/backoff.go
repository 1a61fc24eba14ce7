package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns base * 2^attempt for a zero-based attempt, capped by maxDelay
// when maxDelay is positive.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 || base <= 0 {
		return 0
	}
	d := time.Duration(math.Pow(2, float64(attempt)) * float64(base))
	if maxDelay > 0 && (d > maxDelay || d < 0) {
		return maxDelay
	}
	return d
}

func jitter(r *rand.Rand, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 || r == nil {
		return 0
	}
	// [0, maxJitter]
	return time.Duration(r.Int63n(int64(maxJitter) + 1)) //nolint:gosec
}
