package notify

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

func backoff(attempts int, base, maxBackoff time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	// base * 2^(attempts-1)
	factor := math.Pow(2, float64(attempts-1))
	d := time.Duration(factor * float64(base))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// lockedRand makes a *rand.Rand safe for concurrent workers.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) jitter(maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 || l == nil || l.r == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// [0, maxJitter]
	return time.Duration(l.r.Int63n(int64(maxJitter) + 1)) //nolint:gosec
}
