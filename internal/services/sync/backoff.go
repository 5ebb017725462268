package sync

import (
	"math"
	"time"

	"face-attendance-go/config"
)

// Backoff computes exponential retry delays: Initial * Factor^(retries-1),
// capped at Max.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// BackoffFromConfig builds the retry policy from the sync settings.
func BackoffFromConfig(cfg config.SyncConfig) Backoff {
	return Backoff{Initial: cfg.RetryInitialDelay, Factor: cfg.RetryBackoffFactor, Max: cfg.RetryMaxDelay}
}

// Delay returns the wait after the given number of failed attempts.
func (b Backoff) Delay(retries int) time.Duration {
	if retries <= 0 || b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.Initial) * math.Pow(factor, float64(retries-1))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

// Due reports whether a message with the given attempt history may be tried
// again at now.
func (b Backoff) Due(lastAttempt time.Time, retries int, now time.Time) bool {
	if lastAttempt.IsZero() {
		return true
	}
	return now.Sub(lastAttempt) >= b.Delay(retries)
}
