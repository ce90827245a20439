// Package retry provides the bounded exponential-backoff schedule and the
// retriable-vs-terminal error classification that provider.GenerateWithRetry
// uses around every provider call.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Schedule configures backoff delays.
type Schedule struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// DefaultSchedule is the standard backoff: 3 retries, 1s initial, 10s cap.
func DefaultSchedule() Schedule {
	return Schedule{
		MaxRetries:   3,
		InitialDelay: 1000 * time.Millisecond,
		MaxDelay:     10000 * time.Millisecond,
		Factor:       2,
	}
}

// DelayForAttempt computes delay = min(cap, initial * factor^(attempt-1)) +
// uniform(-10%, +10%), clamped to >= 0. attempt is 1-indexed: the first
// retry is attempt 1. jitterSeed makes the jitter deterministic per call
// instead of reaching for math/rand, so tests can pin delays exactly.
func DelayForAttempt(attempt int, sched Schedule, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if sched.InitialDelay <= 0 {
		return 0
	}
	baseMS := float64(sched.InitialDelay.Milliseconds()) * math.Pow(sched.Factor, float64(attempt-1))
	if sched.MaxDelay > 0 {
		baseMS = math.Min(baseMS, float64(sched.MaxDelay.Milliseconds()))
	}

	jitter := jitterUnit(jitterSeed)        // [0,1)
	offset := (jitter*2 - 1) * 0.1 * baseMS // +/-10%
	result := baseMS + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
