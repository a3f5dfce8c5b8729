package recovery

import (
	"math"
	"time"
)

// Schedule is a caller-supplied delay schedule. Delay i is waited after
// failed attempt i; attempts beyond the schedule reuse its last entry.
type Schedule []time.Duration

// GetDelay returns the delay after the given attempt (0-indexed).
func (s Schedule) GetDelay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s) {
		return s[len(s)-1]
	}
	return s[attempt]
}

// ExponentialSchedule builds n delays of initial * 2^i, capped at max.
// 2s, 4s, 8s, 16s, 32s (Max 60s)
func ExponentialSchedule(initial, max time.Duration, n int) Schedule {
	s := make(Schedule, 0, n)
	for i := 0; i < n; i++ {
		delay := float64(initial) * math.Pow(2, float64(i))
		if max > 0 && delay > float64(max) {
			delay = float64(max)
		}
		s = append(s, time.Duration(delay))
	}
	return s
}
