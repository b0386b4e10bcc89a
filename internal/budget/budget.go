// Package budget turns run configuration into a cycle ceiling and the pause
// between cycles. Everything here is pure: the same inputs always produce the
// same outputs, which is what makes re-deriving the ceiling after a restart
// safe.
package budget

import (
	"math"
	"time"
)

// CustomRunThreshold separates explicit short-run overrides from derived
// ceilings. A persisted ceiling below it is an override and survives reloads.
const CustomRunThreshold = 100

// DefaultCeiling is used when no deadline and no override are configured.
const DefaultCeiling = 10000

// SleepFloor is the fraction of the interval that is always slept.
const SleepFloor = 0.8

// ComputeCeiling decides how many cycles the run may execute in total.
//
// Precedence: an override below threshold wins, then a deadline-derived value,
// then defaultCeiling. The deadline-derived value is measured from anchor
// (the run's fixed start instant) so that repeated reloads of the same state
// produce the same number.
func ComputeCeiling(override int, deadline *time.Time, interval time.Duration, defaultCeiling int, anchor time.Time, threshold int) int {
	if threshold <= 0 {
		threshold = CustomRunThreshold
	}
	if override > 0 && override < threshold {
		return override
	}
	if deadline != nil && interval > 0 {
		span := deadline.Sub(anchor)
		if span <= 0 {
			return 0
		}
		return int(math.Ceil(float64(span) / float64(interval)))
	}
	if defaultCeiling <= 0 {
		return DefaultCeiling
	}
	return defaultCeiling
}

// ComputeSleep returns max(interval-elapsed, 0.8*interval).
func ComputeSleep(interval, elapsed time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	floor := time.Duration(float64(interval) * SleepFloor)
	remaining := interval - elapsed
	if remaining > floor {
		return remaining
	}
	return floor
}

// ShouldContinue is the runner's loop condition.
func ShouldContinue(now time.Time, deadline *time.Time, current, ceiling int) bool {
	if deadline != nil && !now.Before(*deadline) {
		return false
	}
	return current < ceiling
}
