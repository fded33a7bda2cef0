package pricefeed

import "time"

// Exponential returns min(base·2^(level−1), cap). Level 0 or less yields 0.
func Exponential(base, cap time.Duration, level int) time.Duration {
	if level <= 0 || base <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < level; i++ {
		wait *= 2
		if cap > 0 && wait >= cap {
			return cap
		}
	}
	if cap > 0 && wait > cap {
		return cap
	}
	return wait
}
