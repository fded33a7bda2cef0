package follower

import (
	"math"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

// NextShrink returns the reduced remaining size for shrink attempt round
// (1-based). The first halvings rounds halve the remaining size, later
// rounds subtract step. The result never goes below floor: an overshoot is
// clamped to floor once, and ok is false when remaining is already at or
// below floor.
func NextShrink(remaining, floor float64, round, halvings int, step float64, sizeDecimals int) (float64, bool) {
	eps := domain.TickSize(sizeDecimals) / 2
	if remaining <= floor+eps || remaining <= eps {
		return 0, false
	}

	var next float64
	if round <= halvings {
		next = remaining / 2
	} else {
		next = remaining - math.Max(step, domain.TickSize(sizeDecimals))
	}
	next = domain.RoundDownToDP(next, sizeDecimals)

	if next < floor {
		next = domain.RoundUpToDP(floor, sizeDecimals)
	}
	if next >= remaining-eps {
		return 0, false
	}
	return next, true
}
