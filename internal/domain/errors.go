package domain

import (
	"errors"
	"strings"
)

var (
	// ErrOrderbookNotFound is fatal: the token has no order book after
	// repeated lookups (market closed or token id wrong).
	ErrOrderbookNotFound = errors.New("orderbook not found")

	// ErrPriceUnavailable is fatal: no price could be resolved for too many
	// consecutive lookups.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrInsufficientBalance marks a rejection for balance, allowance or position.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRateLimited marks an HTTP 429 or equivalent.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound marks an HTTP 404 or equivalent.
	ErrNotFound = errors.New("not found")
)

var (
	insufficientMarkers = []string{
		"not enough balance",
		"insufficient balance",
		"insufficient funds",
		"insufficient position",
		"balance / allowance",
		"balance/allowance",
		"allowance",
	}
	rateLimitMarkers = []string{"429", "rate limit", "too many requests"}
	notFoundMarkers  = []string{"404", "no orderbook exists", "orderbook not found", "not found"}
)

// IsInsufficientBalance classifies placement and status errors that a
// shrink-and-retry can recover from.
func IsInsufficientBalance(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return true
	}
	return containsAny(err.Error(), insufficientMarkers)
}

// IsRateLimited reports whether err is a rate-limit response.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return containsAny(err.Error(), rateLimitMarkers)
}

// IsNotFound reports whether err is a missing-resource response.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrOrderbookNotFound) {
		return true
	}
	return containsAny(err.Error(), notFoundMarkers)
}

// IsFatal reports whether err must end a follower run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrOrderbookNotFound) || errors.Is(err, ErrPriceUnavailable)
}

// HasInsufficientMarker reports whether an exchange message mentions balance
// or allowance problems.
func HasInsufficientMarker(msg string) bool {
	return containsAny(msg, insufficientMarkers)
}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
