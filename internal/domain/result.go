package domain

import "time"

// FollowStatus is the terminal outcome of one follower run.
type FollowStatus string

const (
	StatusFilled          FollowStatus = "FILLED"
	StatusFilledTruncated FollowStatus = "FILLED_TRUNCATED"
	StatusSkipped         FollowStatus = "SKIPPED"
	StatusSkippedTooSmall FollowStatus = "SKIPPED_TOO_SMALL"
	StatusStopped         FollowStatus = "STOPPED"
	StatusPriceTimeout    FollowStatus = "PRICE_TIMEOUT"
	StatusAbandoned       FollowStatus = "ABANDONED"
	StatusFailed          FollowStatus = "FAILED"
)

// FollowResult is returned by every follower run, including abnormal ones.
// AvgPrice is nil when nothing was filled.
type FollowResult struct {
	TokenID   string
	Side      Side
	Status    FollowStatus
	AvgPrice  *float64
	Filled    float64
	Remaining float64
	Orders    []OrderRecord
}

// AvgPriceOr returns the average fill price or def when nothing was filled.
func (r FollowResult) AvgPriceOr(def float64) float64 {
	if r.AvgPrice == nil {
		return def
	}
	return *r.AvgPrice
}

// RunRecord is a journaled follower run.
type RunRecord struct {
	RunID      string
	Result     FollowResult
	Err        string
	StartedAt  time.Time
	FinishedAt time.Time
}
