package follower

import "time"

// BuyConfig tunes a Buyer.
type BuyConfig struct {
	PollInterval   time.Duration
	MinOrderSize   float64 // exchange minimum, in shares
	MinNotional    float64 // minimum price·size per order
	SizeDecimals   int
	PriceCap       float64       // 0 disables
	PriceTimeout   time.Duration // how long the bid may stay unresolved
	ShrinkHalvings int           // halving rounds before linear shrink
	ShrinkStep     float64       // linear shrink decrement, in shares
	ShrinkInterval time.Duration // minimum spacing between shrink attempts
	StallPolls     int           // polls without a fill before reconciling in shrink mode
}

// DefaultBuyConfig returns the production defaults.
func DefaultBuyConfig() BuyConfig {
	return BuyConfig{
		PollInterval:   time.Second,
		MinOrderSize:   5,
		MinNotional:    1,
		SizeDecimals:   2,
		PriceTimeout:   60 * time.Second,
		ShrinkHalvings: 4,
		ShrinkStep:     1,
		ShrinkInterval: time.Second,
		StallPolls:     30,
	}
}

// SellMode selects what happens while the ask sits below the floor.
type SellMode string

const (
	// SellConservative pulls the order and waits for the ask to recover.
	SellConservative SellMode = "conservative"
	// SellAggressive keeps an order resting and steps it down to the floor.
	SellAggressive SellMode = "aggressive"
)

// SellConfig tunes a Seller.
type SellConfig struct {
	PollInterval   time.Duration
	MinOrderSize   float64
	SizeDecimals   int
	SpreadFloorBps float64 // floor = entry·(1 + bps/10000)
	Mode           SellMode

	StepSize        float64       // aggressive price decrement
	StepTimeout     time.Duration // base wait between aggressive steps
	BackoffBase     time.Duration // extra wait per step level
	BackoffCap      time.Duration
	BackoffMaxLevel int

	PositionRefresh   time.Duration // 0 disables
	AskValidation     time.Duration // 0 disables
	PriceTimeout      time.Duration
	InactivityTimeout time.Duration // 0 disables

	RetryBase        time.Duration // insufficient position retry wait
	RetryCap         time.Duration
	ShrinkAfter      int // failures before the goal is locked and shrunk
	UnreachableAfter int // failures before giving up with FAILED
	ShrinkHalvings   int
	ShrinkStep       float64
}

// DefaultSellConfig returns the production defaults.
func DefaultSellConfig() SellConfig {
	return SellConfig{
		PollInterval:     time.Second,
		MinOrderSize:     5,
		SizeDecimals:     2,
		SpreadFloorBps:   0,
		Mode:             SellConservative,
		StepSize:         0.01,
		StepTimeout:      30 * time.Second,
		BackoffBase:      5 * time.Second,
		BackoffCap:       60 * time.Second,
		BackoffMaxLevel:  4,
		PositionRefresh:  30 * time.Second,
		AskValidation:    15 * time.Second,
		PriceTimeout:     120 * time.Second,
		RetryBase:        2 * time.Second,
		RetryCap:         30 * time.Second,
		ShrinkAfter:      3,
		UnreachableAfter: 8,
		ShrinkHalvings:   4,
		ShrinkStep:       1,
	}
}
