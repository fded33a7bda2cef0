package shockguard

import "time"

// Config holds the shock and recovery thresholds.
type Config struct {
	Enabled bool

	Window   time.Duration // lookback for the window high
	DropPct  float64       // (high − mid)/high that counts as a shock
	Velocity float64       // price units per second of decline, 0 disables
	AbsFloor float64       // mid at or below this is a shock, 0 disables

	Hold              time.Duration // observation hold before recovery is checked
	ReboundPct        float64       // required rebound from the running low
	Reconfirm         time.Duration // required time since the running low
	SpreadCap         float64       // maximum spread for recovery
	RequireConditions int           // recovery conditions that must hold, of 3

	Cooldown time.Duration // BLOCKED duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Window:            30 * time.Second,
		DropPct:           0.20,
		Hold:              10 * time.Second,
		ReboundPct:        0.05,
		Reconfirm:         3 * time.Second,
		SpreadCap:         0.03,
		RequireConditions: 2,
		Cooldown:          60 * time.Second,
	}
}

// retention is how long snapshots are kept: twice the largest window.
func (c Config) retention() time.Duration {
	longest := c.Window
	for _, d := range []time.Duration{c.Hold, c.Reconfirm} {
		if d > longest {
			longest = d
		}
	}
	return 2 * longest
}
