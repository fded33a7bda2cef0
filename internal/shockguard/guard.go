// Package shockguard gates new buys on a token after a sudden price drop
// until a recovery is confirmed.
//
// Each token has its own phase machine:
//
//	NORMAL → HOLDING → RECOVERY_CHECK → BLOCKED | NORMAL
//
// A buy is always preceded by a HOLDING observation window, so the first
// gate on a token defers.
package shockguard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polyfollow/internal/metrics"
)

// Phase is the guard state for one token.
type Phase string

const (
	PhaseNormal        Phase = "NORMAL"
	PhaseHolding       Phase = "HOLDING"
	PhaseRecoveryCheck Phase = "RECOVERY_CHECK"
	PhaseBlocked       Phase = "BLOCKED"
)

// Decision is the outcome of GateBuy.
type Decision string

const (
	Allow  Decision = "ALLOW"
	Defer  Decision = "DEFER"
	Reject Decision = "REJECT"
)

type snapshot struct {
	ts     time.Time
	mid    float64
	spread float64
}

// Guard is the phase machine for one token. Safe for concurrent use.
type Guard struct {
	token   string
	log     *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	cfg     Config
	history []snapshot
	phase   Phase

	holdUntil    time.Time
	evidence     bool // the hold was opened by a detected shock
	anchor       float64
	low          float64
	lowAt        time.Time
	blockedUntil time.Time
}

// Option configures a Guard or Set.
type Option func(*options)

type options struct {
	log     *slog.Logger
	metrics *metrics.Recorder
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a guard for token in phase NORMAL.
func New(token string, cfg Config, opts ...Option) *Guard {
	o := buildOptions(opts)
	return &Guard{
		token:   token,
		log:     o.log.With("token", token),
		metrics: o.metrics,
		cfg:     cfg,
		phase:   PhaseNormal,
	}
}

// SetConfig swaps the thresholds. History and phase are kept.
func (g *Guard) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// Phase returns the current phase.
func (g *Guard) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// Observe records a market snapshot. Snapshots without a positive bid and
// ask are ignored.
func (g *Guard) Observe(bid, ask float64, ts time.Time) {
	if bid <= 0 || ask <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	mid := (bid + ask) / 2
	g.history = append(g.history, snapshot{ts: ts, mid: mid, spread: ask - bid})
	g.trim(ts)

	switch g.phase {
	case PhaseHolding, PhaseRecoveryCheck:
		if mid < g.low {
			g.low, g.lowAt = mid, ts
		}
	case PhaseNormal:
		if !g.cfg.Enabled {
			return
		}
		if shocked, reason := g.detect(ts); shocked {
			g.hold(ts, true)
			g.log.Warn("guard: shock detected", "reason", reason, "mid", mid, "anchor", g.anchor, "hold_until", g.holdUntil)
		}
	}
}

// GateBuy decides whether a buy may start at ts.
func (g *Guard) GateBuy(ts time.Time) Decision {
	g.mu.Lock()
	d := g.gate(ts)
	phase := g.phase
	g.mu.Unlock()

	g.metrics.GuardDecision(string(d))
	g.log.Debug("guard: gate", "decision", d, "phase", phase)
	return d
}

func (g *Guard) gate(ts time.Time) Decision {
	if !g.cfg.Enabled {
		return Allow
	}

	if g.phase == PhaseBlocked {
		if ts.Before(g.blockedUntil) {
			return Reject
		}
		g.log.Info("guard: cooldown elapsed")
		g.phase = PhaseNormal
	}

	if g.phase == PhaseNormal {
		shocked, reason := g.detect(ts)
		g.hold(ts, shocked)
		if shocked {
			g.log.Warn("guard: shock detected at gate", "reason", reason, "hold_until", g.holdUntil)
		} else {
			g.log.Info("guard: observing before buy", "hold_until", g.holdUntil)
		}
		return Defer
	}

	if g.phase == PhaseHolding {
		if ts.Before(g.holdUntil) {
			return Defer
		}
		g.phase = PhaseRecoveryCheck
	}

	return g.recoveryCheck(ts)
}

func (g *Guard) recoveryCheck(ts time.Time) Decision {
	shocked, reason := g.detect(ts)

	if !g.evidence {
		if shocked {
			g.hold(ts, true)
			g.log.Warn("guard: shock during observation", "reason", reason, "hold_until", g.holdUntil)
			return Defer
		}
		g.reset()
		return Allow
	}

	met, total := g.recoveryConditions(ts)
	if met < g.cfg.RequireConditions {
		g.phase = PhaseBlocked
		g.blockedUntil = ts.Add(g.cfg.Cooldown)
		g.log.Warn("guard: recovery not confirmed, blocking",
			"conditions_met", met, "of", total, "required", g.cfg.RequireConditions,
			"low", g.low, "blocked_until", g.blockedUntil)
		return Reject
	}

	if shocked {
		g.hold(ts, true)
		g.log.Warn("guard: recovered but still shocked", "reason", reason, "hold_until", g.holdUntil)
		return Defer
	}

	g.log.Info("guard: recovery confirmed", "conditions_met", met, "low", g.low)
	g.reset()
	return Allow
}

// recoveryConditions counts rebound, reconfirm time and spread.
func (g *Guard) recoveryConditions(ts time.Time) (met, total int) {
	total = 3
	if len(g.history) == 0 {
		return 0, total
	}
	last := g.history[len(g.history)-1]

	if g.low > 0 && (last.mid-g.low)/g.low >= g.cfg.ReboundPct {
		met++
	}
	if !g.lowAt.IsZero() && ts.Sub(g.lowAt) >= g.cfg.Reconfirm {
		met++
	}
	if last.spread <= g.cfg.SpreadCap {
		met++
	}
	return met, total
}

// detect checks the window for a drop, an absolute floor breach or a fast decline.
func (g *Guard) detect(ts time.Time) (bool, string) {
	window := g.inWindow(ts)
	if len(window) == 0 {
		return false, ""
	}
	high := window[0]
	for _, s := range window[1:] {
		if s.mid > high.mid {
			high = s
		}
	}
	cur := window[len(window)-1]

	if high.mid > 0 && g.cfg.DropPct > 0 && (high.mid-cur.mid)/high.mid >= g.cfg.DropPct {
		return true, "drop"
	}
	if g.cfg.AbsFloor > 0 && cur.mid <= g.cfg.AbsFloor {
		return true, "floor"
	}
	if g.cfg.Velocity > 0 {
		if secs := cur.ts.Sub(high.ts).Seconds(); secs > 0 && (high.mid-cur.mid)/secs >= g.cfg.Velocity {
			return true, "velocity"
		}
	}
	return false, ""
}

func (g *Guard) hold(ts time.Time, evidence bool) {
	g.phase = PhaseHolding
	g.holdUntil = ts.Add(g.cfg.Hold)
	g.evidence = evidence
	g.anchor, g.low, g.lowAt = 0, 0, time.Time{}

	for _, s := range g.inWindow(ts) {
		if s.mid > g.anchor {
			g.anchor = s.mid
		}
		if g.low == 0 || s.mid < g.low {
			g.low, g.lowAt = s.mid, s.ts
		}
	}
}

func (g *Guard) reset() {
	g.phase = PhaseNormal
	g.evidence = false
	g.holdUntil = time.Time{}
	g.anchor, g.low, g.lowAt = 0, 0, time.Time{}
}

func (g *Guard) inWindow(ts time.Time) []snapshot {
	cutoff := ts.Add(-g.cfg.Window)
	for i, s := range g.history {
		if !s.ts.Before(cutoff) {
			return g.history[i:]
		}
	}
	return nil
}

func (g *Guard) trim(ts time.Time) {
	cutoff := ts.Add(-g.cfg.retention())
	i := 0
	for i < len(g.history) && g.history[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.history = append(g.history[:0], g.history[i:]...)
	}
}
