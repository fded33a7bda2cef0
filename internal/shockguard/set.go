package shockguard

import (
	"log/slog"
	"sync"
	"time"
)

// Set holds one Guard per token, created on first use.
type Set struct {
	mu     sync.Mutex
	cfg    Config
	opts   []Option
	log    *slog.Logger
	guards map[string]*Guard
}

// NewSet creates an empty Set; every guard it creates uses cfg.
func NewSet(cfg Config, opts ...Option) *Set {
	return &Set{
		cfg:    cfg,
		opts:   opts,
		log:    buildOptions(opts).log,
		guards: make(map[string]*Guard),
	}
}

// Get returns the guard for token.
func (s *Set) Get(token string) *Guard {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[token]
	if !ok {
		g = New(token, s.cfg, s.opts...)
		s.guards[token] = g
	}
	return g
}

func (s *Set) Observe(token string, bid, ask float64, ts time.Time) {
	s.Get(token).Observe(bid, ask, ts)
}

func (s *Set) GateBuy(token string, ts time.Time) Decision {
	return s.Get(token).GateBuy(ts)
}

// SetConfig applies cfg to every existing and future guard.
func (s *Set) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	guards := make([]*Guard, 0, len(s.guards))
	for _, g := range s.guards {
		guards = append(guards, g)
	}
	s.mu.Unlock()

	for _, g := range guards {
		g.SetConfig(cfg)
	}
	s.log.Info("guard: thresholds updated", "enabled", cfg.Enabled, "window", cfg.Window,
		"drop_pct", cfg.DropPct, "hold", cfg.Hold, "cooldown", cfg.Cooldown, "tokens", len(guards))
}
