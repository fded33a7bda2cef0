// Package engine runs a full position: it waits for the shock guard to let
// a buy through, follows the bid until the target is filled and then hands
// the filled shares to the sell follower.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyfollow/internal/domain"
	"github.com/alejandrodnm/polyfollow/internal/follower"
	"github.com/alejandrodnm/polyfollow/internal/ports"
	"github.com/alejandrodnm/polyfollow/internal/shockguard"
)

// QuoteFeed is the part of the price feed the gate loop needs.
type QuoteFeed interface {
	Quote(ctx context.Context, tokenID string) (bid, ask domain.PriceSample, ok bool, err error)
}

// Gate decides whether a buy may start. *shockguard.Set implements it.
type Gate interface {
	Observe(token string, bid, ask float64, ts time.Time)
	GateBuy(token string, ts time.Time) shockguard.Decision
}

// BuyRunner is implemented by *follower.Buyer.
type BuyRunner interface {
	Buy(ctx context.Context, req follower.BuyRequest) (domain.FollowResult, error)
}

// SellRunner is implemented by *follower.Seller.
type SellRunner interface {
	Sell(ctx context.Context, req follower.SellRequest) (domain.FollowResult, error)
}

// Config tunes the gate loop.
type Config struct {
	GateTimeout time.Duration // how long a deferred buy may wait before it is skipped
	GatePoll    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GateTimeout: 120 * time.Second,
		GatePoll:    time.Second,
	}
}

// Request describes one position run.
type Request struct {
	TokenID  string
	Size     float64
	MaxPrice float64     // 0 keeps the buyer's configured cap
	Floor    float64     // explicit sell floor, 0 derives it from the entry
	Stop     func() bool // shared by the gate loop and both followers
}

// Outcome is what one Run produced. Sell is nil when nothing was bought.
type Outcome struct {
	RunID string
	Buy   domain.FollowResult
	Sell  *domain.FollowResult
}

// Engine orchestrates the gate, the buyer and the seller for one token at a time.
type Engine struct {
	feed    QuoteFeed
	gate    Gate
	buyer   BuyRunner
	seller  SellRunner
	journal ports.RunJournal
	cfg     Config

	log   *slog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithJournal records every follower result. Without it results are only returned.
func WithJournal(j ports.RunJournal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithClock replaces time.Now and the gate sleep, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.now = now
		e.sleep = sleep
	}
}

// New creates an Engine.
func New(feed QuoteFeed, gate Gate, buyer BuyRunner, seller SellRunner, cfg Config, opts ...Option) *Engine {
	if cfg.GatePoll <= 0 {
		cfg.GatePoll = time.Second
	}
	e := &Engine{
		feed:   feed,
		gate:   gate,
		buyer:  buyer,
		seller: seller,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run gates, buys and then sells req.Size shares of req.TokenID.
// The error is non-nil only for fatal price faults; Outcome always carries
// whatever was filled before the fault.
func (e *Engine) Run(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{RunID: uuid.NewString()}
	log := e.log.With("run", out.RunID, "token", req.TokenID)
	started := e.now()

	allowed, status, err := e.awaitGate(ctx, req, log)
	if err != nil || !allowed {
		out.Buy = domain.FollowResult{
			TokenID:   req.TokenID,
			Side:      domain.SideBuy,
			Status:    status,
			Remaining: req.Size,
		}
		e.record(ctx, out.RunID, out.Buy, err, started)
		if err != nil {
			return out, fmt.Errorf("engine.Run: gate: %w", err)
		}
		log.Info("engine: buy not started", "status", status)
		return out, nil
	}

	buy, err := e.buyer.Buy(ctx, follower.BuyRequest{
		TokenID:  req.TokenID,
		Size:     req.Size,
		MaxPrice: req.MaxPrice,
		Stop:     req.Stop,
	})
	out.Buy = buy
	e.record(ctx, out.RunID, buy, err, started)
	if err != nil {
		log.Error("engine: buy failed", "err", err, "fatal", domain.IsFatal(err), "filled", buy.Filled)
	}

	if buy.Filled <= 0 || buy.AvgPrice == nil {
		if err != nil {
			return out, fmt.Errorf("engine.Run: buy: %w", err)
		}
		log.Info("engine: nothing bought", "status", buy.Status)
		return out, nil
	}

	log.Info("engine: handing position to seller", "shares", buy.Filled, "entry", *buy.AvgPrice)
	sell, sellErr := e.sellPosition(ctx, out.RunID, follower.SellRequest{
		TokenID:    req.TokenID,
		Size:       buy.Filled,
		EntryPrice: *buy.AvgPrice,
		Floor:      req.Floor,
		Stop:       req.Stop,
	})
	out.Sell = &sell

	if err != nil {
		return out, fmt.Errorf("engine.Run: buy: %w", err)
	}
	if sellErr != nil {
		return out, fmt.Errorf("engine.Run: sell: %w", sellErr)
	}
	return out, nil
}

// Sell exits a position acquired elsewhere.
func (e *Engine) Sell(ctx context.Context, req follower.SellRequest) (Outcome, error) {
	out := Outcome{RunID: uuid.NewString()}
	sell, err := e.sellPosition(ctx, out.RunID, req)
	out.Sell = &sell
	if err != nil {
		return out, fmt.Errorf("engine.Sell: %w", err)
	}
	return out, nil
}

func (e *Engine) sellPosition(ctx context.Context, runID string, req follower.SellRequest) (domain.FollowResult, error) {
	started := e.now()
	res, err := e.seller.Sell(ctx, req)
	e.record(ctx, runID, res, err, started)
	if err != nil {
		e.log.Error("engine: sell failed", "run", runID, "token", req.TokenID, "err", err, "filled", res.Filled)
	}
	return res, err
}

// awaitGate polls the feed and the guard until the buy is allowed, rejected,
// stopped or the gate timeout elapses. A non-nil error is a fatal price fault.
func (e *Engine) awaitGate(ctx context.Context, req Request, log *slog.Logger) (bool, domain.FollowStatus, error) {
	deadline := e.now().Add(e.cfg.GateTimeout)

	for {
		if ctx.Err() != nil || (req.Stop != nil && req.Stop()) {
			return false, domain.StatusStopped, nil
		}

		bid, ask, ok, err := e.feed.Quote(ctx, req.TokenID)
		if err != nil {
			return false, domain.StatusFailed, err
		}

		now := e.now()
		if ok {
			e.gate.Observe(req.TokenID, bid.Price, ask.Price, now)
			switch e.gate.GateBuy(req.TokenID, now) {
			case shockguard.Allow:
				return true, "", nil
			case shockguard.Reject:
				log.Warn("engine: buy rejected by shock guard")
				return false, domain.StatusSkipped, nil
			}
		} else {
			log.Debug("engine: no quote for gate yet")
		}

		if !now.Before(deadline) {
			log.Warn("engine: gate timeout, skipping buy", "timeout", e.cfg.GateTimeout)
			return false, domain.StatusSkipped, nil
		}
		if err := e.sleep(ctx, e.cfg.GatePoll); err != nil {
			return false, domain.StatusStopped, nil
		}
	}
}

// record journals one follower result. Journal failures are logged, never returned.
func (e *Engine) record(ctx context.Context, runID string, res domain.FollowResult, runErr error, started time.Time) {
	if e.journal == nil {
		return
	}
	rec := domain.RunRecord{
		RunID:      runID,
		Result:     res,
		StartedAt:  started,
		FinishedAt: e.now(),
	}
	if runErr != nil {
		rec.Err = runErr.Error()
	}
	// the run may end because ctx was cancelled; the journal write must still land
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.journal.SaveRun(saveCtx, rec); err != nil {
		e.log.Error("engine: journal save failed", "run", runID, "side", res.Side, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
