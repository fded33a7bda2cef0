package follower

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyfollow/internal/domain"
	"github.com/alejandrodnm/polyfollow/internal/ports"
	"github.com/alejandrodnm/polyfollow/internal/pricefeed"
)

// Seller runs SELL follow sessions.
type Seller struct {
	deps
	cfg SellConfig
}

// NewSeller creates a Seller.
func NewSeller(client ports.TradingClient, feed *pricefeed.Feed, cfg SellConfig, opts ...Option) *Seller {
	if cfg.SizeDecimals <= 0 {
		cfg.SizeDecimals = 2
	}
	if cfg.Mode == "" {
		cfg.Mode = SellConservative
	}
	return &Seller{deps: newDeps(client, feed, opts), cfg: cfg}
}

// SellRequest describes one sell run.
type SellRequest struct {
	TokenID    string
	Size       float64 // shares to exit
	EntryPrice float64 // average entry, used for the floor
	Floor      float64 // explicit floor, overrides the entry based one when > 0
	Stop       func() bool
}

// FloorPrice returns entry·(1 + bps/10000) rounded up to dp decimals.
func FloorPrice(entry, bps float64, dp int) float64 {
	if entry <= 0 {
		return 0
	}
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(bps).Div(decimal.NewFromInt(10000)))
	f, _ := decimal.NewFromFloat(entry).Mul(factor).RoundCeil(int32(dp)).Float64()
	return f
}

type sellSession struct {
	session
	cfg     SellConfig
	maxGoal float64
	entry   float64
	fixed   float64 // explicit floor
	locked  bool

	lastProgress   time.Time
	lastRefresh    time.Time
	lastValidation time.Time

	stepLevel  int
	lastStepAt time.Time
	stepTarget float64

	insufficient int
	shrinkRounds int
}

// Sell follows the best ask down to the floor until req.Size is sold or
// the run ends. The error is non-nil only for fatal price faults.
func (sl *Seller) Sell(ctx context.Context, req SellRequest) (domain.FollowResult, error) {
	s := &sellSession{
		session: newSession(sl.deps, domain.SideSell, req.TokenID, sl.cfg.SizeDecimals, req.Stop),
		cfg:     sl.cfg,
	}
	s.goal = domain.RoundDownToDP(req.Size, s.sizeDP)
	s.maxGoal = s.goal
	s.entry = req.EntryPrice
	s.fixed = req.Floor

	now := s.now()
	s.lastProgress = now
	s.lastRefresh = now
	s.lastStepAt = now

	s.log.Info("sell: started", "goal", s.goal, "entry", req.EntryPrice,
		"floor", s.floor(s.feed.Decimals(s.token)), "mode", s.cfg.Mode)

	return s.run(ctx)
}

// floor is the minimum sell price at dp decimals, 0 when there is none.
func (s *sellSession) floor(dp int) float64 {
	if s.fixed > 0 {
		return domain.RoundUpToDP(s.fixed, dp)
	}
	return FloorPrice(s.entry, s.cfg.SpreadFloorBps, dp)
}

func (s *sellSession) run(ctx context.Context) (domain.FollowResult, error) {
	for {
		if s.stopped(ctx) {
			s.settle(ctx, "stop")
			return s.result(domain.StatusStopped), nil
		}

		if t := s.cfg.InactivityTimeout; t > 0 && s.now().Sub(s.lastProgress) >= t {
			s.log.Warn("sell: no fill progress, abandoning", "timeout", t)
			s.settle(ctx, "inactivity")
			return s.result(domain.StatusAbandoned), nil
		}

		if s.position != nil && s.cfg.PositionRefresh > 0 && s.now().Sub(s.lastRefresh) >= s.cfg.PositionRefresh {
			s.refreshPosition(ctx)
		}

		var (
			done bool
			res  domain.FollowResult
			err  error
		)
		if s.active == nil {
			done, res, err = s.placeStep(ctx)
		} else {
			done, res, err = s.pollStep(ctx)
		}
		if done {
			return res, err
		}

		_ = s.sleep(ctx, s.cfg.PollInterval)
	}
}

func (s *sellSession) placeStep(ctx context.Context) (bool, domain.FollowResult, error) {
	if s.complete() {
		return true, s.result(s.truncated()), nil
	}
	remaining := s.remaining()
	if remaining < s.cfg.MinOrderSize-s.eps() {
		s.log.Info("sell: remaining is dust, treating as closed", "remaining", remaining, "min", s.cfg.MinOrderSize)
		return true, s.result(s.truncated()), nil
	}

	s.cancelStale(ctx)

	ask, ok, err := s.bestAsk(ctx)
	if err != nil {
		res, err := s.fail(ctx, err)
		return true, res, err
	}
	if !ok {
		if s.priceTimedOut(s.cfg.PriceTimeout) {
			s.log.Warn("sell: no valid ask, giving up", "timeout", s.cfg.PriceTimeout)
			return true, s.result(domain.StatusPriceTimeout), nil
		}
		return false, domain.FollowResult{}, nil
	}
	s.invalidSince = time.Time{}

	dp := s.priceDecimals(ask)
	askPx := domain.RoundUpToDP(ask.Price, dp)
	floor := s.floor(dp)

	price := math.Max(askPx, floor)
	if !domain.SameOrAbove(askPx, floor, dp) {
		if s.cfg.Mode != SellAggressive {
			s.log.Debug("sell: ask below floor, waiting", "ask", askPx, "floor", floor)
			return false, domain.FollowResult{}, nil
		}
		if s.stepTarget > floor {
			price = s.stepTarget
		}
	}
	s.stepTarget = 0

	if err := s.place(ctx, price, remaining); err != nil {
		if domain.IsInsufficientBalance(err) {
			s.log.Warn("sell: insufficient position on placement", "price", price, "size", remaining, "err", err)
			return s.insufficientPosition(ctx)
		}
		s.log.Warn("sell: place order failed", "price", price, "size", remaining, "err", err)
		return false, domain.FollowResult{}, nil
	}
	s.insufficient = 0
	return false, domain.FollowResult{}, nil
}

func (s *sellSession) pollStep(ctx context.Context) (bool, domain.FollowResult, error) {
	snap, delta, err := s.poll(ctx)
	if err != nil {
		if domain.IsInsufficientBalance(err) {
			s.settle(ctx, "insufficient position")
			return s.insufficientPosition(ctx)
		}
		s.log.Warn("sell: order status failed", "order_id", s.active.id, "err", err)
		return false, domain.FollowResult{}, nil
	}

	if delta > 0 {
		now := s.now()
		s.lastProgress = now
		s.lastStepAt = now
		s.stepLevel = 0
	}

	if s.complete() {
		if !snap.Status.Terminal() {
			s.settle(ctx, "goal reached")
		} else {
			s.clear(snap.Status)
		}
		return true, s.result(s.truncated()), nil
	}

	if snap.InsufficientBalance {
		s.settle(ctx, "insufficient position")
		return s.insufficientPosition(ctx)
	}

	if snap.Status.Terminal() {
		s.clear(snap.Status)
		return false, domain.FollowResult{}, nil
	}

	ask, ok, err := s.bestAsk(ctx)
	if err != nil {
		res, err := s.fail(ctx, err)
		return true, res, err
	}
	if !ok {
		return false, domain.FollowResult{}, nil
	}

	dp := s.priceDecimals(ask)
	askPx := domain.RoundUpToDP(ask.Price, dp)
	floor := s.floor(dp)
	if !domain.SameOrAbove(askPx, floor, dp) {
		if s.cfg.Mode != SellAggressive {
			s.log.Info("sell: ask fell below floor, pulling order", "ask", askPx, "floor", floor)
			s.settle(ctx, "below floor")
			return false, domain.FollowResult{}, nil
		}
		return s.aggressiveStep(ctx, floor, dp)
	}

	if domain.SameOrAbove(askPx, s.active.price, dp) {
		return false, domain.FollowResult{}, nil
	}
	s.log.Info("sell: ask moved down, repricing", "order_price", s.active.price, "ask", askPx)
	s.metrics.Reprice(s.side)
	s.settle(ctx, "reprice")
	return false, domain.FollowResult{}, nil
}

// aggressiveStep lowers a resting order toward the floor once the step wait
// has elapsed since the last reduction or fill. At the floor it stays put.
func (s *sellSession) aggressiveStep(ctx context.Context, floor float64, dp int) (bool, domain.FollowResult, error) {
	if !domain.SameOrAbove(s.active.price-domain.TickSize(dp), floor, dp) {
		return false, domain.FollowResult{}, nil
	}

	wait := s.cfg.StepTimeout + pricefeed.Exponential(s.cfg.BackoffBase, s.cfg.BackoffCap, s.stepLevel)
	if s.now().Sub(s.lastStepAt) < wait {
		return false, domain.FollowResult{}, nil
	}

	step := math.Max(s.cfg.StepSize, domain.TickSize(dp))
	target := math.Max(domain.RoundToDP(s.active.price-step, dp), floor)
	s.log.Info("sell: stepping price toward floor", "order_price", s.active.price, "target", target,
		"floor", floor, "level", s.stepLevel, "waited", wait)

	s.stepTarget = target
	s.lastStepAt = s.now()
	if s.stepLevel < s.cfg.BackoffMaxLevel {
		s.stepLevel++
	}
	s.metrics.Reprice(s.side)
	s.settle(ctx, "aggressive step")
	return false, domain.FollowResult{}, nil
}

// bestAsk reads the feed and, on its own schedule, cross-checks it with a
// direct REST lookup.
func (s *sellSession) bestAsk(ctx context.Context) (domain.PriceSample, bool, error) {
	ask, ok, err := s.feed.Best(ctx, s.token, domain.BookAsk)
	if err != nil {
		return ask, false, err
	}
	if s.cfg.AskValidation <= 0 || s.now().Sub(s.lastValidation) < s.cfg.AskValidation {
		return ask, ok, nil
	}
	s.lastValidation = s.now()

	check, checkOK, err := s.feed.Direct(ctx, s.token, domain.BookAsk)
	if err != nil {
		return ask, false, err
	}
	if !checkOK {
		return ask, ok, nil
	}
	if !ok {
		return check, true, nil
	}

	dp := s.priceDecimals(check)
	if math.Abs(check.Price-ask.Price) > domain.TickSize(dp)/2 {
		direction := "down"
		if check.Price > ask.Price {
			direction = "up"
		}
		s.log.Info("sell: ask corrected by validation", "feed_ask", ask.Price, "rest_ask", check.Price, "direction", direction)
		return check, true, nil
	}
	return ask, true, nil
}

// refreshPosition reconciles the goal with the wallet's holding. A locked
// goal may only shrink.
func (s *sellSession) refreshPosition(ctx context.Context) {
	s.lastRefresh = s.now()
	bal, err := s.position.TokenBalance(ctx, s.token)
	if err != nil {
		s.log.Warn("sell: position refresh failed", "err", err)
		return
	}

	filled := s.ledger.Filled()
	target := math.Min(filled+domain.RoundDownToDP(bal, s.sizeDP), s.maxGoal)
	switch {
	case target < s.goal-s.eps():
		s.log.Info("sell: position smaller than goal, shrinking", "balance", bal, "from", s.goal, "to", target)
		s.goal = target
	case target > s.goal+s.eps() && !s.locked:
		s.log.Info("sell: position larger than goal, expanding", "balance", bal, "from", s.goal, "to", target)
		s.goal = target
	default:
		return
	}

	if s.active != nil && s.active.size-s.activeFilled() > s.remaining()+s.eps() {
		s.settle(ctx, "position refresh")
	}
}

func (s *sellSession) activeFilled() float64 {
	if s.active == nil {
		return 0
	}
	rec, _ := s.ledger.Order(s.active.id)
	return rec.Filled
}

// insufficientPosition retries a rejected placement with a capped backoff,
// locks and shrinks the goal after repeated failures and gives up when the
// position stays unreachable.
func (s *sellSession) insufficientPosition(ctx context.Context) (bool, domain.FollowResult, error) {
	s.insufficient++
	n := s.insufficient
	if s.cfg.UnreachableAfter > 0 && n >= s.cfg.UnreachableAfter {
		s.log.Error("sell: position unreachable, giving up", "failures", n)
		return true, s.result(domain.StatusFailed), nil
	}

	wait := pricefeed.Exponential(s.cfg.RetryBase, s.cfg.RetryCap, n)
	s.log.Warn("sell: insufficient position, retrying", "failures", n, "wait", wait)
	_ = s.sleep(ctx, wait)

	if s.position != nil {
		if bal, err := s.position.TokenBalance(ctx, s.token); err == nil {
			s.lastRefresh = s.now()
			if target := s.ledger.Filled() + domain.RoundDownToDP(bal, s.sizeDP); target < s.goal-s.eps() {
				s.log.Info("sell: goal shrunk to position", "balance", bal, "from", s.goal, "to", target)
				s.goal = target
				s.locked = true
				s.metrics.Shrink(s.side)
			}
		}
	}

	if s.cfg.ShrinkAfter > 0 && n >= s.cfg.ShrinkAfter {
		s.locked = true
		s.shrinkRounds++
		remaining := s.remaining()
		next, ok := NextShrink(remaining, s.cfg.MinOrderSize, s.shrinkRounds, s.cfg.ShrinkHalvings, s.cfg.ShrinkStep, s.sizeDP)
		if !ok {
			s.log.Warn("sell: no viable size left", "remaining", remaining, "min", s.cfg.MinOrderSize)
			return true, s.result(s.truncated()), nil
		}
		s.goal = s.ledger.Filled() + next
		s.metrics.Shrink(s.side)
		s.log.Info("sell: goal locked and shrunk", "round", s.shrinkRounds, "from", remaining, "to", next)
	}

	if s.complete() {
		return true, s.result(s.truncated()), nil
	}
	return false, domain.FollowResult{}, nil
}
