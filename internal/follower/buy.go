package follower

import (
	"context"
	"math"
	"time"

	"github.com/alejandrodnm/polyfollow/internal/domain"
	"github.com/alejandrodnm/polyfollow/internal/ports"
	"github.com/alejandrodnm/polyfollow/internal/pricefeed"
)

// Buyer runs BUY follow sessions.
type Buyer struct {
	deps
	cfg BuyConfig
}

// NewBuyer creates a Buyer.
func NewBuyer(client ports.TradingClient, feed *pricefeed.Feed, cfg BuyConfig, opts ...Option) *Buyer {
	if cfg.SizeDecimals <= 0 {
		cfg.SizeDecimals = 2
	}
	return &Buyer{deps: newDeps(client, feed, opts), cfg: cfg}
}

// BuyRequest describes one buy run.
type BuyRequest struct {
	TokenID  string
	Size     float64     // target shares
	MaxPrice float64     // overrides BuyConfig.PriceCap when > 0
	Stop     func() bool // polled at the top of every iteration
}

type buySession struct {
	session
	cfg      BuyConfig
	priceCap float64

	lastPrice float64

	shrinking    bool
	shrinkRounds int
	lastShrinkAt time.Time
	stalledPolls int

	startBalance float64
	haveStart    bool
}

// Buy follows the best bid until req.Size is filled or the run ends.
// The error is non-nil only for fatal price faults; the result is always
// populated, with partial fills.
func (b *Buyer) Buy(ctx context.Context, req BuyRequest) (domain.FollowResult, error) {
	s := &buySession{
		session:  newSession(b.deps, domain.SideBuy, req.TokenID, b.cfg.SizeDecimals, req.Stop),
		cfg:      b.cfg,
		priceCap: b.cfg.PriceCap,
	}
	if req.MaxPrice > 0 {
		s.priceCap = req.MaxPrice
	}
	s.goal = math.Max(domain.RoundUpToDP(req.Size, s.sizeDP), b.cfg.MinOrderSize)

	if s.position != nil {
		if bal, err := s.position.TokenBalance(ctx, s.token); err == nil {
			s.startBalance, s.haveStart = bal, true
		} else {
			s.log.Warn("buy: start balance unavailable, reconciliation disabled", "err", err)
		}
	}
	s.log.Info("buy: started", "goal", s.goal, "price_cap", s.priceCap)

	return s.run(ctx)
}

func (s *buySession) run(ctx context.Context) (domain.FollowResult, error) {
	for {
		if s.stopped(ctx) {
			s.settle(ctx, "stop")
			return s.result(domain.StatusStopped), nil
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

func (s *buySession) placeStep(ctx context.Context) (bool, domain.FollowResult, error) {
	if s.complete() {
		return true, s.result(s.truncated()), nil
	}
	remaining := s.remaining()
	if remaining < s.cfg.MinOrderSize-s.eps() {
		s.log.Info("buy: remaining below exchange minimum", "remaining", remaining, "min", s.cfg.MinOrderSize)
		return true, s.result(s.truncated()), nil
	}

	s.cancelStale(ctx)

	sample, ok, err := s.feed.Best(ctx, s.token, domain.BookBid)
	if err != nil {
		res, err := s.fail(ctx, err)
		return true, res, err
	}
	if !ok {
		if s.priceTimedOut(s.cfg.PriceTimeout) {
			s.log.Warn("buy: no valid bid, giving up", "timeout", s.cfg.PriceTimeout)
			return true, s.result(domain.StatusPriceTimeout), nil
		}
		return false, domain.FollowResult{}, nil
	}
	s.invalidSince = time.Time{}

	dp := s.priceDecimals(sample)
	price := domain.RoundUpToDP(sample.Price, dp)
	if s.priceCap > 0 && domain.SameOrAbove(price, s.priceCap, dp) {
		s.log.Debug("buy: bid at or above cap, waiting", "bid", price, "cap", s.priceCap)
		return false, domain.FollowResult{}, nil
	}
	s.lastPrice = price

	size := s.orderSize(remaining, price)
	if err := s.place(ctx, price, size); err != nil {
		if domain.IsInsufficientBalance(err) {
			s.log.Warn("buy: insufficient balance on placement", "price", price, "size", size, "err", err)
			if !s.shrink(ctx, price) {
				return true, s.result(s.truncated()), nil
			}
			return false, domain.FollowResult{}, nil
		}
		s.log.Warn("buy: place order failed", "price", price, "size", size, "err", err)
	}
	return false, domain.FollowResult{}, nil
}

func (s *buySession) pollStep(ctx context.Context) (bool, domain.FollowResult, error) {
	snap, delta, err := s.poll(ctx)
	if err != nil {
		if domain.IsInsufficientBalance(err) {
			return s.insufficientMidLife(ctx)
		}
		s.log.Warn("buy: order status failed", "order_id", s.active.id, "err", err)
		return false, domain.FollowResult{}, nil
	}

	if delta > 0 {
		s.stalledPolls = 0
	} else if s.shrinking {
		s.stalledPolls++
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
		return s.insufficientMidLife(ctx)
	}

	if snap.Status.Terminal() {
		s.clear(snap.Status)
		return false, domain.FollowResult{}, nil
	}

	if s.shrinking && s.cfg.StallPolls > 0 && s.stalledPolls >= s.cfg.StallPolls {
		s.reconcile(ctx)
		return false, domain.FollowResult{}, nil
	}

	sample, ok, err := s.feed.Best(ctx, s.token, domain.BookBid)
	if err != nil {
		res, err := s.fail(ctx, err)
		return true, res, err
	}
	if !ok {
		return false, domain.FollowResult{}, nil
	}

	dp := s.priceDecimals(sample)
	bid := domain.RoundUpToDP(sample.Price, dp)
	tick := domain.TickSize(dp)
	if !domain.SameOrAbove(bid, s.active.price+tick, dp) {
		return false, domain.FollowResult{}, nil
	}
	if s.priceCap > 0 && domain.SameOrAbove(bid, s.priceCap, dp) {
		s.log.Debug("buy: bid rose past cap, keeping order", "bid", bid, "cap", s.priceCap, "order_price", s.active.price)
		return false, domain.FollowResult{}, nil
	}

	s.log.Info("buy: bid moved up, repricing", "order_price", s.active.price, "bid", bid)
	s.metrics.Reprice(s.side)
	s.settle(ctx, "reprice")
	return false, domain.FollowResult{}, nil
}

// orderSize raises remaining to the exchange minimum and the notional floor.
func (s *buySession) orderSize(remaining, price float64) float64 {
	size := math.Max(remaining, s.minViable(price))
	return domain.RoundUpToDP(size, s.sizeDP)
}

func (s *buySession) minViable(price float64) float64 {
	floor := s.cfg.MinOrderSize
	if s.cfg.MinNotional > 0 && price > 0 {
		floor = math.Max(floor, domain.RoundUpToDP(s.cfg.MinNotional/price, s.sizeDP))
	}
	return floor
}

func (s *buySession) insufficientMidLife(ctx context.Context) (bool, domain.FollowResult, error) {
	price := s.active.price
	s.log.Warn("buy: order flagged for insufficient balance", "order_id", s.active.id)
	s.settle(ctx, "insufficient balance")
	if s.complete() {
		return true, s.result(s.truncated()), nil
	}
	if !s.shrink(ctx, price) {
		return true, s.result(s.truncated()), nil
	}
	return false, domain.FollowResult{}, nil
}

// shrink lowers the goal after an insufficient balance rejection.
// It returns false when no viable size is left.
func (s *buySession) shrink(ctx context.Context, price float64) bool {
	if !s.lastShrinkAt.IsZero() {
		if wait := s.cfg.ShrinkInterval - s.now().Sub(s.lastShrinkAt); wait > 0 {
			_ = s.sleep(ctx, wait)
		}
	}
	s.shrinking = true
	s.shrinkRounds++
	s.lastShrinkAt = s.now()
	s.stalledPolls = 0

	remaining := s.remaining()
	floor := s.minViable(price)
	next, ok := NextShrink(remaining, floor, s.shrinkRounds, s.cfg.ShrinkHalvings, s.cfg.ShrinkStep, s.sizeDP)
	if !ok {
		s.log.Warn("buy: no viable size left", "remaining", remaining, "floor", floor, "round", s.shrinkRounds)
		return false
	}

	s.goal = s.ledger.Filled() + next
	s.metrics.Shrink(s.side)
	s.log.Info("buy: goal shrunk", "round", s.shrinkRounds, "from", remaining, "to", next, "goal", s.goal)
	return true
}

// reconcile credits fills the status poll missed, using the on-chain
// balance, then reposts.
func (s *buySession) reconcile(ctx context.Context) {
	s.stalledPolls = 0
	if s.position != nil && s.haveStart {
		bal, err := s.position.TokenBalance(ctx, s.token)
		if err != nil {
			s.log.Warn("buy: reconciliation balance failed", "err", err)
		} else if missing := bal - s.startBalance - s.ledger.Filled(); missing > s.eps() {
			credited := s.ledger.Credit(s.active.id, missing)
			s.log.Info("buy: reconciled fills from balance", "order_id", s.active.id,
				"balance", bal, "start_balance", s.startBalance, "credited", credited, "filled", s.ledger.Filled())
		}
	}
	s.log.Info("buy: stalled in shrink recovery, reposting", "order_id", s.active.id)
	s.settle(ctx, "reconcile")
}
