package follower

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/polyfollow/internal/domain"
	"github.com/alejandrodnm/polyfollow/internal/ledger"
)

type activeOrder struct {
	id       string
	price    float64
	size     float64
	placedAt time.Time
}

// session is the state shared by one buy or sell run.
type session struct {
	deps
	side   domain.Side
	prefix string
	token  string
	sizeDP int
	stop   func() bool
	log    *slog.Logger

	goal   float64
	ledger *ledger.Ledger
	active *activeOrder

	invalidSince time.Time
}

func newSession(d deps, side domain.Side, token string, sizeDP int, stop func() bool) session {
	prefix := "buy"
	if side == domain.SideSell {
		prefix = "sell"
	}
	return session{
		deps:   d,
		side:   side,
		prefix: prefix,
		token:  token,
		sizeDP: sizeDP,
		stop:   stop,
		log:    d.log.With("token", token, "side", side),
		ledger: ledger.New(),
	}
}

func (s *session) msg(m string) string {
	return s.prefix + ": " + m
}

// eps is half a size tick.
func (s *session) eps() float64 {
	return domain.TickSize(s.sizeDP) / 2
}

func (s *session) remaining() float64 {
	r := domain.RoundDownToDP(s.goal-s.ledger.Filled()+s.eps()/10, s.sizeDP)
	return math.Max(r, 0)
}

func (s *session) complete() bool {
	return s.goal-s.ledger.Filled() <= s.eps()
}

func (s *session) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return s.stop != nil && s.stop()
}

// priceDecimals is the active price precision for the token.
func (s *session) priceDecimals(sample domain.PriceSample) int {
	dp := s.feed.Decimals(s.token)
	if sample.HasDecimals && sample.Decimals > dp {
		dp = sample.Decimals
	}
	return dp
}

// priceTimedOut tracks how long prices have been unresolved.
func (s *session) priceTimedOut(timeout time.Duration) bool {
	now := s.now()
	if s.invalidSince.IsZero() {
		s.invalidSince = now
		return false
	}
	return timeout > 0 && now.Sub(s.invalidSince) >= timeout
}

func (s *session) place(ctx context.Context, price, size float64) error {
	placed, err := s.client.PlaceOrder(ctx, domain.PlaceOrderRequest{
		TokenID:      s.token,
		Side:         s.side,
		Price:        price,
		Size:         size,
		TimeInForce:  domain.TimeInForceGTC,
		AllowPartial: true,
	})
	if err != nil {
		return err
	}

	now := s.now()
	s.ledger.Track(domain.OrderRecord{
		ID:       placed.OrderID,
		TokenID:  s.token,
		Side:     s.side,
		Price:    price,
		Size:     size,
		Status:   domain.OrderOpen,
		PlacedAt: now,
	})
	s.active = &activeOrder{id: placed.OrderID, price: price, size: size, placedAt: now}
	s.metrics.OrderPlaced(s.side)
	s.log.Info(s.msg("order placed"), "order_id", placed.OrderID, "price", price, "size", size,
		"filled", s.ledger.Filled(), "goal", s.goal)
	return nil
}

// poll merges the active order's status into the ledger.
func (s *session) poll(ctx context.Context) (domain.OrderSnapshot, float64, error) {
	snap, err := s.client.OrderStatus(ctx, s.active.id)
	if err != nil {
		return domain.OrderSnapshot{}, 0, err
	}
	delta := s.ledger.Apply(snap)
	if delta > 0 {
		s.log.Info(s.msg("fill"), "order_id", s.active.id, "delta", delta,
			"filled", s.ledger.Filled(), "goal", s.goal)
	}
	return snap, delta, nil
}

// settle cancels the active order, captures any late fill and clears it.
// It runs on a detached context so it completes after ctx is cancelled.
func (s *session) settle(ctx context.Context, reason string) {
	if s.active == nil {
		return
	}
	id := s.active.id
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	if err := s.client.CancelOrder(cctx, id); err != nil {
		s.log.Warn(s.msg("cancel failed"), "order_id", id, "reason", reason, "err", err)
	} else {
		s.metrics.OrderCancelled(s.side)
		s.log.Info(s.msg("order cancelled"), "order_id", id, "reason", reason)
	}

	if snap, err := s.client.OrderStatus(cctx, id); err == nil {
		if delta := s.ledger.Apply(snap); delta > 0 {
			s.log.Info(s.msg("late fill after cancel"), "order_id", id, "delta", delta, "filled", s.ledger.Filled())
		}
	}
	s.ledger.Close(id, domain.OrderCancelled)
	s.active = nil
}

// clear forgets an order the exchange already closed.
func (s *session) clear(status domain.OrderStatus) {
	if s.active == nil {
		return
	}
	s.ledger.Close(s.active.id, status)
	s.log.Info(s.msg("order closed"), "order_id", s.active.id, "status", status, "filled", s.ledger.Filled())
	s.active = nil
}

// cancelStale cancels resting orders on our side left over from earlier runs.
func (s *session) cancelStale(ctx context.Context) {
	open, err := s.client.OpenOrders(ctx, s.token)
	if err != nil {
		s.log.Debug(s.msg("open orders lookup failed"), "err", err)
		return
	}
	for _, o := range open {
		if o.Side != s.side || o.Status.Terminal() {
			continue
		}
		if err := s.client.CancelOrder(ctx, o.ID); err != nil {
			s.log.Warn(s.msg("stale order cancel failed"), "order_id", o.ID, "err", err)
			continue
		}
		s.metrics.OrderCancelled(s.side)
		s.log.Info(s.msg("stale order cancelled"), "order_id", o.ID, "price", o.Price)
	}
}

// truncated is the status for a run that ends with no viable size left.
func (s *session) truncated() domain.FollowStatus {
	switch {
	case s.ledger.Filled() <= s.eps():
		return domain.StatusSkippedTooSmall
	case s.complete():
		return domain.StatusFilled
	default:
		return domain.StatusFilledTruncated
	}
}

func (s *session) result(status domain.FollowStatus) domain.FollowResult {
	res := domain.FollowResult{
		TokenID:   s.token,
		Side:      s.side,
		Status:    status,
		Filled:    domain.RoundDownToDP(s.ledger.Filled()+s.eps()/10, s.sizeDP),
		Remaining: s.remaining(),
		Orders:    s.ledger.Orders(),
	}
	if avg, ok := s.ledger.AvgPrice(); ok {
		res.AvgPrice = &avg
	}
	s.metrics.Result(s.side, status)
	s.log.Info(s.msg("finished"), "status", status, "filled", res.Filled, "remaining", res.Remaining,
		"avg_price", res.AvgPriceOr(0), "orders", len(res.Orders))
	return res
}

// fail ends the run on a fatal price fault.
func (s *session) fail(ctx context.Context, err error) (domain.FollowResult, error) {
	s.log.Error(s.msg("fatal price fault"), "err", err)
	s.settle(ctx, "fatal")
	return s.result(domain.StatusFailed), err
}
