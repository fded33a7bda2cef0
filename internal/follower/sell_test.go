package follower_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyfollow/internal/domain"
	"github.com/alejandrodnm/polyfollow/internal/follower"
	"github.com/alejandrodnm/polyfollow/internal/pricefeed"
)

func sellConfig() follower.SellConfig {
	cfg := follower.DefaultSellConfig()
	cfg.MinOrderSize = 5
	cfg.PositionRefresh = 0
	cfg.AskValidation = 0
	cfg.RetryBase = time.Second
	cfg.RetryCap = 4 * time.Second
	return cfg
}

type pushQuote struct{ ask float64 }

func (p pushQuote) BestPrice(_ string, side domain.BookSide) (domain.PriceSample, bool) {
	if side != domain.BookAsk || p.ask <= 0 {
		return domain.PriceSample{}, false
	}
	return domain.PriceSample{Price: p.ask, Decimals: 2, HasDecimals: true}, true
}

func TestFloorPrice(t *testing.T) {
	assert.Equal(t, 0.41, follower.FloorPrice(0.40, 250, 2))
	assert.Equal(t, 0.34, follower.FloorPrice(0.333, 100, 2))
	assert.Equal(t, 0.5, follower.FloorPrice(0.5, 0, 2))
	assert.Equal(t, 0.0, follower.FloorPrice(0, 100, 2))

	// exact products stay on their tick
	assert.Equal(t, 0.21, follower.FloorPrice(0.20, 500, 2))
	assert.Equal(t, 0.102, follower.FloorPrice(0.10, 200, 3))
	assert.Equal(t, 0.33, follower.FloorPrice(0.30, 1000, 2))
	assert.Equal(t, 0.56, follower.FloorPrice(0.56, 0, 2))
}

func TestSell_FillsAtAsk(t *testing.T) {
	ex := newFakeExchange(0.50, 0.56)
	ex.onPoll = fillOnPoll
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), sellConfig(), followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, 10.0, res.Filled)
	assert.InDelta(t, 0.56, res.AvgPriceOr(0), 1e-9)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, domain.SideSell, res.Orders[0].Side)
}

func TestSell_NeverPostsBelowFloor(t *testing.T) {
	ex := newFakeExchange(0.50, 0.55)
	dropped := 0
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		switch o.req.Price {
		case 0.55:
			f.ask = 0.45
		case 0.51:
			fillOnPoll(f, o)
		}
	}
	ex.onBook = func(f *fakeExchange) {
		if f.ask == 0.45 {
			dropped++
			if dropped > 4 {
				f.ask = 0.51
			}
		}
	}
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), sellConfig(), followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, []float64{0.55, 0.51}, ex.placedPrices())
	for _, p := range ex.placedPrices() {
		assert.GreaterOrEqual(t, p, 0.50)
	}
	require.Len(t, res.Orders, 2)
	assert.Equal(t, domain.OrderCancelled, res.Orders[0].Status)
}

func TestSell_RecoveryPostsAtFloorWhenAskEqualsFloor(t *testing.T) {
	ex := newFakeExchange(0.40, 0.45)
	calls := 0
	ex.onBook = func(f *fakeExchange) {
		calls++
		if calls > 3 {
			f.ask = 0.50
		}
	}
	ex.onPoll = fillOnPoll
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), sellConfig(), followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, Floor: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, []float64{0.50}, ex.placedPrices())
}

func TestSell_SpreadFloorAcceptsAskAtFloor(t *testing.T) {
	ex := newFakeExchange(0.18, 0.21)
	ex.onPoll = fillOnPoll
	c := newClock()
	cfg := sellConfig()
	cfg.SpreadFloorBps = 500
	s := follower.NewSeller(ex, newFeed(ex), cfg, followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.20})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, []float64{0.21}, ex.placedPrices())
}

func TestSell_FollowsFallingAsk(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		switch o.req.Price {
		case 0.60:
			f.ask = 0.57
		case 0.57:
			fillOnPoll(f, o)
		}
	}
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), sellConfig(), followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, []float64{0.60, 0.57}, ex.placedPrices())
}

func TestSell_AggressiveStepsDownAndLocksAtFloor(t *testing.T) {
	ex := newFakeExchange(0.40, 0.55)
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		f.ask = 0.45
	}
	cfg := sellConfig()
	cfg.Mode = follower.SellAggressive
	cfg.StepSize = 0.02
	cfg.StepTimeout = 10 * time.Second
	cfg.BackoffBase = 0
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), cfg, followerOpts(c)...)

	stop := func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		n := len(ex.orders)
		return n >= 4 && ex.orders[n-1].polls >= 30
	}
	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50, Stop: stop})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusStopped, res.Status)
	assert.Equal(t, []float64{0.55, 0.53, 0.51, 0.50}, ex.placedPrices())
}

func TestSell_AggressiveBackoffGrowsWait(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		f.ask = 0.45
	}
	cfg := sellConfig()
	cfg.Mode = follower.SellAggressive
	cfg.StepSize = 0.01
	cfg.StepTimeout = 5 * time.Second
	cfg.BackoffBase = 10 * time.Second
	cfg.BackoffCap = 20 * time.Second
	cfg.BackoffMaxLevel = 2
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), cfg, followerOpts(c)...)

	start := c.Now()
	var placedAt []time.Duration
	ex.placeErr = func(f *fakeExchange, req domain.PlaceOrderRequest) error {
		placedAt = append(placedAt, c.Now().Sub(start))
		return nil
	}
	stop := func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return len(ex.orders) >= 4
	}
	_, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50, Stop: stop})
	require.NoError(t, err)

	require.Len(t, placedAt, 4)
	gaps := []time.Duration{placedAt[1] - placedAt[0], placedAt[2] - placedAt[1], placedAt[3] - placedAt[2]}
	// 5s, then 5s+10s, then 5s+20s (capped)
	assert.Less(t, gaps[0], gaps[1])
	assert.Less(t, gaps[1], gaps[2])
	assert.GreaterOrEqual(t, gaps[2], 25*time.Second)
}

func TestSell_InsufficientPositionLocksAndShrinks(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	ex.placeErr = func(_ *fakeExchange, req domain.PlaceOrderRequest) error {
		if req.Size > 6 {
			return errors.New(`client error 400: {"error":"not enough balance / allowance"}`)
		}
		return nil
	}
	ex.onPoll = fillOnPoll
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), sellConfig(), followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, 5.0, res.Filled)
	assert.Equal(t, 4, ex.places, "two plain retries, shrink on the third failure")
}

func TestSell_UnreachablePositionFails(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	ex.placeErr = func(*fakeExchange, domain.PlaceOrderRequest) error {
		return domain.ErrInsufficientBalance
	}
	cfg := sellConfig()
	cfg.ShrinkAfter = 0
	cfg.UnreachableAfter = 4
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), cfg, followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, 4, ex.places)
}

func TestSell_InactivityAbandons(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	cfg := sellConfig()
	cfg.InactivityTimeout = 30 * time.Second
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), cfg, followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, res.Status)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, []string{res.Orders[0].ID}, ex.cancelled)
}

func TestSell_DustIsTreatedAsClosed(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), sellConfig(), followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 3, EntryPrice: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkippedTooSmall, res.Status)
	assert.Equal(t, 0, ex.places)
}

func TestSell_PartialThenDustIsTruncated(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		o.fill(7)
		o.status = domain.OrderCancelled
	}
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), sellConfig(), followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilledTruncated, res.Status)
	assert.Equal(t, 7.0, res.Filled)
	assert.Equal(t, 3.0, res.Remaining)
}

func TestSell_PositionRefreshShrinksGoal(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		if o.req.Size == 6 {
			fillOnPoll(f, o)
		}
	}
	pos := &fakePosition{next: func(int) float64 { return 6 }}
	cfg := sellConfig()
	cfg.PositionRefresh = 5 * time.Second
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), cfg, followerOpts(c, follower.WithPosition(pos))...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, 6.0, res.Filled)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, 10.0, res.Orders[0].Size)
	assert.Equal(t, 6.0, res.Orders[1].Size)
}

func TestSell_LockedGoalNeverExpands(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	failures := 0
	ex.placeErr = func(_ *fakeExchange, req domain.PlaceOrderRequest) error {
		if req.Size > 5 && failures < 3 {
			failures++
			return domain.ErrInsufficientBalance
		}
		return nil
	}
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		if o.polls >= 12 {
			fillOnPoll(f, o)
		}
	}
	// the wallet view recovers after the shrink
	pos := &fakePosition{next: func(int) float64 { return 10 }}
	cfg := sellConfig()
	cfg.PositionRefresh = 2 * time.Second
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), cfg, followerOpts(c, follower.WithPosition(pos))...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, 5.0, res.Filled)
	require.Len(t, res.Orders, 1)
}

func TestSell_AskValidationOverridesFeed(t *testing.T) {
	ex := newFakeExchange(0.40, 0.55)
	ex.onPoll = fillOnPoll
	feed := newFeed(ex, pricefeed.WithPush(pushQuote{ask: 0.60}))
	cfg := sellConfig()
	cfg.AskValidation = 10 * time.Second
	c := newClock()
	s := follower.NewSeller(ex, feed, cfg, followerOpts(c)...)

	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, []float64{0.55}, ex.placedPrices())
}

func TestSell_StopCancels(t *testing.T) {
	ex := newFakeExchange(0.40, 0.60)
	c := newClock()
	s := follower.NewSeller(ex, newFeed(ex), sellConfig(), followerOpts(c)...)

	stop := func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return len(ex.orders) == 1 && ex.orders[0].polls >= 2
	}
	res, err := s.Sell(context.Background(), follower.SellRequest{TokenID: "tok", Size: 10, EntryPrice: 0.50, Stop: stop})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, res.Status)
	assert.Len(t, ex.cancelled, 1)
}
