package follower_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyfollow/internal/domain"
	"github.com/alejandrodnm/polyfollow/internal/follower"
)

func buyConfig() follower.BuyConfig {
	cfg := follower.DefaultBuyConfig()
	cfg.MinOrderSize = 5
	cfg.MinNotional = 1
	cfg.PriceTimeout = 10 * time.Second
	return cfg
}

func fillOnPoll(f *fakeExchange, o *fakeOrder) {
	o.fill(o.req.Size)
	o.avg = o.req.Price
}

func TestBuy_EndToEndFill(t *testing.T) {
	ex := newFakeExchange(0.10, 0.12)
	ex.onPoll = fillOnPoll
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, res.Status)
	require.NotNil(t, res.AvgPrice)
	assert.InDelta(t, 0.10, *res.AvgPrice, 1e-9)
	assert.Equal(t, 10.0, res.Filled)
	assert.Equal(t, 0.0, res.Remaining)

	require.Len(t, res.Orders, 1)
	assert.Equal(t, 0.10, res.Orders[0].Price)
	assert.Equal(t, 10.0, res.Orders[0].Size)
	assert.Equal(t, domain.OrderFilled, res.Orders[0].Status)
	assert.Equal(t, domain.SideBuy, res.Orders[0].Side)
}

func TestBuy_RepricesWhenBidRises(t *testing.T) {
	ex := newFakeExchange(0.40, 0.45)
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		switch o.req.Price {
		case 0.40:
			f.bid = 0.42
		case 0.42:
			fillOnPoll(f, o)
		}
	}
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, []float64{0.40, 0.42}, ex.placedPrices())
	require.Len(t, res.Orders, 2)
	assert.Equal(t, domain.OrderCancelled, res.Orders[0].Status)
	assert.Contains(t, ex.cancelled, res.Orders[0].ID)
	assert.InDelta(t, 0.42, res.AvgPriceOr(0), 1e-9)
}

func TestBuy_DoesNotRepriceBelowOneTick(t *testing.T) {
	ex := newFakeExchange(0.40, 0.45)
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		if o.polls >= 5 {
			fillOnPoll(f, o)
		}
	}
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Len(t, res.Orders, 1)
	assert.Empty(t, ex.cancelled)
}

func TestBuy_KeepsPartialFillsAcrossReprice(t *testing.T) {
	ex := newFakeExchange(0.40, 0.45)
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		switch o.req.Price {
		case 0.40:
			o.fill(4)
			f.bid = 0.42
		case 0.42:
			fillOnPoll(f, o)
		}
	}
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, 10.0, res.Filled)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, 4.0, res.Orders[0].Filled)
	assert.Equal(t, 6.0, res.Orders[1].Size)
	assert.InDelta(t, (4*0.40+6*0.42)/10, res.AvgPriceOr(0), 1e-9)
}

func TestBuy_ShrinksOnInsufficientBalance(t *testing.T) {
	ex := newFakeExchange(0.50, 0.55)
	ex.placeErr = func(_ *fakeExchange, req domain.PlaceOrderRequest) error {
		if req.Size > 20 {
			return errors.New("client error 400: not enough balance / allowance")
		}
		return nil
	}
	ex.onPoll = fillOnPoll
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 100})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, 12.5, res.Filled)
	assert.Equal(t, 4, ex.places, "100 → 50 → 25 → 12.5")
	require.Len(t, res.Orders, 1)
	assert.Equal(t, 12.5, res.Orders[0].Size)
}

func TestBuy_NoViableSizeIsSkippedTooSmall(t *testing.T) {
	ex := newFakeExchange(0.50, 0.55)
	ex.placeErr = func(*fakeExchange, domain.PlaceOrderRequest) error {
		return fmt.Errorf("place: %w", domain.ErrInsufficientBalance)
	}
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	start := c.Now()
	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSkippedTooSmall, res.Status)
	assert.Nil(t, res.AvgPrice)
	assert.Empty(t, res.Orders)
	assert.Equal(t, 2, ex.places, "10 then the 5 share floor")
	assert.GreaterOrEqual(t, c.Now().Sub(start), time.Second, "shrink attempts are spaced")
}

func TestBuy_GoalRaisedToExchangeMinimum(t *testing.T) {
	ex := newFakeExchange(0.50, 0.55)
	ex.onPoll = fillOnPoll
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, 5.0, res.Filled)
}

func TestBuy_MinNotionalRaisesSize(t *testing.T) {
	ex := newFakeExchange(0.05, 0.06)
	ex.onPoll = fillOnPoll
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, 20.0, res.Orders[0].Size)
}

func TestBuy_PriceTimeout(t *testing.T) {
	ex := newFakeExchange(0, 0)
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPriceTimeout, res.Status)
	assert.Equal(t, 0, ex.places)
	assert.Equal(t, 10.0, res.Remaining)
}

func TestBuy_StopCancelsRestingOrder(t *testing.T) {
	ex := newFakeExchange(0.40, 0.45)
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	stop := func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return len(ex.orders) > 0 && ex.orders[0].polls >= 3
	}
	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10, Stop: stop})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusStopped, res.Status)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, []string{res.Orders[0].ID}, ex.cancelled)
	assert.Equal(t, domain.OrderCancelled, res.Orders[0].Status)
}

func TestBuy_ContextCancelIsStop(t *testing.T) {
	ex := newFakeExchange(0.40, 0.45)
	ctx, cancel := context.WithCancel(context.Background())
	ex.onPoll = func(f *fakeExchange, o *fakeOrder) {
		o.fill(3)
		cancel()
	}
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(ctx, follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, res.Status)
	assert.Equal(t, 3.0, res.Filled)
	assert.Len(t, ex.cancelled, 1, "exit cancel runs on a detached context")
}

func TestBuy_CancelsStaleOrders(t *testing.T) {
	ex := newFakeExchange(0.40, 0.45)
	ex.stale = []domain.OrderSnapshot{
		{ID: "old-buy", Side: domain.SideBuy, Status: domain.OrderOpen},
		{ID: "old-sell", Side: domain.SideSell, Status: domain.OrderOpen},
	}
	ex.onPoll = fillOnPoll
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	_, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)
	assert.Contains(t, ex.cancelled, "old-buy")
	assert.NotContains(t, ex.cancelled, "old-sell")
}

func TestBuy_PriceCapWaits(t *testing.T) {
	ex := newFakeExchange(0.50, 0.55)
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	iterations := 0
	stop := func() bool { iterations++; return iterations > 5 }
	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10, MaxPrice: 0.45, Stop: stop})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, res.Status)
	assert.Equal(t, 0, ex.places)
}

func TestBuy_OrderbookNotFoundIsFatal(t *testing.T) {
	ex := newFakeExchange(0.40, 0.45)
	ex.bookErr = func(*fakeExchange) error { return domain.ErrNotFound }
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), buyConfig(), followerOpts(c)...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderbookNotFound)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, 5, ex.bookCalls)
}

func TestBuy_ReconcilesStalledShrink(t *testing.T) {
	ex := newFakeExchange(0.50, 0.55)
	ex.placeErr = func(_ *fakeExchange, req domain.PlaceOrderRequest) error {
		if req.Size > 5 {
			return domain.ErrInsufficientBalance
		}
		return nil
	}
	// the exchange never reports the fill; the wallet does
	pos := &fakePosition{next: func(call int) float64 {
		if call == 1 {
			return 100
		}
		return 105
	}}
	cfg := buyConfig()
	cfg.StallPolls = 3
	c := newClock()
	b := follower.NewBuyer(ex, newFeed(ex), cfg, followerOpts(c, follower.WithPosition(pos))...)

	res, err := b.Buy(context.Background(), follower.BuyRequest{TokenID: "tok", Size: 10})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.Equal(t, 5.0, res.Filled)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, 5.0, res.Orders[0].Filled)
	assert.Len(t, ex.cancelled, 1)
}
