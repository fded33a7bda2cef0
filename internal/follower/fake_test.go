package follower_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alejandrodnm/polyfollow/internal/domain"
	"github.com/alejandrodnm/polyfollow/internal/follower"
	"github.com/alejandrodnm/polyfollow/internal/pricefeed"
)

type fakeOrder struct {
	id           string
	req          domain.PlaceOrderRequest
	status       domain.OrderStatus
	filled       float64
	avg          float64
	polls        int
	insufficient bool
}

func (o *fakeOrder) fill(qty float64) {
	o.filled += qty
	if o.filled >= o.req.Size {
		o.filled = o.req.Size
		o.status = domain.OrderFilled
	}
}

// fakeExchange is an in-memory TradingClient scripted through hooks.
// Hooks run under the exchange lock and may mutate it directly.
type fakeExchange struct {
	mu sync.Mutex

	bid, ask  float64
	bookCalls int
	onBook    func(f *fakeExchange)
	bookErr   func(f *fakeExchange) error

	orders    []*fakeOrder
	byID      map[string]*fakeOrder
	places    int
	placeErr  func(f *fakeExchange, req domain.PlaceOrderRequest) error
	onPoll    func(f *fakeExchange, o *fakeOrder)
	cancelled []string
	stale     []domain.OrderSnapshot
}

func newFakeExchange(bid, ask float64) *fakeExchange {
	return &fakeExchange{bid: bid, ask: ask, byID: make(map[string]*fakeOrder)}
}

func (f *fakeExchange) OrderBook(_ context.Context, tokenID string) (domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookCalls++
	if f.onBook != nil {
		f.onBook(f)
	}
	if f.bookErr != nil {
		if err := f.bookErr(f); err != nil {
			return domain.OrderBook{}, err
		}
	}
	ob := domain.OrderBook{TokenID: tokenID}
	if f.bid > 0 {
		ob.Bids = []domain.BookEntry{level(f.bid - 0.05), level(f.bid)}
	}
	if f.ask > 0 {
		ob.Asks = []domain.BookEntry{level(f.ask + 0.05), level(f.ask)}
	}
	return ob, nil
}

func level(price float64) domain.BookEntry {
	return domain.BookEntry{Price: price, Size: 100, PriceText: strconv.FormatFloat(price, 'f', 2, 64)}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.places++
	if f.placeErr != nil {
		if err := f.placeErr(f, req); err != nil {
			return domain.PlacedOrder{}, err
		}
	}
	o := &fakeOrder{id: fmt.Sprintf("ord-%d", len(f.orders)+1), req: req, status: domain.OrderOpen}
	f.orders = append(f.orders, o)
	f.byID[o.id] = o
	return domain.PlacedOrder{OrderID: o.id, Status: "live"}, nil
}

func (f *fakeExchange) OrderStatus(_ context.Context, orderID string) (domain.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[orderID]
	if !ok {
		return domain.OrderSnapshot{}, domain.ErrNotFound
	}
	o.polls++
	if f.onPoll != nil && o.status == domain.OrderOpen {
		f.onPoll(f, o)
	}
	return domain.OrderSnapshot{
		ID:                  o.id,
		TokenID:             o.req.TokenID,
		Side:                o.req.Side,
		Status:              o.status,
		Price:               o.req.Price,
		Size:                o.req.Size,
		Filled:              o.filled,
		AvgPrice:            o.avg,
		InsufficientBalance: o.insufficient,
	}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if o, ok := f.byID[orderID]; ok && o.status == domain.OrderOpen {
		o.status = domain.OrderCancelled
	}
	return nil
}

func (f *fakeExchange) OpenOrders(context.Context, string) ([]domain.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.stale
	f.stale = nil
	return out, nil
}

func (f *fakeExchange) placedPrices() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o.req.Price)
	}
	return out
}

type fakePosition struct {
	mu    sync.Mutex
	calls int
	next  func(call int) float64
}

func (p *fakePosition) TokenBalance(context.Context, string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.next(p.calls), nil
}

type fakeClock struct{ t time.Time }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return ctx.Err()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFeed(ex *fakeExchange, opts ...pricefeed.Option) *pricefeed.Feed {
	return pricefeed.New(ex, pricefeed.DefaultConfig(), append([]pricefeed.Option{pricefeed.WithLogger(quietLogger())}, opts...)...)
}

func followerOpts(c *fakeClock, extra ...follower.Option) []follower.Option {
	return append([]follower.Option{
		follower.WithLogger(quietLogger()),
		follower.WithClock(c.Now, c.Sleep),
	}, extra...)
}
