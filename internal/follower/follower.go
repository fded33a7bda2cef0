// Package follower drives a single resting order that tracks the best
// price on one side of the book until a target size is filled.
//
// Buyer follows the best bid upward. Seller follows the best ask downward
// without crossing a profit floor. Each run is one sequential loop; many runs
// may share one pricefeed.Feed and one TradingClient.
package follower

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyfollow/internal/metrics"
	"github.com/alejandrodnm/polyfollow/internal/ports"
	"github.com/alejandrodnm/polyfollow/internal/pricefeed"
)

// cancelTimeout bounds exit-path cancellations, which run on a detached context.
const cancelTimeout = 10 * time.Second

type deps struct {
	client   ports.TradingClient
	feed     *pricefeed.Feed
	position ports.PositionProvider
	log      *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Buyer or Seller.
type Option func(*deps)

// WithPosition enables position probes (buy reconciliation, sell refresh).
func WithPosition(p ports.PositionProvider) Option {
	return func(d *deps) { d.position = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *deps) { d.log = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(d *deps) { d.metrics = m }
}

// WithClock replaces time.Now and the poll sleep, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *deps) {
		d.now = now
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

func newDeps(client ports.TradingClient, feed *pricefeed.Feed, opts []Option) deps {
	d := deps{
		client: client,
		feed:   feed,
		log:    slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
